package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store reads the identity data used to build system prompts.
type Store interface {
	// GetUser returns nil, nil for unknown users.
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
	// GetMasterConfig returns nil, nil when no row has been written yet.
	GetMasterConfig(ctx context.Context) (*MasterConfig, error)
	UpdatePreferences(ctx context.Context, id uuid.UUID, patch PreferencesPatch) (*User, error)
	UpdateMasterConfig(ctx context.Context, patch MasterConfigPatch) (*MasterConfig, error)
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) Store {
	return &postgresRepository{pool: pool}
}

func (r *postgresRepository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return getUser(ctx, r.pool, id, false)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getUser(ctx context.Context, q queryRower, id uuid.UUID, forUpdate bool) (*User, error) {
	query := `SELECT id, display_name, preferences, created_at, updated_at FROM users WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	user := &User{}
	var prefs []byte
	err := q.QueryRow(ctx, query, id).Scan(
		&user.ID, &user.DisplayName, &prefs, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying user by id: %w", err)
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &user.Preferences); err != nil {
			return nil, fmt.Errorf("decoding preferences: %w", err)
		}
	}
	return user, nil
}

// UpdatePreferences applies patch under a row lock, creating the user row
// on first write.
func (r *postgresRepository) UpdatePreferences(ctx context.Context, id uuid.UUID, patch PreferencesPatch) (*User, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
		return nil, fmt.Errorf("ensuring user row: %w", err)
	}

	current, err := getUser(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	updated := patch.Apply(*current)

	prefs, err := json.Marshal(updated.Preferences)
	if err != nil {
		return nil, fmt.Errorf("encoding preferences: %w", err)
	}

	err = tx.QueryRow(ctx, `
		UPDATE users SET display_name = $2, preferences = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`, id, updated.DisplayName, prefs).Scan(&updated.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("updating preferences: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing preferences: %w", err)
	}
	return &updated, nil
}

func (r *postgresRepository) GetMasterConfig(ctx context.Context) (*MasterConfig, error) {
	return getMasterConfig(ctx, r.pool, false)
}

func getMasterConfig(ctx context.Context, q queryRower, forUpdate bool) (*MasterConfig, error) {
	query := `SELECT base_prompt, immutable_rules, scope_restrictions FROM master_config WHERE id = 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	cfg := &MasterConfig{}
	err := q.QueryRow(ctx, query).Scan(&cfg.BasePrompt, &cfg.ImmutableRules, &cfg.ScopeRestrictions)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying master config: %w", err)
	}
	return cfg, nil
}

func (r *postgresRepository) UpdateMasterConfig(ctx context.Context, patch MasterConfigPatch) (*MasterConfig, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO master_config (id) VALUES (1) ON CONFLICT (id) DO NOTHING`); err != nil {
		return nil, fmt.Errorf("ensuring master config row: %w", err)
	}

	current, err := getMasterConfig(ctx, tx, true)
	if err != nil {
		return nil, err
	}
	updated := patch.Apply(*current)
	if updated.ImmutableRules == nil {
		updated.ImmutableRules = []string{}
	}
	if updated.ScopeRestrictions == nil {
		updated.ScopeRestrictions = []string{}
	}

	_, err = tx.Exec(ctx, `
		UPDATE master_config
		SET base_prompt = $1, immutable_rules = $2, scope_restrictions = $3, updated_at = NOW()
		WHERE id = 1`, updated.BasePrompt, updated.ImmutableRules, updated.ScopeRestrictions)
	if err != nil {
		return nil, fmt.Errorf("updating master config: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing master config: %w", err)
	}
	return &updated, nil
}

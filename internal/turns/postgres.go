package turns

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) StartConversation(ctx context.Context, ownerID uuid.UUID) (*Conversation, error) {
	c := &Conversation{ID: uuid.New(), OwnerID: ownerID, StartedAt: time.Now().UTC()}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, owner_id, started_at) VALUES ($1, $2, $3)`,
		c.ID, c.OwnerID, c.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) EndConversation(ctx context.Context, ownerID, conversationID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET ended_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND ended_at IS NULL`,
		conversationID, ownerID)
	if err != nil {
		return fmt.Errorf("ending conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn *Turn) error {
	prepareTurn(turn)
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_turns (id, conversation_id, owner_id, role, content, created_at)
		 SELECT $1::uuid, c.id, c.owner_id, $4::text, $5::text, GREATEST($6::timestamptz, c.started_at)
		 FROM conversations c
		 WHERE c.id = $2 AND c.owner_id = $3`,
		turn.ID, turn.ConversationID, turn.OwnerID, string(turn.Role), turn.Content, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, ownerID uuid.UUID, limit int) ([]Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, owner_id, role, content, created_at FROM (
		     SELECT seq, id, conversation_id, owner_id, role, content, created_at
		     FROM conversation_turns
		     WHERE owner_id = $1
		     ORDER BY seq DESC
		     LIMIT $2
		 ) recent ORDER BY seq ASC`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent turns: %w", err)
	}
	return scanTurns(rows)
}

func (s *PostgresStore) ConversationTurns(ctx context.Context, ownerID, conversationID uuid.UUID) ([]Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id, owner_id, role, content, created_at
		 FROM conversation_turns
		 WHERE owner_id = $1 AND conversation_id = $2
		 ORDER BY seq ASC`,
		ownerID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying conversation turns: %w", err)
	}
	return scanTurns(rows)
}

func (s *PostgresStore) TrimTurns(ctx context.Context, ownerID uuid.UUID, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversation_turns
		 WHERE owner_id = $1 AND seq < (
		     SELECT COALESCE(MIN(seq), 0) FROM (
		         SELECT seq FROM conversation_turns WHERE owner_id = $1 ORDER BY seq DESC LIMIT $2
		     ) keep
		 )`,
		ownerID, keep)
	if err != nil {
		return 0, fmt.Errorf("trimming turns: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) SaveRecord(ctx context.Context, rec *Record) error {
	prepareRecord(rec)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_records (id, owner_id, type, scope, content, importance, tags, topic, source, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		     content = EXCLUDED.content, importance = EXCLUDED.importance,
		     tags = EXCLUDED.tags, topic = EXCLUDED.topic, updated_at = EXCLUDED.updated_at
		 WHERE memory_records.owner_id = EXCLUDED.owner_id`,
		rec.ID, rec.OwnerID, rec.Type, rec.Scope, rec.Content, rec.Importance, rec.Tags,
		rec.Topic, rec.Source, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving memory record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, ownerID, id uuid.UUID) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, type, scope, content, importance, tags, topic, source, created_at, updated_at
		 FROM memory_records WHERE id = $1 AND owner_id = $2`,
		id, ownerID)
	var r Record
	err := row.Scan(&r.ID, &r.OwnerID, &r.Type, &r.Scope, &r.Content, &r.Importance, &r.Tags,
		&r.Topic, &r.Source, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting memory record: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) Records(ctx context.Context, ownerID uuid.UUID) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, type, scope, content, importance, tags, topic, source, created_at, updated_at
		 FROM memory_records WHERE owner_id = $1
		 ORDER BY created_at ASC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing memory records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Type, &r.Scope, &r.Content, &r.Importance, &r.Tags,
			&r.Topic, &r.Source, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning memory record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, ownerID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memory_records WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting memory record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanTurns(rows pgx.Rows) ([]Turn, error) {
	defer rows.Close()
	var out []Turn
	for rows.Next() {
		var t Turn
		var role string
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.OwnerID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		t.Role = Role(role)
		out = append(out, t)
	}
	return out, rows.Err()
}

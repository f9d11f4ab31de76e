// Package pgvector stores memory entries in PostgreSQL with the pgvector
// extension. Owner, type and scope filters are applied in SQL.
package pgvector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgv "github.com/pgvector/pgvector-go"

	"github.com/aiox-platform/companion/internal/memory"
)

const (
	Name = "pgvector"

	// hnsw indexes support at most 2000 dimensions.
	maxIndexedDims = 2000
)

const entryColumns = `id, owner_id, content, type, scope, importance, tags, topic, source, created_at, updated_at`

// Store implements memory.VectorStore and memory.CrossTenantSearcher.
type Store struct {
	pool *pgxpool.Pool
	dims int

	mu    sync.Mutex
	ready atomic.Bool
}

func New(pool *pgxpool.Pool, dims int) *Store {
	return &Store{pool: pool, dims: dims}
}

func (s *Store) Name() string    { return Name }
func (s *Store) Dimensions() int { return s.dims }

// Init creates the memory_entries table for the configured dimension and
// verifies an existing table matches it. A failed Init may be retried.
func (s *Store) Init(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready.Load() {
		return nil
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memory_entries (
		    id         UUID PRIMARY KEY,
		    owner_id   UUID NOT NULL,
		    content    TEXT NOT NULL,
		    embedding  vector(%d) NOT NULL,
		    type       TEXT NOT NULL,
		    scope      TEXT NOT NULL,
		    importance DOUBLE PRECISION NOT NULL DEFAULT 0,
		    tags       TEXT[] NOT NULL DEFAULT '{}',
		    topic      TEXT NOT NULL DEFAULT '',
		    source     TEXT NOT NULL DEFAULT '',
		    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.dims),
		`CREATE INDEX IF NOT EXISTS idx_memory_entries_owner ON memory_entries (owner_id, type, scope)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_entries_scope ON memory_entries (scope)`,
	}
	if s.dims <= maxIndexedDims {
		stmts = append(stmts,
			`CREATE INDEX IF NOT EXISTS idx_memory_entries_embedding ON memory_entries USING hnsw (embedding vector_cosine_ops)`)
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgvector init: %w", err)
		}
	}

	// atttypmod of a vector column is its dimension.
	var existing int
	err := s.pool.QueryRow(ctx,
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = 'memory_entries'::regclass AND attname = 'embedding'`).Scan(&existing)
	if err != nil {
		return fmt.Errorf("pgvector init: reading embedding dimension: %w", err)
	}
	if existing != s.dims {
		return fmt.Errorf("%w: memory_entries.embedding is vector(%d), provider yields %d",
			memory.ErrDimensionMismatch, existing, s.dims)
	}

	s.ready.Store(true)
	return nil
}

func (s *Store) Store(ctx context.Context, e *memory.Entry) (*memory.Entry, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if len(e.Embedding) != s.dims {
		return nil, fmt.Errorf("%w: entry has %d dimensions, index has %d", memory.ErrDimensionMismatch, len(e.Embedding), s.dims)
	}

	out := *e
	if out.ID == uuid.Nil {
		out.ID = uuid.New()
	}
	now := time.Now().UTC()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	tags := out.Metadata.Tags
	if tags == nil {
		tags = []string{}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_entries (id, owner_id, content, embedding, type, scope, importance, tags, topic, source, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		out.ID, out.OwnerID, out.Content, pgv.NewVector(out.Embedding),
		string(out.Metadata.Type), string(out.Metadata.Scope), out.Metadata.Importance, tags,
		out.Metadata.Topic, out.Metadata.Source, out.CreatedAt, out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting memory entry: %w", err)
	}
	return &out, nil
}

func (s *Store) Retrieve(ctx context.Context, id, ownerID uuid.UUID) (*memory.Entry, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM memory_entries WHERE id = $1 AND owner_id = $2`,
		id, ownerID)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieving memory entry: %w", err)
	}
	return e, nil
}

func (s *Store) Search(ctx context.Context, q memory.SearchQuery) ([]memory.SearchResult, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}

	conds := []string{"owner_id = $2", "scope = ANY($3)", "1 - (embedding <=> $1) >= $4"}
	args := []any{pgv.NewVector(q.Embedding), q.OwnerID, scopeStrings(q.EffectiveScopes()), q.Threshold}
	if len(q.Types) > 0 {
		args = append(args, typeStrings(q.Types))
		conds = append(conds, fmt.Sprintf("type = ANY($%d)", len(args)))
	}
	args = append(args, topK(q.TopK))

	query := fmt.Sprintf(
		`SELECT %s, 1 - (embedding <=> $1) AS similarity
		 FROM memory_entries
		 WHERE %s
		 ORDER BY embedding <=> $1
		 LIMIT $%d`, entryColumns, strings.Join(conds, " AND "), len(args))

	return s.querySimilar(ctx, query, args...)
}

// SearchCrossTenant searches every owner's entries in the given scopes.
// tenant-default is excluded in SQL regardless of the scopes passed.
func (s *Store) SearchCrossTenant(ctx context.Context, embedding []float32, k int, threshold float64, scopes []memory.Scope) ([]memory.SearchResult, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s.querySimilar(ctx,
		`SELECT `+entryColumns+`, 1 - (embedding <=> $1) AS similarity
		 FROM memory_entries
		 WHERE scope = ANY($2) AND scope <> $3
		   AND 1 - (embedding <=> $1) >= $4
		 ORDER BY embedding <=> $1
		 LIMIT $5`,
		pgv.NewVector(embedding), scopeStrings(scopes), string(memory.ScopeTenantDefault), threshold, topK(k))
}

func (s *Store) Update(ctx context.Context, id, ownerID uuid.UUID, p memory.Patch) (*memory.Entry, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}

	var content, topic, importance, embedding, tags any
	if p.Content != nil {
		content = *p.Content
	}
	if p.Topic != nil {
		topic = *p.Topic
	}
	if p.Importance != nil {
		importance = *p.Importance
	}
	if p.Embedding != nil {
		if len(p.Embedding) != s.dims {
			return nil, fmt.Errorf("%w: patch has %d dimensions, index has %d", memory.ErrDimensionMismatch, len(p.Embedding), s.dims)
		}
		embedding = pgv.NewVector(p.Embedding)
	}
	if p.Tags != nil {
		tags = p.Tags
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE memory_entries SET
		     content    = COALESCE($3::text, content),
		     embedding  = COALESCE($4::vector, embedding),
		     importance = COALESCE($5::double precision, importance),
		     tags       = COALESCE($6::text[], tags),
		     topic      = COALESCE($7::text, topic),
		     updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2
		 RETURNING `+entryColumns,
		id, ownerID, content, embedding, importance, tags, topic)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating memory entry: %w", err)
	}
	return e, nil
}

func (s *Store) Delete(ctx context.Context, id, ownerID uuid.UUID) error {
	if err := s.Init(ctx); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM memory_entries WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("deleting memory entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return memory.ErrNotFound
	}
	return nil
}

func (s *Store) Count(ctx context.Context, ownerID uuid.UUID) (int, error) {
	if err := s.Init(ctx); err != nil {
		return 0, err
	}
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM memory_entries WHERE owner_id = $1`, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting memory entries: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteByTag(ctx context.Context, ownerID uuid.UUID, tag string) (int, error) {
	if err := s.Init(ctx); err != nil {
		return 0, err
	}
	res, err := s.pool.Exec(ctx,
		`DELETE FROM memory_entries WHERE owner_id = $1 AND $2 = ANY(tags)`, ownerID, tag)
	if err != nil {
		return 0, fmt.Errorf("deleting memory entries by tag: %w", err)
	}
	return int(res.RowsAffected()), nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *Store) Close() error { return nil }

func (s *Store) querySimilar(ctx context.Context, query string, args ...any) ([]memory.SearchResult, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("searching memory entries: %w", err)
	}
	defer rows.Close()

	var results []memory.SearchResult
	for rows.Next() {
		var e memory.Entry
		var typ, scope string
		var similarity float64
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Content, &typ, &scope, &e.Metadata.Importance,
			&e.Metadata.Tags, &e.Metadata.Topic, &e.Metadata.Source, &e.CreatedAt, &e.UpdatedAt, &similarity); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		e.Metadata.Type = memory.Type(typ)
		e.Metadata.Scope = memory.Scope(scope)
		results = append(results, memory.SearchResult{Entry: e, Score: memory.ClampScore(similarity)})
	}
	return results, rows.Err()
}

func scanEntry(row pgx.Row) (*memory.Entry, error) {
	var e memory.Entry
	var typ, scope string
	if err := row.Scan(&e.ID, &e.OwnerID, &e.Content, &typ, &scope, &e.Metadata.Importance,
		&e.Metadata.Tags, &e.Metadata.Topic, &e.Metadata.Source, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Metadata.Type = memory.Type(typ)
	e.Metadata.Scope = memory.Scope(scope)
	return &e, nil
}

func scopeStrings(scopes []memory.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

func typeStrings(types []memory.Type) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func topK(k int) int {
	if k <= 0 {
		return 10
	}
	return k
}

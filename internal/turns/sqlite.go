package turns

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore implements Store on a local SQLite database. Timestamps are
// stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps a database already migrated by database.OpenSQLite.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) StartConversation(ctx context.Context, ownerID uuid.UUID) (*Conversation, error) {
	c := &Conversation{ID: uuid.New(), OwnerID: ownerID, StartedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_id, started_at) VALUES (?, ?, ?)`,
		c.ID.String(), c.OwnerID.String(), c.StartedAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) EndConversation(ctx context.Context, ownerID, conversationID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET ended_at = ?
		 WHERE id = ? AND owner_id = ? AND ended_at IS NULL`,
		time.Now().UTC().UnixNano(), conversationID.String(), ownerID.String())
	if err != nil {
		return fmt.Errorf("ending conversation: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *Turn) error {
	prepareTurn(turn)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, conversation_id, owner_id, role, content, created_at)
		 SELECT ?, c.id, c.owner_id, ?, ?, MAX(?, c.started_at)
		 FROM conversations c
		 WHERE c.id = ? AND c.owner_id = ?`,
		turn.ID.String(), string(turn.Role), turn.Content, turn.CreatedAt.UnixNano(),
		turn.ConversationID.String(), turn.OwnerID.String())
	if err != nil {
		return fmt.Errorf("appending turn: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, ownerID uuid.UUID, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, owner_id, role, content, created_at FROM (
		     SELECT seq, id, conversation_id, owner_id, role, content, created_at
		     FROM conversation_turns
		     WHERE owner_id = ?
		     ORDER BY seq DESC
		     LIMIT ?
		 ) ORDER BY seq ASC`,
		ownerID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent turns: %w", err)
	}
	return scanSQLiteTurns(rows)
}

func (s *SQLiteStore) ConversationTurns(ctx context.Context, ownerID, conversationID uuid.UUID) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, owner_id, role, content, created_at
		 FROM conversation_turns
		 WHERE owner_id = ? AND conversation_id = ?
		 ORDER BY seq ASC`,
		ownerID.String(), conversationID.String())
	if err != nil {
		return nil, fmt.Errorf("querying conversation turns: %w", err)
	}
	return scanSQLiteTurns(rows)
}

func (s *SQLiteStore) TrimTurns(ctx context.Context, ownerID uuid.UUID, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_turns
		 WHERE owner_id = ?1 AND seq < (
		     SELECT COALESCE(MIN(seq), 0) FROM (
		         SELECT seq FROM conversation_turns WHERE owner_id = ?1 ORDER BY seq DESC LIMIT ?2
		     )
		 )`,
		ownerID.String(), keep)
	if err != nil {
		return 0, fmt.Errorf("trimming turns: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *Record) error {
	prepareRecord(rec)
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshaling tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memory_records (id, owner_id, type, scope, content, importance, tags, topic, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     content = excluded.content, importance = excluded.importance,
		     tags = excluded.tags, topic = excluded.topic, updated_at = excluded.updated_at
		 WHERE memory_records.owner_id = excluded.owner_id`,
		rec.ID.String(), rec.OwnerID.String(), rec.Type, rec.Scope, rec.Content, rec.Importance,
		string(tags), rec.Topic, rec.Source, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("saving memory record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, ownerID, id uuid.UUID) (*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, type, scope, content, importance, tags, topic, source, created_at, updated_at
		 FROM memory_records WHERE id = ? AND owner_id = ?`,
		id.String(), ownerID.String())
	if err != nil {
		return nil, fmt.Errorf("getting memory record: %w", err)
	}
	recs, err := scanSQLiteRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (s *SQLiteStore) Records(ctx context.Context, ownerID uuid.UUID) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, type, scope, content, importance, tags, topic, source, created_at, updated_at
		 FROM memory_records WHERE owner_id = ?
		 ORDER BY created_at ASC`,
		ownerID.String())
	if err != nil {
		return nil, fmt.Errorf("listing memory records: %w", err)
	}
	return scanSQLiteRecords(rows)
}

func (s *SQLiteStore) DeleteRecord(ctx context.Context, ownerID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memory_records WHERE id = ? AND owner_id = ?`, id.String(), ownerID.String())
	if err != nil {
		return fmt.Errorf("deleting memory record: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSQLiteTurns(rows *sql.Rows) ([]Turn, error) {
	defer rows.Close()
	var out []Turn
	for rows.Next() {
		var id, convID, ownerID, role string
		var t Turn
		var created int64
		if err := rows.Scan(&id, &convID, &ownerID, &role, &t.Content, &created); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		var err error
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing turn id: %w", err)
		}
		if t.ConversationID, err = uuid.Parse(convID); err != nil {
			return nil, fmt.Errorf("parsing conversation id: %w", err)
		}
		if t.OwnerID, err = uuid.Parse(ownerID); err != nil {
			return nil, fmt.Errorf("parsing owner id: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanSQLiteRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var id, ownerID, tags string
		var created, updated int64
		var r Record
		if err := rows.Scan(&id, &ownerID, &r.Type, &r.Scope, &r.Content, &r.Importance, &tags,
			&r.Topic, &r.Source, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning memory record: %w", err)
		}
		var err error
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parsing record id: %w", err)
		}
		if r.OwnerID, err = uuid.Parse(ownerID); err != nil {
			return nil, fmt.Errorf("parsing owner id: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags of %s: %w", id, err)
		}
		r.CreatedAt = time.Unix(0, created).UTC()
		r.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

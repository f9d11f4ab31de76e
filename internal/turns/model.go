package turns

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one append-only message within a conversation.
type Turn struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	OwnerID        uuid.UUID `json:"owner_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation groups the turns of one continuous session.
type Conversation struct {
	ID        uuid.UUID  `json:"id"`
	OwnerID   uuid.UUID  `json:"owner_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Record is the durable copy of a typed memory (fact, preference, ...).
// It survives vector backend outages and is the source for reindexing.
type Record struct {
	ID         uuid.UUID `json:"id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	Type       string    `json:"type"`
	Scope      string    `json:"scope"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	Tags       []string  `json:"tags"`
	Topic      string    `json:"topic,omitempty"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store is the structured, per-owner record of conversations and typed
// memories. It is independent of vector search.
type Store interface {
	StartConversation(ctx context.Context, ownerID uuid.UUID) (*Conversation, error)
	EndConversation(ctx context.Context, ownerID, conversationID uuid.UUID) error

	// AppendTurn returns ErrNotFound if the conversation does not belong to the turn's owner.
	AppendTurn(ctx context.Context, turn *Turn) error
	// RecentTurns returns up to limit of the owner's latest turns, oldest first.
	RecentTurns(ctx context.Context, ownerID uuid.UUID, limit int) ([]Turn, error)
	ConversationTurns(ctx context.Context, ownerID, conversationID uuid.UUID) ([]Turn, error)
	// TrimTurns deletes all but the newest keep turns of an owner.
	TrimTurns(ctx context.Context, ownerID uuid.UUID, keep int) (int64, error)

	// SaveRecord inserts or replaces a record.
	SaveRecord(ctx context.Context, rec *Record) error
	// GetRecord returns nil, nil when absent or not owned by ownerID.
	GetRecord(ctx context.Context, ownerID, id uuid.UUID) (*Record, error)
	Records(ctx context.Context, ownerID uuid.UUID) ([]Record, error)
	DeleteRecord(ctx context.Context, ownerID, id uuid.UUID) error

	Ping(ctx context.Context) error
}

func prepareTurn(turn *Turn) {
	if turn.ID == uuid.Nil {
		turn.ID = uuid.New()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
}

func prepareRecord(rec *Record) {
	now := time.Now().UTC()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
}

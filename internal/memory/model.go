package memory

import (
	"time"

	"github.com/google/uuid"
)

// Type is the category of a memory entry.
type Type string

const (
	TypeConversation Type = "conversation"
	TypeFact         Type = "fact"
	TypePreference   Type = "preference"
	TypeContext      Type = "context"
	TypeExternal     Type = "external"
)

// Valid reports whether t is one of the known memory types.
func (t Type) Valid() bool {
	switch t {
	case TypeConversation, TypeFact, TypePreference, TypeContext, TypeExternal:
		return true
	}
	return false
}

// Scope partitions visibility of an entry. Only cross-cutting scopes are
// ever eligible for aggregate cross-tenant scans.
type Scope string

const (
	ScopeTenantDefault Scope = "tenant-default"
	ScopeCrossCuttingA Scope = "cross-cutting-a"
	ScopeCrossCuttingB Scope = "cross-cutting-b"
	ScopeCrossCuttingC Scope = "cross-cutting-c"
)

func (s Scope) Valid() bool {
	return s == ScopeTenantDefault || s.CrossCutting()
}

func (s Scope) CrossCutting() bool {
	switch s {
	case ScopeCrossCuttingA, ScopeCrossCuttingB, ScopeCrossCuttingC:
		return true
	}
	return false
}

// AllScopes returns every scope an owner may read for their own entries.
func AllScopes() []Scope {
	return []Scope{ScopeTenantDefault, ScopeCrossCuttingA, ScopeCrossCuttingB, ScopeCrossCuttingC}
}

// CrossCuttingScopes returns the scopes eligible for cross-tenant scans.
func CrossCuttingScopes() []Scope {
	return []Scope{ScopeCrossCuttingA, ScopeCrossCuttingB, ScopeCrossCuttingC}
}

// Metadata describes an entry for filtering and ranking.
type Metadata struct {
	Type       Type     `json:"type"`
	Scope      Scope    `json:"scope"`
	Importance float64  `json:"importance"`
	Tags       []string `json:"tags,omitempty"`
	Topic      string   `json:"topic,omitempty"`
	Source     string   `json:"source,omitempty"`
}

// HasTag reports whether the metadata carries tag.
func (m Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Entry is a single long-term memory owned by exactly one user.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"-"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Patch carries the mutable fields of an entry. Nil fields are left unchanged.
// Embedding is set by the coordinator only when Content changed.
type Patch struct {
	Content    *string
	Embedding  []float32
	Importance *float64
	Tags       []string
	Topic      *string
}

// SearchQuery is a backend-level semantic search. OwnerID is always applied
// as a server-side filter. An empty Scopes list means tenant-default only.
type SearchQuery struct {
	Text      string
	OwnerID   uuid.UUID
	Embedding []float32
	TopK      int
	Threshold float64
	Types     []Type
	Scopes    []Scope
}

// EffectiveScopes returns the scopes the query may read.
func (q SearchQuery) EffectiveScopes() []Scope {
	if len(q.Scopes) == 0 {
		return []Scope{ScopeTenantDefault}
	}
	return q.Scopes
}

// SearchResult pairs an entry with its similarity score in [0,1].
type SearchResult struct {
	Entry Entry   `json:"entry"`
	Score float64 `json:"score"`
}

// SearchOptions are the caller-facing knobs of Coordinator.Search.
type SearchOptions struct {
	TopK      int
	Threshold float64
	Types     []Type
	Scopes    []Scope
}

// ConversationEntry is a single message in the short-term session history.
type ConversationEntry struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// StoreRequest is used by the API to store a typed memory.
type StoreRequest struct {
	Content    string   `json:"content" validate:"required,min=1,max=8000"`
	Type       string   `json:"type" validate:"required,oneof=fact preference context external"`
	Scope      string   `json:"scope,omitempty" validate:"omitempty,oneof=tenant-default cross-cutting-a cross-cutting-b cross-cutting-c"`
	Importance *float64 `json:"importance,omitempty" validate:"omitempty,gte=0,lte=1"`
	Tags       []string `json:"tags,omitempty" validate:"omitempty,dive,min=1,max=64"`
	Topic      string   `json:"topic,omitempty"`
}

// UpdateRequest is used by the API to patch an existing memory.
type UpdateRequest struct {
	Content    *string  `json:"content,omitempty" validate:"omitempty,min=1,max=8000"`
	Importance *float64 `json:"importance,omitempty" validate:"omitempty,gte=0,lte=1"`
	Tags       []string `json:"tags,omitempty"`
	Topic      *string  `json:"topic,omitempty"`
}

// SearchRequest is used by the API to run a semantic search.
type SearchRequest struct {
	Query     string   `json:"query" validate:"required,min=1"`
	TopK      int      `json:"top_k,omitempty" validate:"omitempty,gte=1,lte=100"`
	Threshold float64  `json:"threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	Types     []string `json:"types,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned for absent entries and for entries owned by
	// someone else. Callers cannot tell the two apart.
	ErrNotFound = errors.New("memory not found")

	// ErrDimensionMismatch means the backend index and the embedding
	// provider disagree on vector size.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	ErrUnknownBackend = errors.New("unknown vector backend")
)

// ConfigError is a fatal startup-time misconfiguration of the memory subsystem.
type ConfigError struct {
	Backend string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("memory config (%s): %v", e.Backend, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// VectorStore is a pluggable semantic memory backend. Every owner-scoped
// method must behave as if the entry did not exist when ownerID does not
// match the stored owner.
type VectorStore interface {
	Name() string
	Dimensions() int

	// Init creates the index or collections if absent. It is safe to call
	// repeatedly; operations call it lazily on first use.
	Init(ctx context.Context) error

	Store(ctx context.Context, entry *Entry) (*Entry, error)
	// Retrieve returns nil, nil when the entry is absent or not owned by ownerID.
	Retrieve(ctx context.Context, id, ownerID uuid.UUID) (*Entry, error)
	Search(ctx context.Context, q SearchQuery) ([]SearchResult, error)
	Update(ctx context.Context, id, ownerID uuid.UUID, patch Patch) (*Entry, error)
	Delete(ctx context.Context, id, ownerID uuid.UUID) error
	Count(ctx context.Context, ownerID uuid.UUID) (int, error)
	DeleteByTag(ctx context.Context, ownerID uuid.UUID, tag string) (int, error)
	Close() error
}

// CrossTenantSearcher is implemented by backends able to search across all
// owners. Implementations must only read the scopes they are given.
type CrossTenantSearcher interface {
	SearchCrossTenant(ctx context.Context, embedding []float32, topK int, threshold float64, scopes []Scope) ([]SearchResult, error)
}

// Factory opens a backend. It should not create any schema; that is Init's job.
type Factory func(ctx context.Context) (VectorStore, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Open(ctx context.Context, name string) (VectorStore, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return f(ctx)
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SortResults orders results by descending score, breaking ties by newest first.
func SortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.CreatedAt.After(results[j].Entry.CreatedAt)
	})
}

// ClampScore maps a cosine similarity onto [0,1].
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

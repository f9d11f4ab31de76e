package memory

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/companion/internal/database"
	"github.com/aiox-platform/companion/internal/embedding"
	"github.com/aiox-platform/companion/internal/turns"
)

// fakeStore is an in-memory VectorStore with failure and latency knobs.
type fakeStore struct {
	name string
	dims int

	mu      sync.Mutex
	entries map[uuid.UUID]Entry

	initErr   error
	searchErr error
	storeErr  error
	// delays maps a type to search latency for queries filtering on it.
	delays map[Type]time.Duration
	// leak makes SearchCrossTenant return every scope, simulating a buggy backend.
	leak bool
}

func newFakeStore(name string, dims int) *fakeStore {
	return &fakeStore{name: name, dims: dims, entries: make(map[uuid.UUID]Entry), delays: map[Type]time.Duration{}}
}

func (s *fakeStore) Name() string { return s.name }
func (s *fakeStore) Dimensions() int { return s.dims }
func (s *fakeStore) Init(context.Context) error { return s.initErr }
func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) Store(_ context.Context, e *Entry) (*Entry, error) {
	if s.storeErr != nil {
		return nil, s.storeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = *e
	return e, nil
}

func (s *fakeStore) Retrieve(_ context.Context, id, ownerID uuid.UUID) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.OwnerID != ownerID {
		return nil, nil
	}
	return &e, nil
}

func (s *fakeStore) Search(ctx context.Context, q SearchQuery) ([]SearchResult, error) {
	if s.searchErr != nil {
		return nil, s.searchErr
	}
	for _, t := range q.Types {
		if d := s.delays[t]; d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SearchResult
	for _, e := range s.entries {
		if e.OwnerID != q.OwnerID || !wantsType(q.Types, e.Metadata.Type) || !scopeAllowed(q.Scopes, e.Metadata.Scope) {
			continue
		}
		score := ClampScore(cosine(q.Embedding, e.Embedding))
		if score >= q.Threshold {
			out = append(out, SearchResult{Entry: e, Score: score})
		}
	}
	SortResults(out)
	if len(out) > q.TopK {
		out = out[:q.TopK]
	}
	return out, nil
}

func (s *fakeStore) SearchCrossTenant(_ context.Context, emb []float32, k int, threshold float64, scopes []Scope) ([]SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SearchResult
	for _, e := range s.entries {
		if !s.leak && !scopeAllowed(scopes, e.Metadata.Scope) {
			continue
		}
		score := ClampScore(cosine(emb, e.Embedding))
		if score >= threshold {
			out = append(out, SearchResult{Entry: e, Score: score})
		}
	}
	SortResults(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *fakeStore) Update(_ context.Context, id, ownerID uuid.UUID, p Patch) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	e = applyToEntry(e, p)
	if p.Embedding != nil {
		e.Embedding = p.Embedding
	}
	s.entries[id] = e
	return &e, nil
}

func (s *fakeStore) Delete(_ context.Context, id, ownerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *fakeStore) Count(_ context.Context, ownerID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) DeleteByTag(_ context.Context, ownerID uuid.UUID, tag string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if e.OwnerID == ownerID && e.Metadata.HasTag(tag) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// countingEmbedder wraps the hashing embedder, counting calls and failing on demand.
type countingEmbedder struct {
	next  *embedding.Hashing
	calls atomic.Int64
	fail  atomic.Bool
}

func newCountingEmbedder(dims int) *countingEmbedder {
	return &countingEmbedder{next: embedding.NewHashing(dims)}
}

func (e *countingEmbedder) Dimensions() int { return e.next.Dimensions() }

func (e *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.fail.Load() {
		return nil, &embedding.Error{Provider: "test", Err: errors.New("provider down")}
	}
	return e.next.Embed(ctx, text)
}

type auditCall struct {
	owner  uuid.UUID
	action string
}

type recordingAuditor struct {
	mu    sync.Mutex
	calls []auditCall
}

func (a *recordingAuditor) Audit(_ context.Context, owner uuid.UUID, action string, _ *uuid.UUID, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, auditCall{owner: owner, action: action})
}

func (a *recordingAuditor) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.calls))
	for _, c := range a.calls {
		out = append(out, c.action)
	}
	return out
}

func newTurnStore(t *testing.T) turns.Store {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return turns.NewSQLiteStore(db)
}

const testDims = 256

type harness struct {
	coord    *Coordinator
	store    *fakeStore
	embedder *countingEmbedder
	turns    turns.Store
	auditor  *recordingAuditor
}

// newHarness builds a coordinator whose preferred backend is a fakeStore.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore("fake", testDims),
		embedder: newCountingEmbedder(testDims),
		turns:    newTurnStore(t),
		auditor:  &recordingAuditor{},
	}
	reg := NewRegistry()
	reg.Register("fake", func(context.Context) (VectorStore, error) { return h.store, nil })
	if cfg.PreferredBackend == "" {
		cfg.PreferredBackend = "fake"
	}
	h.coord = NewCoordinator(reg, h.embedder, h.turns, h.auditor, cfg)
	require.NoError(t, h.coord.Initialize(context.Background()))
	return h
}

func (h *harness) conversation(t *testing.T, owner uuid.UUID) uuid.UUID {
	t.Helper()
	conv, err := h.turns.StartConversation(context.Background(), owner)
	require.NoError(t, err)
	return conv.ID
}

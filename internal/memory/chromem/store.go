// Package chromem is an embedded vector backend built on chromem-go.
// Each scope is its own collection; owner and type filtering happens in the
// collection's metadata where-clause.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/aiox-platform/companion/internal/memory"
)

const Name = "chromem"

const (
	keyID         = "entry_id"
	keyOwner      = "owner_id"
	keyType       = "type"
	keyScope      = "scope"
	keyImportance = "importance"
	keyTags       = "tags"
	keyTopic      = "topic"
	keySource     = "source"
	keyCreated    = "created_at"
	keyUpdated    = "updated_at"
	tagPrefix     = "tag:"
)

// Store implements memory.VectorStore and memory.CrossTenantSearcher.
type Store struct {
	db   *chromem.DB
	dims int

	initMu sync.Mutex
	ready  atomic.Bool
	cols   map[memory.Scope]*chromem.Collection

	// serializes read-modify-write cycles
	writeMu sync.Mutex
}

func New(db *chromem.DB, dims int) *Store {
	return &Store{db: db, dims: dims}
}

// NewInMemory returns a store backed by a fresh in-memory database.
func NewInMemory(dims int) *Store {
	return New(chromem.NewDB(), dims)
}

// NewPersistent opens or creates an on-disk database at path.
func NewPersistent(path string, compress bool, dims int) (*Store, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("opening chromem db: %w", err)
	}
	return New(db, dims), nil
}

func (s *Store) Name() string    { return Name }
func (s *Store) Dimensions() int { return s.dims }

func (s *Store) Init(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.ready.Load() {
		return nil
	}

	cols := make(map[memory.Scope]*chromem.Collection, len(memory.AllScopes()))
	for _, scope := range memory.AllScopes() {
		// We always supply embeddings, so no embedding func is needed.
		col, err := s.db.GetOrCreateCollection("memories_"+string(scope), nil, nil)
		if err != nil {
			return fmt.Errorf("chromem init: collection %s: %w", scope, err)
		}
		if col.Count() > 0 {
			if _, err := col.QueryEmbedding(ctx, s.probe(), 1, nil, nil); err != nil {
				return fmt.Errorf("%w: collection %s rejects %d-dimension queries: %v",
					memory.ErrDimensionMismatch, scope, s.dims, err)
			}
		}
		cols[scope] = col
	}

	s.cols = cols
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
	if out.Metadata.Scope == "" {
		out.Metadata.Scope = memory.ScopeTenantDefault
	}
	now := time.Now().UTC()
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now

	col, err := s.collection(out.Metadata.Scope)
	if err != nil {
		return nil, err
	}
	if err := col.AddDocument(ctx, toDocument(&out)); err != nil {
		return nil, fmt.Errorf("adding chromem document: %w", err)
	}
	return &out, nil
}

func (s *Store) Retrieve(ctx context.Context, id, ownerID uuid.UUID) (*memory.Entry, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	e, _, err := s.find(ctx, id, ownerID)
	return e, err
}

func (s *Store) Search(ctx context.Context, q memory.SearchQuery) ([]memory.SearchResult, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}

	k := q.TopK
	if k <= 0 {
		k = 10
	}

	var wheres []map[string]string
	if len(q.Types) == 0 {
		wheres = append(wheres, map[string]string{keyOwner: q.OwnerID.String()})
	}
	for _, t := range q.Types {
		wheres = append(wheres, map[string]string{keyOwner: q.OwnerID.String(), keyType: string(t)})
	}

	var results []memory.SearchResult
	for _, scope := range q.EffectiveScopes() {
		col, err := s.collection(scope)
		if err != nil {
			return nil, err
		}
		for _, where := range wheres {
			found, err := s.query(ctx, col, q.Embedding, k, where)
			if err != nil {
				return nil, err
			}
			results = append(results, aboveThreshold(found, q.Threshold)...)
		}
	}

	memory.SortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// SearchCrossTenant queries the given cross-cutting collections with no owner
// filter. The tenant-default collection is never opened here.
func (s *Store) SearchCrossTenant(ctx context.Context, embedding []float32, k int, threshold float64, scopes []memory.Scope) ([]memory.SearchResult, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 10
	}

	var results []memory.SearchResult
	for _, scope := range scopes {
		if !scope.CrossCutting() {
			continue
		}
		col, err := s.collection(scope)
		if err != nil {
			return nil, err
		}
		found, err := s.query(ctx, col, embedding, k, nil)
		if err != nil {
			return nil, err
		}
		results = append(results, aboveThreshold(found, threshold)...)
	}

	memory.SortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *Store) Update(ctx context.Context, id, ownerID uuid.UUID, p memory.Patch) (*memory.Entry, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if p.Embedding != nil && len(p.Embedding) != s.dims {
		return nil, fmt.Errorf("%w: patch has %d dimensions, index has %d", memory.ErrDimensionMismatch, len(p.Embedding), s.dims)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e, col, err := s.find(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, memory.ErrNotFound
	}

	if p.Content != nil {
		e.Content = *p.Content
	}
	if p.Embedding != nil {
		e.Embedding = p.Embedding
	}
	if p.Importance != nil {
		e.Metadata.Importance = *p.Importance
	}
	if p.Tags != nil {
		e.Metadata.Tags = p.Tags
	}
	if p.Topic != nil {
		e.Metadata.Topic = *p.Topic
	}
	e.UpdatedAt = time.Now().UTC()

	// AddDocument replaces a document with the same ID.
	if err := col.AddDocument(ctx, toDocument(e)); err != nil {
		return nil, fmt.Errorf("replacing chromem document: %w", err)
	}
	return e, nil
}

func (s *Store) Delete(ctx context.Context, id, ownerID uuid.UUID) error {
	if err := s.Init(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	e, col, err := s.find(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if e == nil {
		return memory.ErrNotFound
	}
	if err := col.Delete(ctx, nil, nil, id.String()); err != nil {
		return fmt.Errorf("deleting chromem document: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, ownerID uuid.UUID) (int, error) {
	if err := s.Init(ctx); err != nil {
		return 0, err
	}
	total := 0
	for _, scope := range memory.AllScopes() {
		col, err := s.collection(scope)
		if err != nil {
			return 0, err
		}
		docs, err := s.query(ctx, col, s.probe(), col.Count(), map[string]string{keyOwner: ownerID.String()})
		if err != nil {
			return 0, err
		}
		total += len(docs)
	}
	return total, nil
}

func (s *Store) DeleteByTag(ctx context.Context, ownerID uuid.UUID, tag string) (int, error) {
	if err := s.Init(ctx); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deleted := 0
	where := map[string]string{keyOwner: ownerID.String(), tagPrefix + tag: "1"}
	for _, scope := range memory.AllScopes() {
		col, err := s.collection(scope)
		if err != nil {
			return deleted, err
		}
		docs, err := s.query(ctx, col, s.probe(), col.Count(), where)
		if err != nil {
			return deleted, err
		}
		if len(docs) == 0 {
			continue
		}
		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.Entry.ID.String()
		}
		if err := col.Delete(ctx, nil, nil, ids...); err != nil {
			return deleted, fmt.Errorf("deleting chromem documents by tag: %w", err)
		}
		deleted += len(ids)
	}
	return deleted, nil
}

// Close is a no-op; chromem persists on every write.
func (s *Store) Close() error { return nil }

func (s *Store) collection(scope memory.Scope) (*chromem.Collection, error) {
	col, ok := s.cols[scope]
	if !ok {
		return nil, fmt.Errorf("chromem: unknown scope %q", scope)
	}
	return col, nil
}

// find locates an owner's entry across all scope collections.
func (s *Store) find(ctx context.Context, id, ownerID uuid.UUID) (*memory.Entry, *chromem.Collection, error) {
	where := map[string]string{keyID: id.String(), keyOwner: ownerID.String()}
	for _, scope := range memory.AllScopes() {
		col, err := s.collection(scope)
		if err != nil {
			return nil, nil, err
		}
		docs, err := s.query(ctx, col, s.probe(), 1, where)
		if err != nil {
			return nil, nil, err
		}
		if len(docs) > 0 {
			e := docs[0].Entry
			return &e, col, nil
		}
	}
	return nil, nil, nil
}

// query wraps QueryEmbedding, which rejects nResults above the collection size.
func (s *Store) query(ctx context.Context, col *chromem.Collection, embedding []float32, n int, where map[string]string) ([]memory.SearchResult, error) {
	if c := col.Count(); n > c {
		n = c
	}
	if n <= 0 {
		return nil, nil
	}
	found, err := col.QueryEmbedding(ctx, embedding, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("querying chromem collection %s: %w", col.Name, err)
	}

	out := make([]memory.SearchResult, 0, len(found))
	for _, r := range found {
		e, err := fromResult(r)
		if err != nil {
			return nil, err
		}
		out = append(out, memory.SearchResult{Entry: *e, Score: memory.ClampScore(float64(r.Similarity))})
	}
	return out, nil
}

// probe is a unit vector used to enumerate documents by metadata alone.
func (s *Store) probe() []float32 {
	v := make([]float32, s.dims)
	if s.dims > 0 {
		v[0] = 1
	}
	return v
}

func aboveThreshold(results []memory.SearchResult, threshold float64) []memory.SearchResult {
	out := results[:0]
	for _, r := range results {
		if r.Score >= threshold {
			out = append(out, r)
		}
	}
	return out
}

func toDocument(e *memory.Entry) chromem.Document {
	tags, _ := json.Marshal(e.Metadata.Tags)
	md := map[string]string{
		keyID:         e.ID.String(),
		keyOwner:      e.OwnerID.String(),
		keyType:       string(e.Metadata.Type),
		keyScope:      string(e.Metadata.Scope),
		keyImportance: strconv.FormatFloat(e.Metadata.Importance, 'f', -1, 64),
		keyTags:       string(tags),
		keyTopic:      e.Metadata.Topic,
		keySource:     e.Metadata.Source,
		keyCreated:    e.CreatedAt.Format(time.RFC3339Nano),
		keyUpdated:    e.UpdatedAt.Format(time.RFC3339Nano),
	}
	for _, t := range e.Metadata.Tags {
		md[tagPrefix+t] = "1"
	}
	return chromem.Document{
		ID:        e.ID.String(),
		Content:   e.Content,
		Embedding: e.Embedding,
		Metadata:  md,
	}
}

func fromResult(r chromem.Result) (*memory.Entry, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parsing chromem document id: %w", err)
	}
	owner, err := uuid.Parse(r.Metadata[keyOwner])
	if err != nil {
		return nil, fmt.Errorf("parsing chromem owner id: %w", err)
	}

	e := &memory.Entry{
		ID:        id,
		OwnerID:   owner,
		Content:   r.Content,
		Embedding: r.Embedding,
		Metadata: memory.Metadata{
			Type:   memory.Type(r.Metadata[keyType]),
			Scope:  memory.Scope(r.Metadata[keyScope]),
			Topic:  r.Metadata[keyTopic],
			Source: r.Metadata[keySource],
		},
	}
	e.Metadata.Importance, _ = strconv.ParseFloat(r.Metadata[keyImportance], 64)
	if raw := r.Metadata[keyTags]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &e.Metadata.Tags); err != nil {
			return nil, fmt.Errorf("decoding chromem tags: %w", err)
		}
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, r.Metadata[keyCreated])
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, r.Metadata[keyUpdated])
	return e, nil
}

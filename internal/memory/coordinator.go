package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/companion/internal/embedding"
	"github.com/aiox-platform/companion/internal/metrics"
	"github.com/aiox-platform/companion/internal/turns"
)

const (
	// ProviderNone is reported when no vector backend is active.
	ProviderNone = "none"

	// KeywordScore is the fixed confidence of keyword-fallback results.
	KeywordScore = 0.5

	maxKeywordResults = 10

	importanceFact       = 0.9
	importancePreference = 0.8
)

var ErrNoBackend = errors.New("no vector backend active")

// Auditor records security-relevant memory operations.
type Auditor interface {
	Audit(ctx context.Context, ownerID uuid.UUID, action string, resourceID *uuid.UUID, details map[string]any)
}

type nopAuditor struct{}

func (nopAuditor) Audit(context.Context, uuid.UUID, string, *uuid.UUID, map[string]any) {}

// WriteOptions tune the typed writers. Zero values take the type defaults.
type WriteOptions struct {
	Importance *float64
	Scope      Scope
	Tags       []string
	Topic      string
	Source     string
}

// Coordinator composes a vector backend, an embedding provider and the
// structured turn store. Read paths never fail; write paths fail only when
// the structured store does.
type Coordinator struct {
	registry *Registry
	embedder embedding.Provider
	turns    turns.Store
	auditor  Auditor
	cfg      Config

	mu     sync.RWMutex
	active VectorStore
}

func NewCoordinator(registry *Registry, embedder embedding.Provider, store turns.Store, auditor Auditor, cfg Config) *Coordinator {
	if auditor == nil {
		auditor = nopAuditor{}
	}
	return &Coordinator{
		registry: registry,
		embedder: embedder,
		turns:    store,
		auditor:  auditor,
		cfg:      cfg.withDefaults(),
	}
}

// Initialize walks the degrade chain preferred → secondary → none. Backend
// failures are logged and skipped; a dimension mismatch is returned as a
// *ConfigError because retrying cannot fix it.
func (c *Coordinator) Initialize(ctx context.Context) error {
	for _, name := range []string{c.cfg.PreferredBackend, c.cfg.SecondaryBackend} {
		if name == "" || name == ProviderNone {
			continue
		}

		store, err := c.registry.Open(ctx, name)
		if err != nil {
			slog.Warn("memory: opening vector backend failed", "backend", name, "error", err)
			continue
		}

		if store.Dimensions() != c.embedder.Dimensions() {
			_ = store.Close()
			return &ConfigError{Backend: name, Err: fmt.Errorf("%w: backend %d, embedder %d",
				ErrDimensionMismatch, store.Dimensions(), c.embedder.Dimensions())}
		}

		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			if errors.Is(err, ErrDimensionMismatch) {
				return &ConfigError{Backend: name, Err: err}
			}
			slog.Warn("memory: vector backend init failed", "backend", name, "error", err)
			continue
		}

		c.setActive(store)
		slog.Info("memory: vector backend active", "backend", name)
		return nil
	}

	c.setActive(nil)
	slog.Warn("memory: no vector backend available, keyword-only mode")
	return nil
}

func (c *Coordinator) setActive(store VectorStore) {
	c.mu.Lock()
	c.active = store
	c.mu.Unlock()

	for _, name := range append(c.registry.Names(), ProviderNone) {
		metrics.MemoryBackendActive.WithLabelValues(name).Set(0)
	}
	metrics.MemoryBackendActive.WithLabelValues(c.ActiveProvider()).Set(1)
}

// Active returns the active vector backend, or nil in keyword-only mode.
func (c *Coordinator) Active() VectorStore {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// ActiveProvider returns the active backend's name or "none".
func (c *Coordinator) ActiveProvider() string {
	if a := c.Active(); a != nil {
		return a.Name()
	}
	return ProviderNone
}

func (c *Coordinator) Close() error {
	if a := c.Active(); a != nil {
		return a.Close()
	}
	return nil
}

// Search returns owner-scoped results ranked by score. It never returns an
// error: embedding or backend failures degrade to keyword matching over the
// structured store, and every result satisfies Score >= opts.Threshold.
func (c *Coordinator) Search(ctx context.Context, ownerID uuid.UUID, text string, opts SearchOptions) []SearchResult {
	if opts.TopK <= 0 {
		opts.TopK = 10
	}

	backend := c.Active()
	if backend == nil {
		metrics.MemorySearchesTotal.WithLabelValues(ProviderNone, "keyword").Inc()
		return c.keywordSearch(ctx, ownerID, text, opts)
	}

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		slog.Warn("memory: embedding query failed, using keyword search", "owner_id", ownerID, "error", err)
		metrics.MemorySearchesTotal.WithLabelValues(backend.Name(), "keyword").Inc()
		return c.keywordSearch(ctx, ownerID, text, opts)
	}

	results, err := backend.Search(ctx, SearchQuery{
		Text:      text,
		OwnerID:   ownerID,
		Embedding: vec,
		TopK:      opts.TopK,
		Threshold: opts.Threshold,
		Types:     opts.Types,
		Scopes:    opts.Scopes,
	})
	if err != nil {
		slog.Warn("memory: vector search failed, using keyword search", "backend", backend.Name(), "owner_id", ownerID, "error", err)
		metrics.MemorySearchesTotal.WithLabelValues(backend.Name(), "error").Inc()
		return c.keywordSearch(ctx, ownerID, text, opts)
	}
	metrics.MemorySearchesTotal.WithLabelValues(backend.Name(), "ok").Inc()

	out := results[:0]
	for _, r := range results {
		if r.Score >= opts.Threshold && r.Entry.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	SortResults(out)
	return out
}

// keywordSearch matches content words of text against the owner's latest
// turns and durable records.
func (c *Coordinator) keywordSearch(ctx context.Context, ownerID uuid.UUID, text string, opts SearchOptions) []SearchResult {
	if KeywordScore < opts.Threshold {
		return nil
	}

	var keywords []string
	for _, w := range embedding.ContentWords(text) {
		if len(w) > 3 {
			keywords = append(keywords, w)
		}
	}
	if len(keywords) == 0 {
		return nil
	}

	limit := opts.TopK
	if limit > maxKeywordResults {
		limit = maxKeywordResults
	}

	matches := func(content string) bool {
		lower := strings.ToLower(content)
		for _, k := range keywords {
			if strings.Contains(lower, k) {
				return true
			}
		}
		return false
	}

	var results []SearchResult

	if wantsType(opts.Types, TypeConversation) && scopeAllowed(opts.Scopes, ScopeTenantDefault) {
		recent, err := c.turns.RecentTurns(ctx, ownerID, c.cfg.KeywordWindow)
		if err != nil {
			slog.Warn("memory: keyword search over turns failed", "owner_id", ownerID, "error", err)
		}
		for i := len(recent) - 1; i >= 0 && len(results) < limit; i-- {
			t := recent[i]
			if matches(t.Content) {
				results = append(results, SearchResult{Entry: entryFromTurn(t), Score: KeywordScore})
			}
		}
	}

	if len(results) < limit {
		records, err := c.turns.Records(ctx, ownerID)
		if err != nil {
			slog.Warn("memory: keyword search over records failed", "owner_id", ownerID, "error", err)
		}
		for i := len(records) - 1; i >= 0 && len(results) < limit; i-- {
			e := entryFromRecord(records[i])
			if wantsType(opts.Types, e.Metadata.Type) && scopeAllowed(opts.Scopes, e.Metadata.Scope) && matches(e.Content) {
				results = append(results, SearchResult{Entry: e, Score: KeywordScore})
			}
		}
	}

	return results
}

// StoreFact stores a fact with default importance 0.9.
func (c *Coordinator) StoreFact(ctx context.Context, ownerID uuid.UUID, content string, opts WriteOptions) (*Entry, error) {
	return c.storeTyped(ctx, ownerID, TypeFact, content, importanceFact, opts)
}

// StorePreference stores a preference with default importance 0.8.
func (c *Coordinator) StorePreference(ctx context.Context, ownerID uuid.UUID, content string, opts WriteOptions) (*Entry, error) {
	return c.storeTyped(ctx, ownerID, TypePreference, content, importancePreference, opts)
}

// StoreTyped stores context or external memories; it is what the API uses
// for types without a dedicated writer.
func (c *Coordinator) StoreTyped(ctx context.Context, ownerID uuid.UUID, typ Type, content string, opts WriteOptions) (*Entry, error) {
	switch typ {
	case TypeFact:
		return c.StoreFact(ctx, ownerID, content, opts)
	case TypePreference:
		return c.StorePreference(ctx, ownerID, content, opts)
	case TypeContext, TypeExternal:
		return c.storeTyped(ctx, ownerID, typ, content, 0.5, opts)
	}
	return nil, fmt.Errorf("memory: cannot store type %q directly", typ)
}

func (c *Coordinator) storeTyped(ctx context.Context, ownerID uuid.UUID, typ Type, content string, defImportance float64, opts WriteOptions) (*Entry, error) {
	importance := defImportance
	if opts.Importance != nil {
		importance = *opts.Importance
	}
	scope := opts.Scope
	if scope == "" {
		scope = ScopeTenantDefault
	}

	now := time.Now().UTC()
	entry := &Entry{
		ID:      uuid.New(),
		OwnerID: ownerID,
		Content: content,
		Metadata: Metadata{
			Type:       typ,
			Scope:      scope,
			Importance: importance,
			Tags:       opts.Tags,
			Topic:      opts.Topic,
			Source:     opts.Source,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	rec := recordFromEntry(entry)
	if err := c.turns.SaveRecord(ctx, &rec); err != nil {
		return nil, fmt.Errorf("saving %s record: %w", typ, err)
	}

	c.vectorWrite(ctx, entry)
	return entry, nil
}

// StoreConversationTurn appends a turn to the structured store and indexes
// it as a conversation memory. importance may be nil.
func (c *Coordinator) StoreConversationTurn(ctx context.Context, ownerID, conversationID uuid.UUID, role turns.Role, content string, importance *float64) (*turns.Turn, error) {
	turn := &turns.Turn{
		ConversationID: conversationID,
		OwnerID:        ownerID,
		Role:           role,
		Content:        content,
	}
	if err := c.turns.AppendTurn(ctx, turn); err != nil {
		return nil, fmt.Errorf("appending %s turn: %w", role, err)
	}

	entry := entryFromTurn(*turn)
	if importance != nil {
		entry.Metadata.Importance = *importance
	}
	c.vectorWrite(ctx, &entry)
	return turn, nil
}

// vectorWrite is best-effort: the structured store already holds the data.
func (c *Coordinator) vectorWrite(ctx context.Context, entry *Entry) {
	backend := c.Active()
	if backend == nil {
		return
	}

	vec, err := c.embedder.Embed(ctx, entry.Content)
	if err != nil {
		slog.Warn("memory: embedding for vector write failed", "backend", backend.Name(), "entry_id", entry.ID, "error", err)
		metrics.MemoryVectorWriteFailures.WithLabelValues(backend.Name()).Inc()
		return
	}
	entry.Embedding = vec

	if _, err := backend.Store(ctx, entry); err != nil {
		slog.Warn("memory: vector write failed", "backend", backend.Name(), "entry_id", entry.ID, "error", err)
		metrics.MemoryVectorWriteFailures.WithLabelValues(backend.Name()).Inc()
	}
}

// RetrieveMemory returns an owner's entry from the vector backend, falling
// back to the durable record.
func (c *Coordinator) RetrieveMemory(ctx context.Context, ownerID, id uuid.UUID) (*Entry, error) {
	if backend := c.Active(); backend != nil {
		e, err := backend.Retrieve(ctx, id, ownerID)
		if err != nil {
			slog.Warn("memory: vector retrieve failed", "backend", backend.Name(), "entry_id", id, "error", err)
		} else if e != nil {
			return e, nil
		}
	}

	rec, err := c.turns.GetRecord(ctx, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("getting memory record: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	e := entryFromRecord(*rec)
	return &e, nil
}

// UpdateMemory applies patch to an owner's memory. The embedding is
// regenerated only when the content actually changes.
func (c *Coordinator) UpdateMemory(ctx context.Context, ownerID, id uuid.UUID, patch Patch) (*Entry, error) {
	current, err := c.RetrieveMemory(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	patch.Embedding = nil

	rec, err := c.turns.GetRecord(ctx, ownerID, id)
	if err != nil {
		return nil, fmt.Errorf("getting memory record: %w", err)
	}
	if rec != nil {
		applyToRecord(rec, patch)
		if err := c.turns.SaveRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("updating memory record: %w", err)
		}
	}

	contentChanged := patch.Content != nil && *patch.Content != current.Content
	updated := applyToEntry(*current, patch)

	backend := c.Active()
	if backend == nil {
		return &updated, nil
	}

	if contentChanged {
		vec, err := c.embedder.Embed(ctx, *patch.Content)
		if err != nil {
			slog.Warn("memory: re-embedding updated memory failed", "entry_id", id, "error", err)
			metrics.MemoryVectorWriteFailures.WithLabelValues(backend.Name()).Inc()
			return &updated, nil
		}
		patch.Embedding = vec
	}

	e, err := backend.Update(ctx, id, ownerID, patch)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("memory: vector update failed", "backend", backend.Name(), "entry_id", id, "error", err)
			metrics.MemoryVectorWriteFailures.WithLabelValues(backend.Name()).Inc()
		}
		return &updated, nil
	}
	return e, nil
}

// DeleteMemory is the only routine deletion path. Ownership is verified
// first and the deletion is logged and audited.
func (c *Coordinator) DeleteMemory(ctx context.Context, ownerID, id uuid.UUID) error {
	backend := c.Active()

	var inVector bool
	if backend != nil {
		e, err := backend.Retrieve(ctx, id, ownerID)
		if err != nil {
			return fmt.Errorf("verifying memory ownership: %w", err)
		}
		inVector = e != nil
	}

	rec, err := c.turns.GetRecord(ctx, ownerID, id)
	if err != nil {
		return fmt.Errorf("verifying memory ownership: %w", err)
	}

	if !inVector && rec == nil {
		return ErrNotFound
	}

	if inVector {
		if err := backend.Delete(ctx, id, ownerID); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("deleting vector entry: %w", err)
		}
	}
	if rec != nil {
		if err := c.turns.DeleteRecord(ctx, ownerID, id); err != nil && !errors.Is(err, turns.ErrNotFound) {
			return fmt.Errorf("deleting memory record: %w", err)
		}
	}

	slog.Info("memory: entry deleted", "owner_id", ownerID, "entry_id", id, "vector", inVector, "record", rec != nil)
	c.auditor.Audit(ctx, ownerID, "memory.deleted", &id, map[string]any{"backend": c.ActiveProvider()})
	return nil
}

// DeleteByTag removes every owner memory carrying tag from both stores.
func (c *Coordinator) DeleteByTag(ctx context.Context, ownerID uuid.UUID, tag string) (int, error) {
	deleted := 0
	if backend := c.Active(); backend != nil {
		n, err := backend.DeleteByTag(ctx, ownerID, tag)
		if err != nil {
			return 0, fmt.Errorf("deleting vector entries by tag: %w", err)
		}
		deleted = n
	}

	records, err := c.turns.Records(ctx, ownerID)
	if err != nil {
		return deleted, fmt.Errorf("listing memory records: %w", err)
	}
	removedRecords := 0
	for _, r := range records {
		if !hasTag(r.Tags, tag) {
			continue
		}
		if err := c.turns.DeleteRecord(ctx, ownerID, r.ID); err != nil && !errors.Is(err, turns.ErrNotFound) {
			return deleted, fmt.Errorf("deleting memory record: %w", err)
		}
		removedRecords++
	}
	if deleted < removedRecords {
		deleted = removedRecords
	}

	slog.Info("memory: entries deleted by tag", "owner_id", ownerID, "tag", tag, "count", deleted)
	c.auditor.Audit(ctx, ownerID, "memory.deleted_by_tag", nil, map[string]any{"tag": tag, "count": deleted})
	return deleted, nil
}

// CountMemories counts indexed entries, or durable records in keyword-only mode.
func (c *Coordinator) CountMemories(ctx context.Context, ownerID uuid.UUID) (int, error) {
	if backend := c.Active(); backend != nil {
		n, err := backend.Count(ctx, ownerID)
		if err == nil {
			return n, nil
		}
		slog.Warn("memory: vector count failed, counting records", "backend", backend.Name(), "error", err)
	}
	records, err := c.turns.Records(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("counting memory records: %w", err)
	}
	return len(records), nil
}

// Reindex copies durable records missing from the active backend into it,
// for example after a period in keyword-only mode.
func (c *Coordinator) Reindex(ctx context.Context, ownerID uuid.UUID) (int, error) {
	backend := c.Active()
	if backend == nil {
		return 0, ErrNoBackend
	}

	records, err := c.turns.Records(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("listing memory records: %w", err)
	}

	indexed := 0
	for _, r := range records {
		existing, err := backend.Retrieve(ctx, r.ID, ownerID)
		if err != nil {
			return indexed, fmt.Errorf("checking %s: %w", r.ID, err)
		}
		if existing != nil {
			continue
		}

		e := entryFromRecord(r)
		vec, err := c.embedder.Embed(ctx, e.Content)
		if err != nil {
			return indexed, fmt.Errorf("embedding %s: %w", r.ID, err)
		}
		e.Embedding = vec
		if _, err := backend.Store(ctx, &e); err != nil {
			return indexed, fmt.Errorf("indexing %s: %w", r.ID, err)
		}
		indexed++
	}

	slog.Info("memory: reindexed records", "owner_id", ownerID, "backend", backend.Name(), "indexed", indexed, "total", len(records))
	return indexed, nil
}

// RecentTurns exposes the structured log for transports and history views.
func (c *Coordinator) RecentTurns(ctx context.Context, ownerID uuid.UUID, limit int) ([]turns.Turn, error) {
	return c.turns.RecentTurns(ctx, ownerID, limit)
}

func (c *Coordinator) ConversationTurns(ctx context.Context, ownerID, conversationID uuid.UUID) ([]turns.Turn, error) {
	return c.turns.ConversationTurns(ctx, ownerID, conversationID)
}

// TrimTurns caps the owner's structured turn log. Vector-indexed copies are untouched.
func (c *Coordinator) TrimTurns(ctx context.Context, ownerID uuid.UUID, keep int) (int64, error) {
	if keep < 1 {
		return 0, fmt.Errorf("memory: keep must be at least 1, got %d", keep)
	}
	n, err := c.turns.TrimTurns(ctx, ownerID, keep)
	if err != nil {
		return 0, err
	}
	c.auditor.Audit(ctx, ownerID, "turns.trimmed", nil, map[string]any{"keep": keep, "deleted": n})
	return n, nil
}

func entryFromTurn(t turns.Turn) Entry {
	return Entry{
		ID:      t.ID,
		OwnerID: t.OwnerID,
		Content: t.Content,
		Metadata: Metadata{
			Type:   TypeConversation,
			Scope:  ScopeTenantDefault,
			Tags:   []string{"role:" + string(t.Role)},
			Source: "conversation:" + t.ConversationID.String(),
		},
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.CreatedAt,
	}
}

func entryFromRecord(r turns.Record) Entry {
	return Entry{
		ID:      r.ID,
		OwnerID: r.OwnerID,
		Content: r.Content,
		Metadata: Metadata{
			Type:       Type(r.Type),
			Scope:      Scope(r.Scope),
			Importance: r.Importance,
			Tags:       r.Tags,
			Topic:      r.Topic,
			Source:     r.Source,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func recordFromEntry(e *Entry) turns.Record {
	return turns.Record{
		ID:         e.ID,
		OwnerID:    e.OwnerID,
		Type:       string(e.Metadata.Type),
		Scope:      string(e.Metadata.Scope),
		Content:    e.Content,
		Importance: e.Metadata.Importance,
		Tags:       e.Metadata.Tags,
		Topic:      e.Metadata.Topic,
		Source:     e.Metadata.Source,
		CreatedAt:  e.CreatedAt,
	}
}

func applyToRecord(r *turns.Record, p Patch) {
	if p.Content != nil {
		r.Content = *p.Content
	}
	if p.Importance != nil {
		r.Importance = *p.Importance
	}
	if p.Tags != nil {
		r.Tags = p.Tags
	}
	if p.Topic != nil {
		r.Topic = *p.Topic
	}
}

func applyToEntry(e Entry, p Patch) Entry {
	if p.Content != nil {
		e.Content = *p.Content
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
	return e
}

func wantsType(types []Type, t Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

func scopeAllowed(scopes []Scope, s Scope) bool {
	for _, allowed := range (SearchQuery{Scopes: scopes}).EffectiveScopes() {
		if allowed == s {
			return true
		}
	}
	return false
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

package memory

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/companion/internal/embedding"
)

// ScanQuery is one canned ecosystem question.
type ScanQuery struct {
	Category string
	Text     string
}

// DefaultScanQueries cover bug reports, feature requests and complaints.
var DefaultScanQueries = []ScanQuery{
	{Category: "bug", Text: "something is broken, the app crashed, an error happened, it stopped working"},
	{Category: "feature", Text: "I wish it could do this, please add a feature, it would be great to support"},
	{Category: "complaint", Text: "I am frustrated and unhappy, this is annoying, I don't like how it works"},
}

type ScanOptions struct {
	TopK      int
	Threshold float64
}

// Finding is a cross-tenant match surfaced by a scan.
type Finding struct {
	EntryID   uuid.UUID `json:"entry_id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Content   string    `json:"content"`
	Type      Type      `json:"type"`
	Scope     Scope     `json:"scope"`
	Tags      []string  `json:"tags,omitempty"`
	Category  string    `json:"category"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// EcosystemScanner searches cross-cutting scopes across every owner.
//
// Scan performs NO authorization of its own. It is privileged: callers MUST
// check the ecosystem:scan capability before calling it, and must never
// expose it on an ordinary user path. tenant-default entries are excluded
// regardless of what the backend returns.
type EcosystemScanner struct {
	coord    *Coordinator
	embedder embedding.Provider
	queries  []ScanQuery
}

func NewEcosystemScanner(coord *Coordinator, embedder embedding.Provider, queries []ScanQuery) *EcosystemScanner {
	if len(queries) == 0 {
		queries = DefaultScanQueries
	}
	return &EcosystemScanner{coord: coord, embedder: embedder, queries: queries}
}

// Scan runs each canned query and merges the results, keeping the highest
// score per entry. Backend and embedding failures degrade to fewer findings.
func (s *EcosystemScanner) Scan(ctx context.Context, opts ScanOptions) ([]Finding, error) {
	if opts.TopK <= 0 {
		opts.TopK = 20
	}

	backend := s.coord.Active()
	if backend == nil {
		slog.Warn("memory: ecosystem scan skipped, no vector backend")
		return []Finding{}, nil
	}
	searcher, ok := backend.(CrossTenantSearcher)
	if !ok {
		slog.Warn("memory: ecosystem scan unsupported by backend", "backend", backend.Name())
		return []Finding{}, nil
	}

	best := make(map[uuid.UUID]Finding)
	for _, q := range s.queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		vec, err := s.embedder.Embed(ctx, q.Text)
		if err != nil {
			slog.Warn("memory: embedding scan query failed", "category", q.Category, "error", err)
			continue
		}

		results, err := searcher.SearchCrossTenant(ctx, vec, opts.TopK, opts.Threshold, CrossCuttingScopes())
		if err != nil {
			slog.Warn("memory: cross-tenant search failed", "backend", backend.Name(), "category", q.Category, "error", err)
			continue
		}

		for _, r := range results {
			if !r.Entry.Metadata.Scope.CrossCutting() {
				slog.Error("memory: backend returned non cross-cutting entry to scan", "backend", backend.Name(), "scope", r.Entry.Metadata.Scope)
				continue
			}
			if r.Score < opts.Threshold {
				continue
			}
			if prev, ok := best[r.Entry.ID]; ok && prev.Score >= r.Score {
				continue
			}
			best[r.Entry.ID] = Finding{
				EntryID:   r.Entry.ID,
				OwnerID:   r.Entry.OwnerID,
				Content:   r.Entry.Content,
				Type:      r.Entry.Metadata.Type,
				Scope:     r.Entry.Metadata.Scope,
				Tags:      r.Entry.Metadata.Tags,
				Category:  q.Category,
				Score:     r.Score,
				CreatedAt: r.Entry.CreatedAt,
			}
		}
	}

	findings := make([]Finding, 0, len(best))
	for _, f := range best {
		findings = append(findings, f)
	}
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Score != findings[j].Score {
			return findings[i].Score > findings[j].Score
		}
		return findings[i].EntryID.String() < findings[j].EntryID.String()
	})

	slog.Info("memory: ecosystem scan completed", "backend", backend.Name(), "queries", len(s.queries), "findings", len(findings))
	return findings, nil
}

package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/aiox-platform/companion/internal/metrics"
)

const (
	branchFacts        = "facts"
	branchConversation = "conversation"
)

type branchResult struct {
	results []SearchResult
}

// BuildContext assembles the memory section of the system prompt for
// message. Fact/preference and conversation searches run in parallel, each
// bounded by its own timeout; a slow or failed branch contributes nothing.
// It returns false when no entry survives dedup and filtering.
func (c *Coordinator) BuildContext(ctx context.Context, ownerID uuid.UUID, message string) (string, bool) {
	factsCh := c.runBranch(ctx, branchFacts, ownerID, message, SearchOptions{
		TopK:      c.cfg.FactTopK,
		Threshold: c.cfg.FactThreshold,
		Types:     []Type{TypeFact, TypePreference},
		Scopes:    AllScopes(),
	})
	convCh := c.runBranch(ctx, branchConversation, ownerID, message, SearchOptions{
		TopK:      c.cfg.ConversationTopK,
		Threshold: c.cfg.ConversationThreshold,
		Types:     []Type{TypeConversation},
		Scopes:    AllScopes(),
	})

	facts := <-factsCh
	conv := <-convCh

	merged := dedupByPrefix(append(facts.results, conv.results...), c.cfg.DedupPrefix)

	var factLines, prefLines []string
	var convResults []SearchResult
	for _, r := range merged {
		switch r.Entry.Metadata.Type {
		case TypeFact:
			factLines = append(factLines, r.Entry.Content)
		case TypePreference:
			prefLines = append(prefLines, r.Entry.Content)
		case TypeConversation:
			if c.isUserQuestion(r.Entry.Content) {
				slog.Debug("memory: dropping question-like conversation entry", "owner_id", ownerID, "entry_id", r.Entry.ID)
				continue
			}
			convResults = append(convResults, r)
		}
	}

	if len(factLines) == 0 && len(prefLines) == 0 && len(convResults) == 0 {
		return "", false
	}

	sort.SliceStable(convResults, func(i, j int) bool { return convResults[i].Score > convResults[j].Score })
	if len(convResults) > c.cfg.MaxConversationSnippets {
		convResults = convResults[:c.cfg.MaxConversationSnippets]
	}

	var b strings.Builder
	writeSection(&b, "Important Facts", factLines)
	writeSection(&b, "User Preferences", prefLines)
	if len(convResults) > 0 {
		lines := make([]string, 0, len(convResults))
		for _, r := range convResults {
			lines = append(lines, truncateRunes(r.Entry.Content, c.cfg.SnippetChars))
		}
		writeSection(&b, "Relevant Past Conversations", lines)
	}

	return strings.TrimRight(b.String(), "\n"), true
}

// runBranch starts one timed search. The returned channel always yields
// exactly one value: the search results, or nothing on timeout.
func (c *Coordinator) runBranch(ctx context.Context, name string, ownerID uuid.UUID, message string, opts SearchOptions) <-chan branchResult {
	out := make(chan branchResult, 1)

	go func() {
		branchCtx, cancel := context.WithTimeout(ctx, c.cfg.ContextTimeout)
		defer cancel()

		done := make(chan []SearchResult, 1)
		go func() {
			done <- c.Search(branchCtx, ownerID, message, opts)
		}()

		select {
		case res := <-done:
			out <- branchResult{results: res}
		case <-branchCtx.Done():
			slog.Warn("memory: context branch timed out", "branch", name, "owner_id", ownerID, "timeout", c.cfg.ContextTimeout)
			metrics.MemoryContextTimeouts.WithLabelValues(name).Inc()
			out <- branchResult{}
		}
	}()

	return out
}

// dedupByPrefix keeps the first result for each leading content prefix.
// Prefixes are compared as stored, without case or space folding.
func dedupByPrefix(results []SearchResult, prefix int) []SearchResult {
	seen := make(map[string]bool, len(results))
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		key := truncateRunes(r.Entry.Content, prefix)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// isUserQuestion reports whether content reads as the user asking about
// themselves rather than telling us something.
func (c *Coordinator) isUserQuestion(content string) bool {
	s := strings.ToLower(strings.TrimSpace(content))
	for _, label := range []string{"user:", "human:"} {
		if strings.HasPrefix(s, label) {
			s = strings.TrimSpace(strings.TrimPrefix(s, label))
			break
		}
	}
	for _, p := range c.cfg.QuestionPhrases {
		if strings.HasPrefix(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func writeSection(b *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	b.WriteString("## ")
	b.WriteString(title)
	b.WriteString("\n")
	for _, l := range lines {
		b.WriteString("- ")
		b.WriteString(l)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

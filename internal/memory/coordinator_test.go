package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/companion/internal/turns"
)

func TestInitialize_FallsBackToSecondary(t *testing.T) {
	secondary := newFakeStore("secondary", testDims)
	reg := NewRegistry()
	reg.Register("primary", func(context.Context) (VectorStore, error) {
		return nil, errors.New("connection refused")
	})
	reg.Register("secondary", func(context.Context) (VectorStore, error) { return secondary, nil })

	c := NewCoordinator(reg, newCountingEmbedder(testDims), newTurnStore(t), nil,
		Config{PreferredBackend: "primary", SecondaryBackend: "secondary"})
	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, "secondary", c.ActiveProvider())
}

func TestInitialize_InitFailureSkipsBackend(t *testing.T) {
	primary := newFakeStore("primary", testDims)
	primary.initErr = errors.New("extension missing")
	secondary := newFakeStore("secondary", testDims)

	reg := NewRegistry()
	reg.Register("primary", func(context.Context) (VectorStore, error) { return primary, nil })
	reg.Register("secondary", func(context.Context) (VectorStore, error) { return secondary, nil })

	c := NewCoordinator(reg, newCountingEmbedder(testDims), newTurnStore(t), nil,
		Config{PreferredBackend: "primary", SecondaryBackend: "secondary"})
	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, "secondary", c.ActiveProvider())
}

func TestInitialize_BothFailKeywordOnly(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	reg.Register("primary", func(context.Context) (VectorStore, error) { return nil, errors.New("down") })
	reg.Register("secondary", func(context.Context) (VectorStore, error) { return nil, errors.New("down") })

	store := newTurnStore(t)
	c := NewCoordinator(reg, newCountingEmbedder(testDims), store, nil,
		Config{PreferredBackend: "primary", SecondaryBackend: "secondary"})
	require.NoError(t, c.Initialize(ctx))
	assert.Equal(t, ProviderNone, c.ActiveProvider())

	owner := uuid.New()
	_, err := c.StoreFact(ctx, owner, "User's daughter is named Mia", WriteOptions{})
	require.NoError(t, err)

	results := c.Search(ctx, owner, "Tell me about my daughter", SearchOptions{})
	require.Len(t, results, 1)
	assert.Equal(t, "User's daughter is named Mia", results[0].Entry.Content)
	assert.Equal(t, KeywordScore, results[0].Score)
}

func TestInitialize_DimensionMismatchIsFatal(t *testing.T) {
	reg := NewRegistry()
	reg.Register("primary", func(context.Context) (VectorStore, error) { return newFakeStore("primary", 768), nil })
	reg.Register("secondary", func(context.Context) (VectorStore, error) { return newFakeStore("secondary", testDims), nil })

	c := NewCoordinator(reg, newCountingEmbedder(testDims), newTurnStore(t), nil,
		Config{PreferredBackend: "primary", SecondaryBackend: "secondary"})
	err := c.Initialize(context.Background())

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "primary", cfgErr.Backend)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestInitialize_IndexDimensionMismatchIsFatal(t *testing.T) {
	primary := newFakeStore("primary", testDims)
	primary.initErr = ErrDimensionMismatch

	reg := NewRegistry()
	reg.Register("primary", func(context.Context) (VectorStore, error) { return primary, nil })

	c := NewCoordinator(reg, newCountingEmbedder(testDims), newTurnStore(t), nil, Config{PreferredBackend: "primary"})
	err := c.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSearch_RespectsThresholdAndOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	owner, other := uuid.New(), uuid.New()

	_, err := h.coord.StoreFact(ctx, owner, "User's daughter is named Mia", WriteOptions{})
	require.NoError(t, err)
	_, err = h.coord.StoreFact(ctx, owner, "User works as a carpenter", WriteOptions{})
	require.NoError(t, err)
	_, err = h.coord.StoreFact(ctx, other, "Other daughter is named Zoe", WriteOptions{})
	require.NoError(t, err)

	results := h.coord.Search(ctx, owner, "daughter", SearchOptions{Threshold: 0.3})
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.3)
		assert.Equal(t, owner, r.Entry.OwnerID)
	}
	assert.Equal(t, "User's daughter is named Mia", results[0].Entry.Content)
}

func TestSearch_BackendErrorDegradesToKeyword(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	owner := uuid.New()

	_, err := h.coord.StorePreference(ctx, owner, "User prefers tea over coffee", WriteOptions{})
	require.NoError(t, err)

	h.store.searchErr = errors.New("connection reset")
	results := h.coord.Search(ctx, owner, "do I like coffee", SearchOptions{Types: []Type{TypePreference}})
	require.Len(t, results, 1)
	assert.Equal(t, KeywordScore, results[0].Score)

	results = h.coord.Search(ctx, owner, "do I like coffee", SearchOptions{Threshold: 0.9})
	assert.Empty(t, results, "keyword results never beat the threshold they do not meet")
}

func TestSearch_EmbeddingFailureDegradesToKeyword(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	owner := uuid.New()
	conv := h.conversation(t, owner)

	_, err := h.coord.StoreConversationTurn(ctx, owner, conv, turns.RoleUser, "I adopted a beagle named Rex", nil)
	require.NoError(t, err)

	h.embedder.fail.Store(true)
	results := h.coord.Search(ctx, owner, "beagle", SearchOptions{Types: []Type{TypeConversation}})
	require.Len(t, results, 1)
	assert.Equal(t, TypeConversation, results[0].Entry.Metadata.Type)
}

func TestStoreFact_DefaultsAndBestEffortVectorWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	owner := uuid.New()

	fact, err := h.coord.StoreFact(ctx, owner, "User's birthday is in May", WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0.9, fact.Metadata.Importance)
	assert.Equal(t, TypeFact, fact.Metadata.Type)
	assert.Equal(t, ScopeTenantDefault, fact.Metadata.Scope)

	pref, err := h.coord.StorePreference(ctx, owner, "User prefers short answers", WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0.8, pref.Metadata.Importance)

	h.store.storeErr = errors.New("disk full")
	_, err = h.coord.StoreFact(ctx, owner, "User lives in Lisbon", WriteOptions{})
	require.NoError(t, err, "vector write failures must not fail the write")

	records, err := h.turns.Records(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestStoreConversationTurn_UnknownConversationFails(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.coord.StoreConversationTurn(context.Background(), uuid.New(), uuid.New(), turns.RoleUser, "hi", nil)
	assert.Error(t, err)
}

func TestUpdateMemory_ReembedsOnlyOnContentChange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	owner := uuid.New()

	fact, err := h.coord.StoreFact(ctx, owner, "User's cat is called Tom", WriteOptions{})
	require.NoError(t, err)

	before := h.embedder.calls.Load()
	importance := 0.4
	_, err = h.coord.UpdateMemory(ctx, owner, fact.ID, Patch{Importance: &importance})
	require.NoError(t, err)
	assert.Equal(t, before, h.embedder.calls.Load())

	same := "User's cat is called Tom"
	_, err = h.coord.UpdateMemory(ctx, owner, fact.ID, Patch{Content: &same})
	require.NoError(t, err)
	assert.Equal(t, before, h.embedder.calls.Load())

	changed := "User's cat is called Felix"
	updated, err := h.coord.UpdateMemory(ctx, owner, fact.ID, Patch{Content: &changed})
	require.NoError(t, err)
	assert.Equal(t, before+1, h.embedder.calls.Load())
	assert.Equal(t, changed, updated.Content)
	assert.Equal(t, 0.4, updated.Metadata.Importance)

	rec, err := h.turns.GetRecord(ctx, owner, fact.ID)
	require.NoError(t, err)
	assert.Equal(t, changed, rec.Content)
}

func TestDeleteMemory_OwnerVerifiedAndAudited(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	owner, intruder := uuid.New(), uuid.New()

	fact, err := h.coord.StoreFact(ctx, owner, "User's password hint is blue", WriteOptions{})
	require.NoError(t, err)

	err = h.coord.DeleteMemory(ctx, intruder, fact.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, h.auditor.actions())

	require.NoError(t, h.coord.DeleteMemory(ctx, owner, fact.ID))
	assert.Equal(t, []string{"memory.deleted"}, h.auditor.actions())

	_, err = h.coord.RetrieveMemory(ctx, owner, fact.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, h.coord.DeleteMemory(ctx, owner, uuid.New()), ErrNotFound)
}

func TestDeleteByTagAndCount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	owner := uuid.New()

	for _, c := range []string{"User plays chess", "User plays piano", "User hates mornings"} {
		tags := []string{"hobby"}
		if c == "User hates mornings" {
			tags = nil
		}
		_, err := h.coord.StoreFact(ctx, owner, c, WriteOptions{Tags: tags})
		require.NoError(t, err)
	}

	n, err := h.coord.CountMemories(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	deleted, err := h.coord.DeleteByTag(ctx, owner, "hobby")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	n, err = h.coord.CountMemories(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, h.auditor.actions(), "memory.deleted_by_tag")
}

func TestReindex_CopiesMissingRecords(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	owner := uuid.New()

	h.store.storeErr = errors.New("offline")
	_, err := h.coord.StoreFact(ctx, owner, "User speaks Portuguese", WriteOptions{})
	require.NoError(t, err)
	h.store.storeErr = nil

	n, err := h.coord.CountMemories(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	indexed, err := h.coord.Reindex(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, indexed)

	indexed, err = h.coord.Reindex(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 0, indexed)
}

func TestTrimTurns_RejectsZeroKeep(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.coord.TrimTurns(context.Background(), uuid.New(), 0)
	assert.Error(t, err)
}

func TestBuildContext_NoMatches(t *testing.T) {
	h := newHarness(t, Config{})
	text, ok := h.coord.BuildContext(context.Background(), uuid.New(), "anything at all")
	assert.False(t, ok)
	assert.Empty(t, text)
}

func TestBuildContext_FactAnsweredQuestionFiltered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	owner := uuid.New()
	conv := h.conversation(t, owner)

	_, err := h.coord.StoreFact(ctx, owner, "User's daughter is named Mia", WriteOptions{})
	require.NoError(t, err)
	_, err = h.coord.StoreConversationTurn(ctx, owner, conv, turns.RoleUser, "What is my daughter's name?", nil)
	require.NoError(t, err)

	text, ok := h.coord.BuildContext(ctx, owner, "Tell me about my daughter")
	require.True(t, ok)
	assert.Contains(t, text, "## Important Facts")
	assert.Contains(t, text, "Mia")
	assert.NotContains(t, text, "What is my daughter's name?")
}

func TestBuildContext_DedupsByPrefix(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	owner := uuid.New()
	conv := h.conversation(t, owner)

	_, err := h.coord.StorePreference(ctx, owner, "User loves hiking in the mountains", WriteOptions{})
	require.NoError(t, err)
	_, err = h.coord.StoreConversationTurn(ctx, owner, conv, turns.RoleUser, "User loves hiking in the mountains", nil)
	require.NoError(t, err)

	text, ok := h.coord.BuildContext(ctx, owner, "hiking mountains")
	require.True(t, ok)
	assert.Contains(t, text, "## User Preferences")
	assert.NotContains(t, text, "## Relevant Past Conversations")
}

func TestBuildContext_DedupComparesRawPrefix(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	owner := uuid.New()
	conv := h.conversation(t, owner)

	_, err := h.coord.StorePreference(ctx, owner, "User loves hiking in the mountains", WriteOptions{})
	require.NoError(t, err)
	_, err = h.coord.StoreConversationTurn(ctx, owner, conv, turns.RoleUser, "user loves hiking in the mountains", nil)
	require.NoError(t, err)

	text, ok := h.coord.BuildContext(ctx, owner, "hiking mountains")
	require.True(t, ok)
	assert.Contains(t, text, "## User Preferences\n- User loves hiking in the mountains")
	assert.Contains(t, text, "## Relevant Past Conversations\n- user loves hiking in the mountains")
}

func TestDedupByPrefix(t *testing.T) {
	long := strings.Repeat("a", 100)
	results := []SearchResult{
		{Entry: Entry{Content: long + " first"}},
		{Entry: Entry{Content: long + " second"}},
		{Entry: Entry{Content: "A" + long[1:] + " third"}},
	}
	out := dedupByPrefix(results, 100)
	require.Len(t, out, 2)
	assert.Equal(t, long+" first", out[0].Entry.Content)
	assert.Equal(t, "A"+long[1:]+" third", out[1].Entry.Content)
}

func TestBuildContext_SlowBranchTimesOutIndependently(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ContextTimeout: 50 * time.Millisecond})
	owner := uuid.New()
	conv := h.conversation(t, owner)

	_, err := h.coord.StoreFact(ctx, owner, "User's favourite colour is green", WriteOptions{})
	require.NoError(t, err)
	_, err = h.coord.StoreConversationTurn(ctx, owner, conv, turns.RoleUser, "I painted the fence green", nil)
	require.NoError(t, err)

	h.store.delays[TypeConversation] = 5 * time.Second

	start := time.Now()
	text, ok := h.coord.BuildContext(ctx, owner, "green colour")
	elapsed := time.Since(start)

	require.True(t, ok)
	assert.Less(t, elapsed, time.Second)
	assert.Contains(t, text, "favourite colour is green")
}

func TestBuildContext_TruncatesAndCapsConversationSnippets(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxConversationSnippets: 2, SnippetChars: 20})
	owner := uuid.New()
	conv := h.conversation(t, owner)

	for _, c := range []string{
		"sailing trip around the islands was wonderful",
		"sailing lessons start next week at the marina",
		"sailing boat needs new sails before summer",
	} {
		_, err := h.coord.StoreConversationTurn(ctx, owner, conv, turns.RoleUser, c, nil)
		require.NoError(t, err)
	}

	h.coord.cfg.ConversationThreshold = 0.1
	text, ok := h.coord.BuildContext(ctx, owner, "sailing")
	require.True(t, ok)
	assert.Contains(t, text, "## Relevant Past Conversations")

	lines := 0
	for _, l := range splitLines(text) {
		if len(l) > 2 && l[:2] == "- " {
			lines++
			assert.LessOrEqual(t, len([]rune(l[2:])), 20)
		}
	}
	assert.Equal(t, 2, lines)
}

func TestIsUserQuestion(t *testing.T) {
	c := NewCoordinator(NewRegistry(), newCountingEmbedder(8), nil, nil, Config{})
	for _, q := range []string{
		"What is my daughter's name?",
		"user: do you remember where I parked",
		"Tell me about my trip",
		"who's my dentist",
	} {
		assert.True(t, c.isUserQuestion(q), q)
	}
	for _, s := range []string{
		"My daughter is named Mia",
		"I told my boss what is my plan",
		"assistant: Your daughter is Mia",
	} {
		assert.False(t, c.isUserQuestion(s), s)
	}
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

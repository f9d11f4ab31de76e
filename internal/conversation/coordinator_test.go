package conversation

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/companion/internal/brain"
	"github.com/aiox-platform/companion/internal/database"
	"github.com/aiox-platform/companion/internal/embedding"
	"github.com/aiox-platform/companion/internal/identity"
	"github.com/aiox-platform/companion/internal/memory"
	"github.com/aiox-platform/companion/internal/memory/chromem"
	"github.com/aiox-platform/companion/internal/turns"
)

// newRememberingOrchestrator runs an orchestrator on a real coordinator
// backed by chromem, the hashing embedder and SQLite.
func newRememberingOrchestrator(t *testing.T, b *scriptedBrain) (*Orchestrator, *memory.Coordinator, uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := turns.NewSQLiteStore(db)

	const dims = 256
	reg := memory.NewRegistry()
	reg.Register(chromem.Name, func(context.Context) (memory.VectorStore, error) {
		return chromem.NewInMemory(dims), nil
	})
	coord := memory.NewCoordinator(reg, embedding.NewHashing(dims), store, nil,
		memory.Config{PreferredBackend: chromem.Name})
	require.NoError(t, coord.Initialize(ctx))

	owner := uuid.New()
	conv, err := store.StartConversation(ctx, owner)
	require.NoError(t, err)

	master := identity.DefaultMasterConfig()
	o := New(owner, conv.ID, Deps{
		Memory:   coord,
		History:  &fakeHistory{},
		Identity: fakeIdentity{master: &master},
		Brain:    b,
		Voice:    newFakeVoice(),
	}, Config{})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return o, coord, owner
}

// memorySegment returns the remembered-context system message of a request.
func memorySegment(msgs []brain.Message) string {
	for _, m := range msgs {
		if m.Role == brain.RoleSystem && strings.HasPrefix(m.Content, "What you remember") {
			return m.Content
		}
	}
	return ""
}

func TestTurn_RealMemoryExcludesCurrentUtterance(t *testing.T) {
	b := &scriptedBrain{chunks: []string{"ok"}}
	o, coord, owner := newRememberingOrchestrator(t, b)

	_, err := coord.StoreFact(context.Background(), owner, "User's daughter is named Mia", memory.WriteOptions{})
	require.NoError(t, err)

	require.NoError(t, o.SubmitText("Mia my daughter loves hiking"))
	until(t, o, isType(EventTurnCompleted))

	first := memorySegment(b.lastCall())
	assert.Contains(t, first, "## Important Facts")
	assert.Contains(t, first, "User's daughter is named Mia")
	assert.NotContains(t, first, "Relevant Past Conversations")

	require.NoError(t, o.SubmitText("Mia my daughter loves hiking in spring"))
	until(t, o, isType(EventTurnCompleted))

	second := memorySegment(b.lastCall())
	assert.Contains(t, second, "## Relevant Past Conversations\n- Mia my daughter loves hiking")
	assert.NotContains(t, second, "spring")
}

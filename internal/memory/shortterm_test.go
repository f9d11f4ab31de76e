package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T, limit int, ttl time.Duration) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewSessionStore(client, limit, ttl), mr
}

func TestSessionStore_AppendAndRecent(t *testing.T) {
	store, _ := setupMiniredis(t, 20, time.Hour)
	ctx := context.Background()
	owner, conv := uuid.New(), uuid.New()

	require.NoError(t, store.Append(ctx, owner, conv, ConversationEntry{Role: "user", Content: "Hello"}))
	require.NoError(t, store.Append(ctx, owner, conv, ConversationEntry{Role: "assistant", Content: "Hi there!"}))

	msgs, err := store.Recent(ctx, owner, conv, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.False(t, msgs[0].Timestamp.IsZero())
	assert.Equal(t, "assistant", msgs[1].Role)
}

func TestSessionStore_Trim(t *testing.T) {
	store, _ := setupMiniredis(t, 3, time.Hour)
	ctx := context.Background()
	owner, conv := uuid.New(), uuid.New()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, owner, conv, ConversationEntry{
			Role:    "user",
			Content: string(rune('A' + i)),
		}))
	}

	msgs, err := store.Recent(ctx, owner, conv, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "C", msgs[0].Content)
	assert.Equal(t, "E", msgs[2].Content)
}

func TestSessionStore_TTL(t *testing.T) {
	store, mr := setupMiniredis(t, 20, time.Minute)
	ctx := context.Background()
	owner, conv := uuid.New(), uuid.New()

	require.NoError(t, store.Append(ctx, owner, conv, ConversationEntry{Role: "user", Content: "Hello"}))
	mr.FastForward(61 * time.Second)

	msgs, err := store.Recent(ctx, owner, conv, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSessionStore_Clear(t *testing.T) {
	store, _ := setupMiniredis(t, 20, time.Hour)
	ctx := context.Background()
	owner, conv := uuid.New(), uuid.New()

	require.NoError(t, store.Append(ctx, owner, conv, ConversationEntry{Role: "user", Content: "Hello"}))
	require.NoError(t, store.Clear(ctx, owner, conv))

	msgs, err := store.Recent(ctx, owner, conv, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSessionStore_IsolatedByOwnerAndConversation(t *testing.T) {
	store, _ := setupMiniredis(t, 20, time.Hour)
	ctx := context.Background()
	owner1, owner2 := uuid.New(), uuid.New()
	conv1, conv2 := uuid.New(), uuid.New()

	require.NoError(t, store.Append(ctx, owner1, conv1, ConversationEntry{Role: "user", Content: "O1C1"}))
	require.NoError(t, store.Append(ctx, owner1, conv2, ConversationEntry{Role: "user", Content: "O1C2"}))
	require.NoError(t, store.Append(ctx, owner2, conv1, ConversationEntry{Role: "user", Content: "O2C1"}))

	msgs, _ := store.Recent(ctx, owner1, conv1, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "O1C1", msgs[0].Content)

	msgs, _ = store.Recent(ctx, owner1, conv2, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "O1C2", msgs[0].Content)

	msgs, _ = store.Recent(ctx, owner2, conv1, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, "O2C1", msgs[0].Content)
}

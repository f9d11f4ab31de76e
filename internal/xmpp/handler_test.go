package xmpp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gosrc.io/xmpp/stanza"

	"github.com/aiox-platform/companion/internal/brain"
	"github.com/aiox-platform/companion/internal/conversation"
	"github.com/aiox-platform/companion/internal/database"
	"github.com/aiox-platform/companion/internal/embedding"
	"github.com/aiox-platform/companion/internal/memory"
	"github.com/aiox-platform/companion/internal/turns"
)

func TestExtractUserID(t *testing.T) {
	expected := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

	tests := []struct {
		name    string
		jid     string
		wantID  uuid.UUID
		wantErr bool
	}{
		{
			name:   "valid bare JID",
			jid:    "user-550e8400-e29b-41d4-a716-446655440000@companion.local",
			wantID: expected,
		},
		{
			name:   "valid JID with resource",
			jid:    "user-550e8400-e29b-41d4-a716-446655440000@companion.local/phone",
			wantID: expected,
		},
		{
			name:    "missing user- prefix",
			jid:     "550e8400-e29b-41d4-a716-446655440000@companion.local",
			wantErr: true,
		},
		{
			name:    "invalid UUID",
			jid:     "user-not-a-uuid@companion.local",
			wantErr: true,
		},
		{
			name:    "empty JID",
			jid:     "",
			wantErr: true,
		},
		{
			name:   "no @ sign",
			jid:    "user-550e8400-e29b-41d4-a716-446655440000",
			wantID: expected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractUserID(tt.jid)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, got)
		})
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []stanza.Message
}

func (s *recordingSender) Send(p stanza.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := p.(stanza.Message); ok {
		s.sent = append(s.sent, m)
	}
	return nil
}

func (s *recordingSender) messages() []stanza.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stanza.Message(nil), s.sent...)
}

func newGateway(t *testing.T) (*Gateway, turns.Store) {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := turns.NewSQLiteStore(db)

	coord := memory.NewCoordinator(memory.NewRegistry(), embedding.NewHashing(64), store, nil,
		memory.Config{PreferredBackend: memory.ProviderNone, SecondaryBackend: memory.ProviderNone})
	require.NoError(t, coord.Initialize(context.Background()))

	manager := conversation.NewManager(store, conversation.Deps{Memory: coord, Brain: brain.Echo{}}, conversation.Config{})
	g := NewGateway(manager)
	t.Cleanup(g.Close)
	return g, store
}

func TestGateway_RepliesWithAssistantText(t *testing.T) {
	g, store := newGateway(t)
	sender := &recordingSender{}
	owner := uuid.New()
	from := "user-" + owner.String() + "@companion.local/phone"

	g.handleMessage(sender, stanza.Message{
		Attrs: stanza.Attrs{From: from, To: "companion.local", Type: "chat"},
		Body:  "good morning",
	})

	require.Eventually(t, func() bool { return len(sender.messages()) == 1 }, 3*time.Second, 10*time.Millisecond)
	reply := sender.messages()[0]
	assert.Equal(t, "You said: good morning", reply.Body)
	assert.Equal(t, from, reply.To)
	assert.Equal(t, "companion.local", reply.From)

	// Both sides of the turn reach the structured store.
	require.Eventually(t, func() bool {
		recent, err := store.RecentTurns(context.Background(), owner, 10)
		return err == nil && len(recent) == 2
	}, 3*time.Second, 10*time.Millisecond)

	// A second message reuses the same session.
	g.handleMessage(sender, stanza.Message{
		Attrs: stanza.Attrs{From: from, To: "companion.local", Type: "chat"},
		Body:  "again",
	})
	require.Eventually(t, func() bool { return len(sender.messages()) == 2 }, 3*time.Second, 10*time.Millisecond)
	g.mu.Lock()
	assert.Len(t, g.chats, 1)
	g.mu.Unlock()
}

func TestGateway_RejectsUnknownSender(t *testing.T) {
	g, _ := newGateway(t)
	sender := &recordingSender{}

	g.handleMessage(sender, stanza.Message{
		Attrs: stanza.Attrs{From: "someone@elsewhere", To: "companion.local"},
		Body:  "hi",
	})

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Body, "don't know who you are")
	g.mu.Lock()
	assert.Empty(t, g.chats)
	g.mu.Unlock()
}

func TestGateway_IgnoresEmptyBody(t *testing.T) {
	g, _ := newGateway(t)
	sender := &recordingSender{}
	g.handleMessage(sender, stanza.Message{Attrs: stanza.Attrs{From: "user-" + uuid.NewString() + "@x"}, Body: "  "})
	assert.Empty(t, sender.messages())
}

func TestGateway_RejectsForeignDomain(t *testing.T) {
	g, _ := newGateway(t)
	g.WithUserDomains("companion.local")
	sender := &recordingSender{}

	g.handleMessage(sender, stanza.Message{
		Attrs: stanza.Attrs{From: "user-" + uuid.NewString() + "@evil.example/x", To: "companion.local"},
		Body:  "hi",
	})

	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Body, "don't know who you are")
	g.mu.Lock()
	assert.Empty(t, g.chats)
	g.mu.Unlock()
}

func TestDomainAllowed(t *testing.T) {
	assert.True(t, domainAllowed("any.example", nil))
	assert.True(t, domainAllowed("Companion.Local", []string{"companion.local"}))
	assert.False(t, domainAllowed("other.example", []string{"companion.local"}))
	assert.Equal(t, "companion.local", extractDomain("user-1@companion.local/phone"))
	assert.Equal(t, "companion.local", extractDomain("companion.local"))
}

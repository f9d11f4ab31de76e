package conversation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/companion/internal/auth"
	"github.com/aiox-platform/companion/internal/turns"
	"github.com/aiox-platform/companion/internal/voice"
)

type fakeConversations struct {
	mu      sync.Mutex
	ended   []uuid.UUID
	trimmed []int
}

func (c *fakeConversations) TrimTurns(_ context.Context, _ uuid.UUID, keep int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimmed = append(c.trimmed, keep)
	return 0, nil
}

func (c *fakeConversations) StartConversation(_ context.Context, owner uuid.UUID) (*turns.Conversation, error) {
	return &turns.Conversation{ID: uuid.New(), OwnerID: owner, StartedAt: time.Now()}, nil
}

func (c *fakeConversations) EndConversation(_ context.Context, _, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = append(c.ended, id)
	return nil
}

func newTestManager(b *scriptedBrain) (*Manager, *fakeConversations, *fakeMemory) {
	convs := &fakeConversations{}
	mem := &fakeMemory{}
	m := NewManager(convs, Deps{Memory: mem, History: &fakeHistory{}, Brain: b}, Config{})
	return m, convs, mem
}

func TestManager_StartAndStop(t *testing.T) {
	m, convs, mem := newTestManager(&scriptedBrain{chunks: []string{"hello back"}})

	sess, err := m.Start(context.Background(), uuid.New(), voice.Silent{}, "xmpp")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	require.NoError(t, sess.SubmitText("hello"))
	events := until(t, sess.Orchestrator, isType(EventTurnCompleted))
	assert.Equal(t, "hello back", ofType(events, EventTurnCompleted)[0].Text)
	assert.Len(t, mem.stored(), 2)

	sess.Stop()
	sess.Stop()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, []uuid.UUID{sess.ConversationID()}, convs.ended)
	assert.ErrorIs(t, sess.SubmitText("late"), ErrClosed)
}

func TestManager_StopTrimsRetainedTurns(t *testing.T) {
	convs := &fakeConversations{}
	m := NewManager(convs, Deps{Memory: &fakeMemory{}, History: &fakeHistory{}, Brain: &scriptedBrain{}}, Config{RetainTurns: 50})

	sess, err := m.Start(context.Background(), uuid.New(), voice.Silent{}, "voice")
	require.NoError(t, err)
	sess.Stop()

	assert.Equal(t, []int{50}, convs.trimmed)
}

func TestManager_CloseStopsAll(t *testing.T) {
	m, convs, _ := newTestManager(&scriptedBrain{})
	for i := 0; i < 3; i++ {
		_, err := m.Start(context.Background(), uuid.New(), voice.Silent{}, "voice")
		require.NoError(t, err)
	}
	m.Close()
	assert.Equal(t, 0, m.Len())
	assert.Len(t, convs.ended, 3)
}

type wsEvent struct {
	Type           string `json:"type"`
	State          string `json:"state"`
	Text           string `json:"text"`
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

func TestHandler_VoiceSessionOverWebsocket(t *testing.T) {
	m, _, mem := newTestManager(&scriptedBrain{chunks: []string{"Hi ", "there"}})
	h := NewHandler(m, nil)
	owner := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := auth.WithClaims(r.Context(), &auth.AccessClaims{UserID: owner.String()})
		h.Session(w, r.WithContext(ctx))
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()

	read := func() wsEvent {
		t.Helper()
		require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
		var e wsEvent
		require.NoError(t, client.ReadJSON(&e))
		return e
	}

	started := read()
	require.Equal(t, "session_started", started.Type)
	require.NotEmpty(t, started.ConversationID)

	require.NoError(t, client.WriteJSON(voice.Frame{Type: voice.FrameControl, Action: voice.ActionStartListening}))
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, s := range m.sessions {
			return s.State() == StateListening
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, client.WriteJSON(voice.Frame{Type: voice.FrameTranscript, Text: "hello", IsFinal: true}))

	var spoken []string
	for {
		e := read()
		switch e.Type {
		case voice.FrameSpeak:
			spoken = append(spoken, e.Text)
		case voice.FrameSpeakEnd:
			require.NoError(t, client.WriteJSON(voice.Frame{Type: voice.FrameSpeakDone}))
		}
		if e.Type == string(EventTurnCompleted) {
			assert.Equal(t, "Hi there", e.Text)
			break
		}
	}
	assert.Equal(t, []string{"Hi ", "there"}, spoken)
	assert.Len(t, mem.stored(), 2)

	require.NoError(t, client.Close())
	assert.Eventually(t, func() bool { return m.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_RequiresAuth(t *testing.T) {
	m, _, _ := newTestManager(&scriptedBrain{})
	h := NewHandler(m, nil)

	rec := httptest.NewRecorder()
	h.Session(rec, httptest.NewRequest(http.MethodGet, "/ws/session", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/companion/internal/metrics"
	"github.com/aiox-platform/companion/internal/turns"
	"github.com/aiox-platform/companion/internal/voice"
)

// Conversations opens and closes conversation rows in the structured store.
type Conversations interface {
	StartConversation(ctx context.Context, ownerID uuid.UUID) (*turns.Conversation, error)
	EndConversation(ctx context.Context, ownerID, conversationID uuid.UUID) error
}

// turnTrimmer is implemented by turns.Store.
type turnTrimmer interface {
	TrimTurns(ctx context.Context, ownerID uuid.UUID, keep int) (int64, error)
}

// Manager starts orchestrators for live sessions and stops them on shutdown.
type Manager struct {
	conversations Conversations
	deps          Deps
	cfg           Config

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewManager creates a manager. deps.Voice is ignored; each session brings
// its own pipeline.
func NewManager(conversations Conversations, deps Deps, cfg Config) *Manager {
	return &Manager{
		conversations: conversations,
		deps:          deps,
		cfg:           cfg,
		sessions:      make(map[uuid.UUID]*Session),
	}
}

// Session is a running orchestrator bound to one conversation.
type Session struct {
	*Orchestrator

	manager *Manager
	cancel  context.CancelFunc
	stopped chan struct{}
	once    sync.Once
}

// Start opens a conversation for owner and runs its orchestrator over
// pipeline. channel labels the session in logs and published events.
func (m *Manager) Start(ctx context.Context, ownerID uuid.UUID, pipeline voice.Pipeline, channel string) (*Session, error) {
	conv, err := m.conversations.StartConversation(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("starting conversation: %w", err)
	}

	deps := m.deps
	deps.Voice = pipeline
	cfg := m.cfg
	cfg.Channel = channel

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		Orchestrator: New(ownerID, conv.ID, deps, cfg),
		manager:      m,
		cancel:       cancel,
		stopped:      make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[conv.ID] = s
	m.mu.Unlock()
	metrics.ActiveSessions.Inc()

	go func() {
		defer close(s.stopped)
		if err := s.Run(runCtx); err != nil {
			slog.Error("conversation: orchestrator stopped", "conversation_id", conv.ID, "error", err)
		}
	}()

	slog.Info("conversation: session started", "owner_id", ownerID, "conversation_id", conv.ID, "channel", channel)
	return s, nil
}

// Stop ends the session and closes its conversation. It is safe to call
// more than once.
func (s *Session) Stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.stopped

		m := s.manager
		m.mu.Lock()
		delete(m.sessions, s.conversationID)
		m.mu.Unlock()
		metrics.ActiveSessions.Dec()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.conversations.EndConversation(ctx, s.ownerID, s.conversationID); err != nil {
			slog.Warn("conversation: closing conversation failed", "conversation_id", s.conversationID, "error", err)
		}
		m.trim(ctx, s.ownerID)
		slog.Info("conversation: session ended", "owner_id", s.ownerID, "conversation_id", s.conversationID)
	})
}

func (m *Manager) trim(ctx context.Context, ownerID uuid.UUID) {
	t, ok := m.conversations.(turnTrimmer)
	if !ok || m.cfg.RetainTurns <= 0 {
		return
	}
	n, err := t.TrimTurns(ctx, ownerID, m.cfg.RetainTurns)
	if err != nil {
		slog.Warn("conversation: trimming turns failed", "owner_id", ownerID, "error", err)
		return
	}
	if n > 0 {
		slog.Debug("conversation: trimmed old turns", "owner_id", ownerID, "deleted", n)
	}
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every live session.
func (m *Manager) Close() {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Stop()
	}
}

package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/companion/internal/brain"
	"github.com/aiox-platform/companion/internal/identity"
	"github.com/aiox-platform/companion/internal/memory"
	"github.com/aiox-platform/companion/internal/turns"
	"github.com/aiox-platform/companion/internal/voice"
)

type fakeMemory struct {
	context  string
	storeErr error

	mu    sync.Mutex
	turns []turns.Turn
}

func (m *fakeMemory) BuildContext(context.Context, uuid.UUID, string) (string, bool) {
	return m.context, m.context != ""
}

func (m *fakeMemory) StoreConversationTurn(_ context.Context, owner, conv uuid.UUID, role turns.Role, content string, _ *float64) (*turns.Turn, error) {
	if m.storeErr != nil {
		return nil, m.storeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := turns.Turn{ID: uuid.New(), ConversationID: conv, OwnerID: owner, Role: role, Content: content, CreatedAt: time.Now()}
	m.turns = append(m.turns, t)
	return &t, nil
}

func (m *fakeMemory) stored() []turns.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]turns.Turn(nil), m.turns...)
}

type fakeHistory struct {
	// replyDelay slows assistant appends so overlapping turns can race.
	replyDelay time.Duration

	mu      sync.Mutex
	entries []memory.ConversationEntry
}

func (h *fakeHistory) Recent(_ context.Context, _, _ uuid.UUID, limit int) ([]memory.ConversationEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.entries
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]memory.ConversationEntry(nil), out...), nil
}

func (h *fakeHistory) Append(_ context.Context, _, _ uuid.UUID, e memory.ConversationEntry) error {
	if e.Role == string(turns.RoleAssistant) && h.replyDelay > 0 {
		time.Sleep(h.replyDelay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *fakeHistory) all() []memory.ConversationEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]memory.ConversationEntry(nil), h.entries...)
}

type fakeIdentity struct {
	user   *identity.User
	master *identity.MasterConfig
}

func (f fakeIdentity) GetUser(context.Context, uuid.UUID) (*identity.User, error) {
	return f.user, nil
}

func (f fakeIdentity) GetMasterConfig(context.Context) (*identity.MasterConfig, error) {
	if f.master == nil {
		return nil, errors.New("db down")
	}
	return f.master, nil
}

// scriptedBrain streams fixed chunks, then optionally fails or blocks.
type scriptedBrain struct {
	chunks []string
	err    error
	block  bool

	mu    sync.Mutex
	calls [][]brain.Message
}

func (b *scriptedBrain) GenerateStreaming(ctx context.Context, msgs []brain.Message) (<-chan brain.Chunk, error) {
	b.mu.Lock()
	b.calls = append(b.calls, msgs)
	chunks, failWith, block := b.chunks, b.err, b.block
	b.mu.Unlock()

	ch := make(chan brain.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- brain.Chunk{Text: c}:
			case <-ctx.Done():
				return
			}
		}
		if failWith != nil {
			select {
			case ch <- brain.Chunk{Err: failWith}:
			case <-ctx.Done():
			}
			return
		}
		if block {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (b *scriptedBrain) lastCall() []brain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.calls) == 0 {
		return nil
	}
	return b.calls[len(b.calls)-1]
}

// fakeVoice records speech. With hold set, playback does not finish until
// hold is closed or ctx is cancelled.
type fakeVoice struct {
	transcripts chan voice.Transcript
	hold        chan struct{}

	mu          sync.Mutex
	spoken      []string
	cancelled   bool
	listenEnded bool
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{transcripts: make(chan voice.Transcript, 8)}
}

func (v *fakeVoice) Listen(ctx context.Context) (<-chan voice.Transcript, error) {
	out := make(chan voice.Transcript)
	go func() {
		defer func() {
			v.mu.Lock()
			v.listenEnded = true
			v.mu.Unlock()
			close(out)
		}()
		for {
			select {
			case t := <-v.transcripts:
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (v *fakeVoice) SpeakStream(ctx context.Context, chunks <-chan string) error {
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				if v.hold == nil {
					return nil
				}
				select {
				case <-v.hold:
					return nil
				case <-ctx.Done():
					v.markCancelled()
					return ctx.Err()
				}
			}
			v.mu.Lock()
			v.spoken = append(v.spoken, c)
			v.mu.Unlock()
		case <-ctx.Done():
			v.markCancelled()
			return ctx.Err()
		}
	}
}

func (v *fakeVoice) markCancelled() {
	v.mu.Lock()
	v.cancelled = true
	v.mu.Unlock()
}

func (v *fakeVoice) snapshot() (spoken []string, cancelled, listenEnded bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.spoken...), v.cancelled, v.listenEnded
}

type fixture struct {
	orch    *Orchestrator
	memory  *fakeMemory
	history *fakeHistory
	brain   *scriptedBrain
	voice   *fakeVoice
}

func newFixture(t *testing.T, b *scriptedBrain) *fixture {
	t.Helper()
	f := &fixture{
		memory:  &fakeMemory{},
		history: &fakeHistory{},
		brain:   b,
		voice:   newFakeVoice(),
	}
	return f
}

// start builds and runs the orchestrator; call after adjusting the fakes.
func (f *fixture) start(t *testing.T, cfg Config) {
	t.Helper()
	master := identity.DefaultMasterConfig()
	f.orch = New(uuid.New(), uuid.New(), Deps{
		Memory:   f.memory,
		History:  f.history,
		Identity: fakeIdentity{master: &master},
		Brain:    f.brain,
		Voice:    f.voice,
	}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// until reads events until pred matches, failing after a timeout.
func until(t *testing.T, o *Orchestrator, pred func(Event) bool) []Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	var seen []Event
	for {
		select {
		case e, ok := <-o.Events():
			require.True(t, ok, "event stream closed")
			seen = append(seen, e)
			if pred(e) {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event; saw %v", seen)
			return nil
		}
	}
}

func isType(typ EventType) func(Event) bool {
	return func(e Event) bool { return e.Type == typ }
}

func enters(s State) func(Event) bool {
	return func(e Event) bool { return e.Type == EventStateChanged && e.State == s }
}

func states(events []Event) []State {
	var out []State
	for _, e := range events {
		if e.Type == EventStateChanged {
			out = append(out, e.State)
		}
	}
	return out
}

func ofType(events []Event, typ EventType) []Event {
	var out []Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

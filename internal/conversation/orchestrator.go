// Package conversation runs voice and text turns: it listens, builds the
// prompt from identity and memory, streams the reply to the speech pipeline
// and records both sides of the turn.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/companion/internal/brain"
	"github.com/aiox-platform/companion/internal/identity"
	"github.com/aiox-platform/companion/internal/memory"
	"github.com/aiox-platform/companion/internal/metrics"
	inats "github.com/aiox-platform/companion/internal/nats"
	"github.com/aiox-platform/companion/internal/turns"
	"github.com/aiox-platform/companion/internal/voice"
)

var (
	ErrBusy   = errors.New("conversation: a turn is in progress")
	ErrClosed = errors.New("conversation: orchestrator stopped")
)

// Memory is the long-term memory the orchestrator reads and writes.
type Memory interface {
	BuildContext(ctx context.Context, ownerID uuid.UUID, message string) (string, bool)
	StoreConversationTurn(ctx context.Context, ownerID, conversationID uuid.UUID, role turns.Role, content string, importance *float64) (*turns.Turn, error)
}

// History is the short-term message window of the conversation.
type History interface {
	Recent(ctx context.Context, ownerID, conversationID uuid.UUID, limit int) ([]memory.ConversationEntry, error)
	Append(ctx context.Context, ownerID, conversationID uuid.UUID, entry memory.ConversationEntry) error
}

// Identity supplies the prompt framing.
type Identity interface {
	GetUser(ctx context.Context, id uuid.UUID) (*identity.User, error)
	GetMasterConfig(ctx context.Context) (*identity.MasterConfig, error)
}

// Publisher receives turn outcomes.
type Publisher interface {
	PublishTurn(ctx context.Context, event inats.TurnEvent) error
}

type Config struct {
	// ErrorRecovery is how long the error state lasts before returning to idle.
	ErrorRecovery  time.Duration
	HistoryLimit   int
	PersistTimeout time.Duration
	// Channel labels published turn events ("voice", "xmpp").
	Channel string
	// RetainTurns caps stored turns per owner when a session ends. Zero
	// keeps everything.
	RetainTurns int
}

func (c Config) withDefaults() Config {
	if c.ErrorRecovery <= 0 {
		c.ErrorRecovery = 3 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 20
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.Channel == "" {
		c.Channel = "voice"
	}
	return c
}

// Deps are the collaborators of one orchestrator. Publisher may be nil.
type Deps struct {
	Memory    Memory
	History   History
	Identity  Identity
	Brain     brain.Provider
	Voice     voice.Pipeline
	Publisher Publisher
}

type cmdKind int

const (
	cmdStartListening cmdKind = iota
	cmdStopListening
	cmdInterrupt
	cmdSubmitText
	cmdTranscript
	cmdListenEnded
	cmdFirstToken
	cmdChunk
	cmdTurnDone
	cmdRecover
)

type command struct {
	kind    cmdKind
	text    string
	isFinal bool
	gen     int
	turn    *turn
	result  turnResult
	reply   chan error
}

type turn struct {
	userText string
	cancel   context.CancelFunc
	// done is closed once runTurn has returned and all of its history
	// writes are finished.
	done chan struct{}
}

type turnResult struct {
	text        string
	turnID      *uuid.UUID
	interrupted bool
	err         error
}

// Orchestrator drives the turns of one conversation. All state changes
// happen on the goroutine running Run, so events are emitted in order.
type Orchestrator struct {
	ownerID        uuid.UUID
	conversationID uuid.UUID
	deps           Deps
	cfg            Config

	cmds   chan command
	events chan Event
	done   chan struct{}

	mu    sync.RWMutex
	state State

	// Owned by the Run goroutine.
	listenCancel context.CancelFunc
	listenGen    int
	current      *turn
	last         *turn
	recovery     *time.Timer
}

func New(ownerID, conversationID uuid.UUID, deps Deps, cfg Config) *Orchestrator {
	return &Orchestrator{
		ownerID:        ownerID,
		conversationID: conversationID,
		deps:           deps,
		cfg:            cfg.withDefaults(),
		cmds:           make(chan command, 32),
		events:         make(chan Event, 128),
		done:           make(chan struct{}),
		state:          StateIdle,
	}
}

// Events returns the ordered event stream. It is closed when Run returns.
// Observers must keep draining it; a full buffer stalls the orchestrator.
func (o *Orchestrator) Events() <-chan Event {
	return o.events
}

func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) ConversationID() uuid.UUID { return o.conversationID }
func (o *Orchestrator) OwnerID() uuid.UUID        { return o.ownerID }

// StartListening begins consuming transcripts. Only valid from idle.
func (o *Orchestrator) StartListening() error { return o.call(cmdStartListening, "") }

func (o *Orchestrator) StopListening() error { return o.call(cmdStopListening, "") }

// Interrupt cancels the in-flight generation and playback and returns to
// idle. Text generated so far is kept in the session history.
func (o *Orchestrator) Interrupt() error { return o.call(cmdInterrupt, "") }

// SubmitText runs a turn for text without going through the listener. A
// turn already in progress is interrupted first.
func (o *Orchestrator) SubmitText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("conversation: empty message")
	}
	return o.call(cmdSubmitText, text)
}

func (o *Orchestrator) call(kind cmdKind, text string) error {
	reply := make(chan error, 1)
	if !o.send(command{kind: kind, text: text, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-o.done:
		return ErrClosed
	}
}

func (o *Orchestrator) send(c command) bool {
	select {
	case o.cmds <- c:
		return true
	case <-o.done:
		return false
	}
}

// Run processes commands until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer func() {
		close(o.done)
		o.stopListening()
		if o.current != nil {
			o.current.cancel()
			o.current = nil
		}
		if o.recovery != nil {
			o.recovery.Stop()
		}
		close(o.events)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-o.cmds:
			err := o.handle(ctx, c)
			if c.reply != nil {
				c.reply <- err
			}
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, c command) error {
	state := o.State()

	switch c.kind {
	case cmdStartListening:
		if state != StateIdle {
			return ErrBusy
		}
		if err := o.startListening(ctx); err != nil {
			return err
		}
		o.transition(ctx, StateListening)

	case cmdStopListening:
		o.stopListening()
		if state == StateListening {
			o.transition(ctx, StateIdle)
		}

	case cmdInterrupt:
		o.stopListening()
		if o.current != nil {
			o.cancelTurn()
			o.transition(ctx, StateIdle)
		} else if state == StateListening {
			o.transition(ctx, StateIdle)
		}

	case cmdSubmitText:
		switch state {
		case StateError:
			return ErrBusy
		case StateThinking, StateSpeaking:
			o.cancelTurn()
		}
		o.startTurn(ctx, c.text)

	case cmdTranscript:
		if c.gen != o.listenGen {
			return nil
		}
		o.emit(ctx, Event{Type: EventTranscript, Text: c.text, IsFinal: c.isFinal})
		if !c.isFinal || strings.TrimSpace(c.text) == "" {
			return nil
		}
		switch state {
		case StateListening:
			o.startTurn(ctx, c.text)
		case StateThinking, StateSpeaking:
			// Barge-in: the user spoke over the reply.
			o.cancelTurn()
			o.startTurn(ctx, c.text)
		}

	case cmdListenEnded:
		if c.gen != o.listenGen || o.listenCancel == nil {
			return nil
		}
		o.listenCancel()
		o.listenCancel = nil
		if state == StateListening {
			o.transition(ctx, StateIdle)
		}

	case cmdFirstToken:
		if c.turn == o.current && state == StateThinking {
			o.transition(ctx, StateSpeaking)
		}

	case cmdChunk:
		if c.turn == o.current {
			o.emit(ctx, Event{Type: EventResponseChunk, Text: c.text})
		}

	case cmdTurnDone:
		o.finishTurn(ctx, c.turn, c.result)

	case cmdRecover:
		if state == StateError {
			o.transition(ctx, StateIdle)
		}
	}
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()
	if from == to {
		return
	}

	metrics.ConversationStateTransitions.WithLabelValues(string(from), string(to)).Inc()
	slog.Debug("conversation: state changed", "conversation_id", o.conversationID, "from", from, "to", to)
	o.emit(ctx, Event{Type: EventStateChanged, From: from, State: to})
}

func (o *Orchestrator) emit(ctx context.Context, e Event) {
	e.ConversationID = o.conversationID
	e.At = time.Now().UTC()
	select {
	case o.events <- e:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) startListening(ctx context.Context) error {
	lctx, cancel := context.WithCancel(ctx)
	ch, err := o.deps.Voice.Listen(lctx)
	if err != nil {
		cancel()
		return fmt.Errorf("starting listener: %w", err)
	}

	o.listenGen++
	o.listenCancel = cancel
	gen := o.listenGen

	go func() {
		for t := range ch {
			if !o.send(command{kind: cmdTranscript, text: t.Text, isFinal: t.IsFinal, gen: gen}) {
				return
			}
		}
		o.send(command{kind: cmdListenEnded, gen: gen})
	}()
	return nil
}

func (o *Orchestrator) stopListening() {
	if o.listenCancel != nil {
		o.listenCancel()
		o.listenCancel = nil
	}
}

func (o *Orchestrator) startTurn(ctx context.Context, text string) {
	tctx, cancel := context.WithCancel(ctx)
	t := &turn{userText: text, cancel: cancel, done: make(chan struct{})}
	prev := o.last
	o.current = t
	o.last = t
	o.transition(ctx, StateThinking)

	go func() {
		// A replaced turn may still be recording its partial reply; session
		// history must stay in turn order. prev is already cancelled or done.
		if prev != nil {
			<-prev.done
		}
		var res turnResult
		if tctx.Err() != nil {
			res = turnResult{interrupted: true}
		} else {
			res = o.runTurn(tctx, t)
		}
		close(t.done)
		o.send(command{kind: cmdTurnDone, turn: t, result: res})
	}()
}

// cancelTurn abandons the current turn. Its goroutine still reports back
// with whatever text it produced.
func (o *Orchestrator) cancelTurn() {
	if o.current == nil {
		return
	}
	o.current.cancel()
	o.current = nil
}

func (o *Orchestrator) finishTurn(ctx context.Context, t *turn, res turnResult) {
	if res.interrupted || t != o.current {
		if t == o.current {
			o.current = nil
			o.transition(ctx, StateIdle)
		}
		metrics.ConversationTurnsTotal.WithLabelValues("interrupted").Inc()
		o.emit(ctx, Event{Type: EventTurnInterrupted, Text: res.text})
		return
	}

	o.current = nil
	t.cancel()
	o.stopListening()

	if res.err != nil {
		metrics.ConversationTurnsTotal.WithLabelValues("failed").Inc()
		o.fail(ctx, res.err)
		return
	}

	metrics.ConversationTurnsTotal.WithLabelValues("completed").Inc()
	o.emit(ctx, Event{Type: EventTurnCompleted, Text: res.text, TurnID: res.turnID})
	o.transition(ctx, StateIdle)
}

// fail enters the error state and schedules the return to idle.
func (o *Orchestrator) fail(ctx context.Context, err error) {
	slog.Error("conversation: turn failed", "conversation_id", o.conversationID, "owner_id", o.ownerID, "error", err)
	o.transition(ctx, StateError)
	o.emit(ctx, Event{Type: EventError, Message: userErrorMessage})

	if o.recovery != nil {
		o.recovery.Stop()
	}
	o.recovery = time.AfterFunc(o.cfg.ErrorRecovery, func() {
		o.send(command{kind: cmdRecover})
	})
}

package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame types exchanged over the session socket.
const (
	FrameTranscript  = "transcript"
	FrameControl     = "control"
	FrameSpeak       = "speak"
	FrameSpeakEnd    = "speak_end"
	FrameSpeakCancel = "speak_cancel"
	FrameSpeakDone   = "speak_done"
)

// Control actions a client may send.
const (
	ActionStartListening = "start_listening"
	ActionStopListening  = "stop_listening"
	ActionInterrupt      = "interrupt"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Frame is a client or server message on the session socket.
type Frame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`
	Action  string `json:"action,omitempty"`
}

// Socket is a Pipeline over a websocket. The client performs speech
// recognition and synthesis; the server exchanges text frames with it.
type Socket struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu        sync.Mutex
	listener  chan Transcript
	speakDone chan struct{}

	controls chan string
	done     chan struct{}
	once     sync.Once
}

// NewSocket wraps an upgraded connection. Run must be called to start reading.
func NewSocket(conn *websocket.Conn) *Socket {
	return &Socket{
		conn:     conn,
		controls: make(chan string, 8),
		done:     make(chan struct{}),
	}
}

// Controls yields control actions sent by the client. It is closed when the
// connection ends.
func (s *Socket) Controls() <-chan string {
	return s.controls
}

// Done is closed when the connection ends.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Run reads frames until the connection fails or ctx is done, and keeps the
// connection alive with pings.
func (s *Socket) Run(ctx context.Context) error {
	defer s.shutdown()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.pingLoop(ctx)

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("voice: malformed frame", "error", err)
			continue
		}
		s.dispatch(f)
	}
}

func (s *Socket) dispatch(f Frame) {
	switch f.Type {
	case FrameTranscript:
		s.mu.Lock()
		if s.listener != nil {
			select {
			case s.listener <- Transcript{Text: f.Text, IsFinal: f.IsFinal}:
			default:
				slog.Warn("voice: transcript dropped, listener busy")
			}
		}
		s.mu.Unlock()
	case FrameControl:
		select {
		case s.controls <- f.Action:
		default:
			slog.Warn("voice: control dropped", "action", f.Action)
		}
	case FrameSpeakDone:
		s.mu.Lock()
		if s.speakDone != nil {
			close(s.speakDone)
			s.speakDone = nil
		}
		s.mu.Unlock()
	default:
		slog.Debug("voice: unknown frame", "type", f.Type)
	}
}

func (s *Socket) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *Socket) shutdown() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.listener != nil {
			close(s.listener)
			s.listener = nil
		}
		s.mu.Unlock()
		close(s.controls)
		_ = s.conn.Close()
	})
}

// Send writes v as one JSON text frame.
func (s *Socket) Send(v any) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Listen routes transcript frames to the returned channel until ctx is done.
// A new Listen call replaces the previous listener.
func (s *Socket) Listen(ctx context.Context) (<-chan Transcript, error) {
	ch := make(chan Transcript, 16)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil, ErrClosed
	default:
	}
	if s.listener != nil {
		close(s.listener)
	}
	s.listener = ch
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			return
		}
		s.mu.Lock()
		if s.listener == ch {
			close(ch)
			s.listener = nil
		}
		s.mu.Unlock()
	}()

	return ch, nil
}

// SpeakStream forwards chunks as speak frames, then waits for the client to
// acknowledge playback. On cancellation it tells the client to stop.
func (s *Socket) SpeakStream(ctx context.Context, chunks <-chan string) error {
	done := make(chan struct{})
	s.mu.Lock()
	s.speakDone = done
	s.mu.Unlock()

	cancel := func() error {
		s.mu.Lock()
		if s.speakDone == done {
			s.speakDone = nil
		}
		s.mu.Unlock()
		if err := s.Send(Frame{Type: FrameSpeakCancel}); err != nil {
			slog.Debug("voice: sending speak_cancel", "error", err)
		}
		return ctx.Err()
	}

	for {
		select {
		case text, ok := <-chunks:
			if !ok {
				if err := s.Send(Frame{Type: FrameSpeakEnd}); err != nil {
					return err
				}
				select {
				case <-done:
					return nil
				case <-ctx.Done():
					return cancel()
				case <-s.done:
					return ErrClosed
				}
			}
			if err := s.Send(Frame{Type: FrameSpeak, Text: text}); err != nil {
				return err
			}
		case <-ctx.Done():
			return cancel()
		case <-s.done:
			return ErrClosed
		}
	}
}

package conversation

import (
	"context"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/aiox-platform/companion/internal/api"
	"github.com/aiox-platform/companion/internal/auth"
	"github.com/aiox-platform/companion/internal/voice"
)

// Handler serves the /ws/session voice socket.
type Handler struct {
	manager  *Manager
	upgrader websocket.Upgrader
}

// NewHandler creates the socket handler. An empty origins list, or one
// containing "*", accepts any origin.
func NewHandler(manager *Manager, origins []string) *Handler {
	return &Handler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(origins) == 0 || slices.Contains(origins, "*") || slices.Contains(origins, origin)
			},
		},
	}
}

type sessionFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Session upgrades the request and runs a voice session until the client
// disconnects.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		slog.Warn("conversation: websocket upgrade failed", "owner_id", owner, "error", err)
		return
	}

	sock := voice.NewSocket(conn)
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	sess, err := h.manager.Start(ctx, owner, sock, "voice")
	if err != nil {
		slog.Error("conversation: starting session", "owner_id", owner, "error", err)
		_ = sock.Send(sessionFrame{Type: "error", Message: "could not start session"})
		_ = conn.Close()
		return
	}
	defer sess.Stop()

	go func() {
		for e := range sess.Events() {
			// Keep draining after the socket closes so the orchestrator never stalls.
			_ = sock.Send(e)
		}
	}()
	go h.controls(sock, sess)

	_ = sock.Send(sessionFrame{Type: "session_started", ConversationID: sess.ConversationID().String()})

	if err := sock.Run(ctx); err != nil {
		slog.Debug("conversation: socket closed", "conversation_id", sess.ConversationID(), "error", err)
	}
}

func (h *Handler) controls(sock *voice.Socket, sess *Session) {
	for action := range sock.Controls() {
		var err error
		switch action {
		case voice.ActionStartListening:
			err = sess.StartListening()
		case voice.ActionStopListening:
			err = sess.StopListening()
		case voice.ActionInterrupt:
			err = sess.Interrupt()
		default:
			slog.Debug("conversation: unknown control", "action", action)
			continue
		}
		if err != nil {
			_ = sock.Send(sessionFrame{Type: "control_rejected", Message: err.Error()})
		}
	}
}

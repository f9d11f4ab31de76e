package xmpp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gosrc.io/xmpp"
	"gosrc.io/xmpp/stanza"

	"github.com/aiox-platform/companion/internal/conversation"
	"github.com/aiox-platform/companion/internal/voice"
)

const busyReply = "I'm having trouble right now. Please try again in a moment."

// SessionStarter opens conversation sessions.
type SessionStarter interface {
	Start(ctx context.Context, ownerID uuid.UUID, pipeline voice.Pipeline, channel string) (*conversation.Session, error)
}

// packetSender is the part of xmpp.Sender the gateway replies through.
type packetSender interface {
	Send(packet stanza.Packet) error
}

type chat struct {
	sess *conversation.Session

	mu     sync.Mutex
	sender packetSender
	peer   string
	self   string
}

func (c *chat) reply(body string) {
	c.mu.Lock()
	sender, peer, self := c.sender, c.peer, c.self
	c.mu.Unlock()

	msg := stanza.Message{
		Attrs: stanza.Attrs{From: self, To: peer, Type: "chat", Id: uuid.NewString()},
		Body:  body,
	}
	if err := sender.Send(msg); err != nil {
		slog.Error("sending XMPP reply", "error", err, "to", peer)
	}
}

// Gateway turns chat messages into text turns, one long-lived session per
// user, and replies with the assistant text.
type Gateway struct {
	sessions SessionStarter
	// domains restricts which sender domains may speak for a user. Empty
	// accepts any domain.
	domains []string

	mu    sync.Mutex
	chats map[uuid.UUID]*chat
}

func NewGateway(sessions SessionStarter) *Gateway {
	return &Gateway{sessions: sessions, chats: make(map[uuid.UUID]*chat)}
}

// WithUserDomains only accepts senders whose bare JID is on one of domains.
func (g *Gateway) WithUserDomains(domains ...string) *Gateway {
	g.domains = domains
	return g
}

// HandleMessage runs a turn for incoming <message> stanzas.
func (g *Gateway) HandleMessage(s xmpp.Sender, p stanza.Packet) {
	msg, ok := p.(stanza.Message)
	if !ok {
		return
	}
	g.handleMessage(s, msg)
}

func (g *Gateway) handleMessage(s packetSender, msg stanza.Message) {
	if strings.TrimSpace(msg.Body) == "" {
		return
	}

	slog.Debug("XMPP message received", "from", msg.From, "to", msg.To, "type", string(msg.Type))

	if d := extractDomain(msg.From); !domainAllowed(d, g.domains) {
		slog.Warn("XMPP message from foreign domain", "from", msg.From, "domain", d)
		sendError(s, msg.From, msg.To, "Sorry, I don't know who you are.")
		return
	}

	owner, err := ExtractUserID(msg.From)
	if err != nil {
		slog.Warn("XMPP message from unknown sender", "from", msg.From, "error", err)
		sendError(s, msg.From, msg.To, "Sorry, I don't know who you are.")
		return
	}

	c, err := g.chat(owner)
	if err != nil {
		slog.Error("starting XMPP session", "owner_id", owner, "error", err)
		sendError(s, msg.From, msg.To, busyReply)
		return
	}

	c.mu.Lock()
	c.sender, c.peer, c.self = s, msg.From, msg.To
	c.mu.Unlock()

	if err := c.sess.SubmitText(msg.Body); err != nil {
		if !errors.Is(err, conversation.ErrBusy) {
			slog.Error("submitting XMPP message", "owner_id", owner, "error", err)
		}
		c.reply(busyReply)
	}
}

func (g *Gateway) chat(owner uuid.UUID) (*chat, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.chats[owner]; ok {
		return c, nil
	}
	sess, err := g.sessions.Start(context.Background(), owner, voice.Silent{}, "xmpp")
	if err != nil {
		return nil, err
	}
	c := &chat{sess: sess}
	g.chats[owner] = c
	go g.relay(owner, c)
	return c, nil
}

// relay answers with completed turns and error notices until the session ends.
func (g *Gateway) relay(owner uuid.UUID, c *chat) {
	for e := range c.sess.Events() {
		switch e.Type {
		case conversation.EventTurnCompleted:
			if e.Text != "" {
				c.reply(e.Text)
			}
		case conversation.EventError:
			c.reply(e.Message)
		}
	}

	g.mu.Lock()
	if g.chats[owner] == c {
		delete(g.chats, owner)
	}
	g.mu.Unlock()
}

// Close ends every chat session.
func (g *Gateway) Close() {
	g.mu.Lock()
	chats := make([]*chat, 0, len(g.chats))
	for _, c := range g.chats {
		chats = append(chats, c)
	}
	g.mu.Unlock()

	for _, c := range chats {
		c.sess.Stop()
	}
}

// HandlePresence processes incoming <presence> stanzas, auto-approving subscribe requests.
func (g *Gateway) HandlePresence(s xmpp.Sender, p stanza.Packet) {
	pres, ok := p.(stanza.Presence)
	if !ok {
		return
	}

	slog.Debug("XMPP presence received", "from", pres.From, "to", pres.To, "type", string(pres.Type))

	if pres.Type == "subscribe" {
		reply := stanza.Presence{
			Attrs: stanza.Attrs{
				From: pres.To,
				To:   pres.From,
				Type: "subscribed",
			},
		}
		if err := s.Send(reply); err != nil {
			slog.Error("sending presence subscribed reply", "error", err)
		}
	}
}

// HandleIQ processes incoming <iq> stanzas.
func (g *Gateway) HandleIQ(_ xmpp.Sender, p stanza.Packet) {
	iq, ok := p.(*stanza.IQ)
	if !ok {
		return
	}
	slog.Debug("XMPP IQ received", "from", iq.From, "to", iq.To, "type", string(iq.Type))
}

func sendError(s packetSender, to, from, body string) {
	msg := stanza.Message{
		Attrs: stanza.Attrs{
			From: from,
			To:   to,
			Type: "chat",
		},
		Body: body,
	}
	if err := s.Send(msg); err != nil {
		slog.Error("sending error message", "error", err)
	}
}

// ExtractUserID parses a user UUID from a JID like "user-<uuid>@domain".
func ExtractUserID(jid string) (uuid.UUID, error) {
	// Strip resource part (e.g., /resource)
	bare := jid
	if idx := strings.Index(jid, "/"); idx >= 0 {
		bare = jid[:idx]
	}

	local := bare
	if idx := strings.Index(bare, "@"); idx >= 0 {
		local = bare[:idx]
	}

	if !strings.HasPrefix(local, "user-") {
		return uuid.Nil, fmt.Errorf("JID %q does not match user-<uuid> format", jid)
	}

	id, err := uuid.Parse(strings.TrimPrefix(local, "user-"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user UUID in JID %q: %w", jid, err)
	}
	return id, nil
}

func extractDomain(jid string) string {
	bare := jid
	if idx := strings.Index(jid, "/"); idx >= 0 {
		bare = jid[:idx]
	}
	if idx := strings.Index(bare, "@"); idx >= 0 {
		return bare[idx+1:]
	}
	return bare
}

func domainAllowed(domain string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, d := range allowed {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// Package brain wraps reasoning providers behind a streaming interface.
package brain

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Chunk is one piece of streamed output. A chunk with Err set is always the
// last one sent before the channel closes.
type Chunk struct {
	Text string
	Err  error
}

// Provider generates a streamed reply to an ordered message list. System
// messages may appear anywhere; providers map them onto their own system
// instruction mechanism in order. Cancelling ctx stops the stream and closes
// the channel.
type Provider interface {
	GenerateStreaming(ctx context.Context, messages []Message) (<-chan Chunk, error)
}

// split separates system text from the conversational messages, merging
// consecutive same-role messages.
func split(messages []Message) ([]string, []Message) {
	var system []string
	var convo []Message
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		if n := len(convo); n > 0 && convo[n-1].Role == m.Role {
			convo[n-1].Content += "\n\n" + m.Content
			continue
		}
		convo = append(convo, m)
	}
	return system, convo
}

package brain

import (
	"context"
	"strings"
)

// Echo replies by repeating the last user message word by word. It lets the
// service run end to end without provider credentials.
type Echo struct{}

func (Echo) GenerateStreaming(ctx context.Context, messages []Message) (<-chan Chunk, error) {
	_, convo := split(messages)

	var last string
	for i := len(convo) - 1; i >= 0; i-- {
		if convo[i].Role == RoleUser {
			last = convo[i].Content
			break
		}
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		words := strings.Fields("You said: " + last)
		for i, w := range words {
			if i < len(words)-1 {
				w += " "
			}
			select {
			case out <- Chunk{Text: w}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmbedding is matched by every *Error.
var ErrEmbedding = errors.New("embedding failed")

// Provider converts text to a fixed-dimension vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions is the exact length of every vector Embed returns.
	Dimensions() int
}

// Error wraps a provider or network failure. Whether it is fatal is the
// caller's decision.
type Error struct {
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("embedding %s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrEmbedding }

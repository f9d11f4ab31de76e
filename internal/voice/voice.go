// Package voice connects the conversation orchestrator to a transcription
// source and a speech synthesizer.
package voice

import (
	"context"
	"errors"
)

// ErrClosed is returned once the underlying transport has gone away.
var ErrClosed = errors.New("voice: pipeline closed")

// Transcript is one recognition result. Partial results precede the final one.
type Transcript struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// Pipeline is the speech side of a session.
type Pipeline interface {
	// Listen streams transcripts until ctx is done or the source ends. The
	// channel is closed in both cases.
	Listen(ctx context.Context) (<-chan Transcript, error)
	// SpeakStream synthesizes chunks as they arrive and returns once playback
	// of the last chunk completes. Cancelling ctx stops playback.
	SpeakStream(ctx context.Context, chunks <-chan string) error
}

// Silent is a Pipeline for text-only channels. It never produces transcripts
// and discards everything it is asked to speak.
type Silent struct{}

func (Silent) Listen(ctx context.Context) (<-chan Transcript, error) {
	ch := make(chan Transcript)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (Silent) SpeakStream(ctx context.Context, chunks <-chan string) error {
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

package conversation

import (
	"time"

	"github.com/google/uuid"
)

// State is the orchestrator's position in a turn.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
	StateError     State = "error"
)

type EventType string

const (
	EventStateChanged    EventType = "state_changed"
	EventTranscript      EventType = "transcript"
	EventResponseChunk   EventType = "response_chunk"
	EventTurnCompleted   EventType = "turn_completed"
	EventTurnInterrupted EventType = "turn_interrupted"
	EventError           EventType = "error"
)

// Event is one entry of the orchestrator's ordered event stream.
type Event struct {
	Type           EventType  `json:"type"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	From           State      `json:"from,omitempty"`
	State          State      `json:"state,omitempty"`
	Text           string     `json:"text,omitempty"`
	IsFinal        bool       `json:"is_final,omitempty"`
	TurnID         *uuid.UUID `json:"turn_id,omitempty"`
	Message        string     `json:"message,omitempty"`
	At             time.Time  `json:"at"`
}

// userErrorMessage is what observers see when a turn fails.
const userErrorMessage = "Sorry, something went wrong. Please try again."

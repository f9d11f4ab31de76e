package nats

import (
	"time"

	"github.com/google/uuid"

	"github.com/aiox-platform/companion/internal/memory"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamEvents   = "COMPANION_EVENTS"
	StreamFindings = "COMPANION_FINDINGS"
)

// Subject constants.
const (
	SubjectTurnEvent  = "companion.events.turn"
	SubjectAuditEvent = "companion.events.audit"
	SubjectFindings   = "companion.findings.ecosystem"
)

// Turn outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
)

// TurnEvent is published when an assistant turn ends.
type TurnEvent struct {
	ConversationID uuid.UUID  `json:"conversation_id"`
	OwnerID        uuid.UUID  `json:"owner_id"`
	TurnID         *uuid.UUID `json:"turn_id,omitempty"`
	Outcome        string     `json:"outcome"`
	UserText       string     `json:"user_text"`
	AssistantText  string     `json:"assistant_text"`
	Channel        string     `json:"channel"`
	Timestamp      time.Time  `json:"timestamp"`
}

// AuditEvent is published for compliance/audit logging.
type AuditEvent struct {
	OwnerID      uuid.UUID      `json:"owner_id"`
	EventType    string         `json:"event_type"`
	Severity     string         `json:"severity"` // info, warn, error
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// FindingsReport carries one ecosystem scan to the reporting collaborator.
type FindingsReport struct {
	ScanID      uuid.UUID        `json:"scan_id"`
	RequestedBy uuid.UUID        `json:"requested_by"`
	Findings    []memory.Finding `json:"findings"`
	ScannedAt   time.Time        `json:"scanned_at"`
}

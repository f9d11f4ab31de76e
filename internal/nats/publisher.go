package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/aiox-platform/companion/internal/memory"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishTurn publishes the outcome of an assistant turn.
func (p *Publisher) PublishTurn(ctx context.Context, event TurnEvent) error {
	return p.publish(ctx, SubjectTurnEvent, event)
}

// PublishAuditEvent publishes an audit event.
func (p *Publisher) PublishAuditEvent(ctx context.Context, event AuditEvent) error {
	return p.publish(ctx, SubjectAuditEvent, event)
}

// PublishFindings hands ecosystem scan findings to the reporting collaborator.
func (p *Publisher) PublishFindings(ctx context.Context, report FindingsReport) error {
	return p.publish(ctx, SubjectFindings, report)
}

// ReportFindings wraps findings in a FindingsReport and publishes it.
func (p *Publisher) ReportFindings(ctx context.Context, requestedBy uuid.UUID, findings []memory.Finding) error {
	return p.PublishFindings(ctx, FindingsReport{
		ScanID:      uuid.New(),
		RequestedBy: requestedBy,
		Findings:    findings,
		ScannedAt:   time.Now().UTC(),
	})
}

// Audit publishes action as an audit event. Failures are logged and dropped
// so that auditing never fails the audited operation.
func (p *Publisher) Audit(ctx context.Context, ownerID uuid.UUID, action string, resourceID *uuid.UUID, details map[string]any) {
	event := AuditEvent{
		OwnerID:      ownerID,
		EventType:    action,
		Severity:     "info",
		ResourceType: resourceType(action),
		Details:      details,
		Timestamp:    time.Now().UTC(),
	}
	if resourceID != nil {
		event.ResourceID = resourceID.String()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.PublishAuditEvent(ctx, event); err != nil {
		slog.Error("publishing audit event", "error", err, "event_type", action, "owner_id", ownerID)
	}
}

// resourceType is the action prefix: "memory.deleted" is a "memory" event.
func resourceType(action string) string {
	if i := strings.Index(action, "."); i > 0 {
		return action[:i]
	}
	return action
}

func (p *Publisher) publish(ctx context.Context, subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	_, err = p.js.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

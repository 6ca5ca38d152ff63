// ABOUTME: Routing event model and the Publisher contract every sink implements
// ABOUTME: Events are emitted after a routing operation commits and never gate state changes

package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Type names a routing event.
type Type string

const (
	HandoffQueued         Type = "handoff.queued"
	HandoffAssigned       Type = "handoff.assigned"
	ConversationAccepted  Type = "conversation.accepted"
	ConversationResolved  Type = "conversation.resolved"
	ConversationAbandoned Type = "conversation.abandoned"
	TransferExpired       Type = "transfer.expired"
	OperatorStatusChanged Type = "operator.status_changed"
)

// Event is a committed routing state change.
type Event struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	OperatorID     string    `json:"operator_id,omitempty"`
	TransferID     string    `json:"transfer_id,omitempty"`
	Status         string    `json:"status,omitempty"`
	At             time.Time `json:"at"`
}

// Key returns the partitioning key for ordered sinks: the conversation, or the
// operator for operator-level events.
func (e Event) Key() string {
	if e.ConversationID != "" {
		return e.ConversationID
	}
	return e.OperatorID
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events to a sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Multi fans an event out to several publishers. Every publisher is tried;
// the returned error joins the individual failures.
type Multi []Publisher

// Publish sends the event to every publisher.
func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher. Pass nil logger for default.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "events")}
}

// Publish logs the event at info level.
func (p *LogPublisher) Publish(ctx context.Context, event Event) error {
	p.logger.InfoContext(ctx, "routing event",
		"type", event.Type,
		"tenant_id", event.TenantID,
		"conversation_id", event.ConversationID,
		"operator_id", event.OperatorID,
		"transfer_id", event.TransferID,
		"status", event.Status,
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error {
	return nil
}

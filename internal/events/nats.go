// ABOUTME: NATS sink for routing events
// ABOUTME: Publishes JSON events on <prefix>.<tenant>.<type> with a message ID header for dedupe

package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// natsConn is the part of *nats.Conn the publisher uses.
type natsConn interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NATSPublisher publishes events to a NATS server.
type NATSPublisher struct {
	nc     natsConn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to url. Subjects are rooted at prefix.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url missing")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events.nats")

	nc, err := nats.Connect(url,
		nats.Name("handoff-gateway"),
		nats.ReconnectWait(500*time.Millisecond),
		nats.MaxReconnects(-1),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	return newNATSPublisher(nc, prefix, logger), nil
}

func newNATSPublisher(nc natsConn, prefix string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "handoff"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(event Event) string {
	return strings.Join([]string{p.prefix, subjectToken(event.TenantID), string(event.Type)}, ".")
}

// Publish sends the event.
func (p *NATSPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := event.encode()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	msg := nats.NewMsg(p.Subject(event))
	msg.Data = body
	msg.Header.Set(nats.MsgIdHdr, event.ID)
	msg.Header.Set("Content-Type", "application/json")

	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing to nats: %w", err)
	}
	p.logger.Debug("published", "subject", msg.Subject, "event_id", event.ID)
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// subjectToken replaces characters that carry meaning in NATS subjects.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

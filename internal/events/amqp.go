// ABOUTME: RabbitMQ sink for routing events
// ABOUTME: Publishes persistent JSON messages to a topic exchange, routing key = event type

package events

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher publishes events to a RabbitMQ topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQPPublisher dials url and declares the durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = "handoff.events"
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declaring exchange: %w", err)
	}

	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "events.amqp"),
	}, nil
}

// Publish sends the event on a short-lived confirm-mode channel and waits for
// the broker acknowledgement.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	body, err := event.encode()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enabling confirms: %w", err)
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx, p.exchange, RoutingKey(event), false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     event.ID,
			CorrelationId: event.Key(),
			Timestamp:     event.At,
			Headers:       amqp.Table{"tenant_id": event.TenantID},
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("publishing to amqp: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked event %s", event.ID)
	}

	p.logger.Debug("published", "exchange", p.exchange, "key", RoutingKey(event))
	return nil
}

// Close closes the connection.
func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}

// RoutingKey is <type>.<tenant>, so consumers can bind on "handoff.#" or "*.*.<tenant>".
func RoutingKey(event Event) string {
	return string(event.Type) + "." + subjectToken(event.TenantID)
}

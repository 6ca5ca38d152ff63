// ABOUTME: Kafka sink for routing events
// ABOUTME: Sync producer keyed by conversation so one conversation's events stay ordered in a partition

package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Shopify/sarama"
)

// KafkaPublisher publishes events to a Kafka topic.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// KafkaConfig builds the producer configuration: acks from all replicas,
// hash partitioning on the message key.
func KafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "handoff-gateway"
	cfg.Version = sarama.V2_8_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 30 * time.Second
	cfg.Net.WriteTimeout = 30 * time.Second
	return cfg
}

// NewKafkaPublisher connects a sync producer to the brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers missing")
	}
	producer, err := sarama.NewSyncProducer(brokers, KafkaConfig())
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return newKafkaPublisher(producer, topic, logger.With("component", "events.kafka")), nil
}

func newKafkaPublisher(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = "handoff-events"
	}
	return &KafkaPublisher{producer: producer, topic: topic, logger: logger}
}

// Publish sends the event and waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := event.encode()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Key()),
		Value: sarama.ByteEncoder(body),
		Headers: []sarama.RecordHeader{
			{Key: []byte("type"), Value: []byte(event.Type)},
			{Key: []byte("tenant_id"), Value: []byte(event.TenantID)},
		},
		Timestamp: event.At,
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publishing to kafka: %w", err)
	}
	p.logger.Debug("published", "topic", p.topic, "partition", partition, "offset", offset)
	return nil
}

// Close flushes and closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// ABOUTME: Builds the external event sink selected in configuration
// ABOUTME: Drivers: none, log, nats, amqp, redis, kafka

package events

import (
	"context"
	"fmt"
	"log/slog"
)

// Supported external sink drivers
const (
	DriverNone  = "none"
	DriverLog   = "log"
	DriverNATS  = "nats"
	DriverAMQP  = "amqp"
	DriverRedis = "redis"
	DriverKafka = "kafka"
)

// Options selects and configures an external sink.
type Options struct {
	Driver   string
	URL      string   // nats, amqp, redis
	Subject  string   // nats subject prefix
	Exchange string   // amqp exchange
	Channel  string   // redis channel prefix
	Topic    string   // kafka topic
	Brokers  []string // kafka brokers
}

// Open returns the sink for opts.Driver, or nil for "none" / empty.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Publisher, error) {
	switch opts.Driver {
	case "", DriverNone:
		return nil, nil
	case DriverLog:
		return NewLogPublisher(logger), nil
	case DriverNATS:
		p, err := NewNATSPublisher(opts.URL, opts.Subject, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverAMQP:
		p, err := NewAMQPPublisher(opts.URL, opts.Exchange, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverRedis:
		p, err := NewRedisPublisher(ctx, opts.URL, opts.Channel, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverKafka:
		p, err := NewKafkaPublisher(opts.Brokers, opts.Topic, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown events driver %q", opts.Driver)
	}
}

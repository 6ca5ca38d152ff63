// ABOUTME: Redis pub/sub sink for routing events
// ABOUTME: PUBLISHes JSON events on <channel>:<tenant>

package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisClient is the part of *redis.Client the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes events with Redis PUBLISH.
type RedisPublisher struct {
	client  redisClient
	channel string
	logger  *slog.Logger
}

// NewRedisPublisher parses a redis:// URL, connects and pings the server.
func NewRedisPublisher(ctx context.Context, url, channel string, logger *slog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return newRedisPublisher(rdb, channel, logger.With("component", "events.redis")), nil
}

func newRedisPublisher(client redisClient, channel string, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = "handoff"
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

// Channel returns the pub/sub channel for a tenant.
func (p *RedisPublisher) Channel(tenantID string) string {
	return p.channel + ":" + tenantID
}

// Publish sends the event.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	body, err := event.encode()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	receivers, err := p.client.Publish(ctx, p.Channel(event.TenantID), body).Result()
	if err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	p.logger.Debug("published", "channel", p.Channel(event.TenantID), "receivers", receivers)
	return nil
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "outpost:events"

// redisPublisher is the subset of *redis.Client the sink needs.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisSink forwards hub announcements to a Redis pub/sub channel as JSON so
// other processes can follow sync progress.
type RedisSink struct {
	client  redisPublisher
	channel string
}

// NewRedisSink creates a sink publishing on channel.
func NewRedisSink(client redisPublisher, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel}
}

// NewRedisClient parses a redis:// URL and verifies the server is reachable.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Forward publishes one event.
func (s *RedisSink) Forward(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.Name, err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", e.Name, err)
	}
	return nil
}

// Run forwards every hub event until ctx is cancelled. Publish failures are
// logged and do not stop forwarding.
func (s *RedisSink) Run(ctx context.Context, hub *Hub) {
	ch, cancel := hub.Subscribe()
	defer cancel()

	slog.Info("forwarding events to redis", "component", "events", "channel", s.channel)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Forward(ctx, e); err != nil {
				slog.Warn("event forwarding failed",
					"component", "events",
					"event", string(e.Name),
					"error", err,
				)
			}
		}
	}
}

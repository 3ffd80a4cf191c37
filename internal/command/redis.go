package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisSubscriber feeds protocol lines published on a Redis channel into
// the queue.
type RedisSubscriber struct {
	log     *slog.Logger
	client  *redis.Client
	channel string
	queue   *Queue
}

// NewRedisSubscriber creates a subscriber. If log is nil, slog.Default() is
// used.
func NewRedisSubscriber(client *redis.Client, channel string, q *Queue, log *slog.Logger) *RedisSubscriber {
	if log == nil {
		log = slog.Default()
	}
	return &RedisSubscriber{
		log:     log.With("component", "redis-control", "channel", channel),
		client:  client,
		channel: channel,
		queue:   q,
	}
}

// Run subscribes and relays messages until ctx is cancelled.
func (s *RedisSubscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("command: redis subscribe %s: %w", s.channel, err)
	}
	s.log.Info("subscribed to control channel")
	return relay(ctx, pubsub.Channel(), s.queue, s.log)
}

// relay drains msgs into q. A message may hold several protocol lines;
// lines after an EXIT are dropped. It returns when ctx is cancelled or msgs
// closes.
func relay(ctx context.Context, msgs <-chan *redis.Message, q *Queue, log *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			for _, line := range strings.Split(msg.Payload, "\n") {
				if cmd, ok := Feed(ctx, q, line, "redis", log); ok && cmd.Kind == Stop {
					break
				}
			}
		}
	}
}

package upstream

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisSource subscribes to Redis pub/sub channels. Topics containing glob
// characters are subscribed with PSUBSCRIBE; the event key is always the
// concrete channel the message was published on.
type RedisSource struct {
	opts *redis.Options
}

func NewRedisSource(url string) (*RedisSource, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisSource{opts: opts}, nil
}

func (s *RedisSource) Name() string { return "redis" }

func (s *RedisSource) Connect(ctx context.Context) (Conn, error) {
	client := redis.NewClient(s.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &redisConn{client: client}, nil
}

type redisConn struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	pending []Notification // messages that arrived while waiting for acks
}

func isPattern(topic string) bool {
	return strings.ContainsAny(topic, "*?[")
}

func (c *redisConn) Listen(ctx context.Context, topics []string) error {
	// One acknowledgement is awaited per distinct topic.
	topics = slices.Compact(slices.Sorted(slices.Values(topics)))

	var channels, patterns []string
	for _, t := range topics {
		if isPattern(t) {
			patterns = append(patterns, t)
		} else {
			channels = append(channels, t)
		}
	}

	c.pubsub = c.client.Subscribe(ctx)
	if len(channels) > 0 {
		if err := c.pubsub.Subscribe(ctx, channels...); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	if len(patterns) > 0 {
		if err := c.pubsub.PSubscribe(ctx, patterns...); err != nil {
			return fmt.Errorf("psubscribe: %w", err)
		}
	}

	defer c.closeOnCancel(ctx)()

	// Wait for one acknowledgement per topic so Listening really means
	// subscribed.
	for acked := 0; acked < len(topics); {
		msg, err := c.pubsub.Receive(ctx)
		if err != nil {
			return fmt.Errorf("await subscription: %w", err)
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			acked++
		case *redis.Message:
			c.pending = append(c.pending, Notification{Topic: m.Channel, Payload: []byte(m.Payload)})
		}
	}
	return nil
}

func (c *redisConn) Next(ctx context.Context) (Notification, error) {
	if len(c.pending) > 0 {
		n := c.pending[0]
		c.pending = c.pending[1:]
		return n, nil
	}
	if c.pubsub == nil {
		return Notification{}, fmt.Errorf("not subscribed")
	}
	defer c.closeOnCancel(ctx)()
	msg, err := c.pubsub.ReceiveMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Notification{}, ctx.Err()
		}
		return Notification{}, err
	}
	return Notification{Topic: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

// closeOnCancel closes the subscription once ctx is done. go-redis reads
// pub/sub replies without a deadline and does not watch ctx, so closing the
// connection is the only way to end a blocked Receive.
func (c *redisConn) closeOnCancel(ctx context.Context) (stop func() bool) {
	ps := c.pubsub
	return context.AfterFunc(ctx, func() { _ = ps.Close() })
}

func (c *redisConn) Close() error {
	if c.pubsub != nil {
		_ = c.pubsub.Close()
	}
	return c.client.Close()
}

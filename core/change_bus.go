package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const DefaultChangeBusQueueSize = 1024

// RedisChangeBus fans changes out to every instance subscribed to the same redis
// channel. Changes published locally are relayed to local, like everyone else's,
// only once they come back from redis.
type RedisChangeBus struct {
	client  *redis.Client
	channel string
	local   ChangePublisher
	logger  *slog.Logger
	queue   chan Change
	ready   chan struct{}
}

type ChangeBusOption func(*RedisChangeBus)

func WithQueueSize(n int) ChangeBusOption {
	return func(b *RedisChangeBus) {
		b.queue = make(chan Change, n)
	}
}

func NewRedisChangeBus(client *redis.Client, channel string, local ChangePublisher, logger *slog.Logger, opts ...ChangeBusOption) *RedisChangeBus {
	b := &RedisChangeBus{
		client:  client,
		channel: channel,
		local:   publisherOrNop(local),
		logger:  logger.With(slog.String("component", "change_bus"), slog.String("channel", channel)),
		queue:   make(chan Change, DefaultChangeBusQueueSize),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish queues c for the sender. When the queue is full c is delivered to
// local subscribers only.
func (b *RedisChangeBus) Publish(c Change) {
	select {
	case b.queue <- c:
	default:
		b.logger.Warn("queue full, delivering change locally",
			slog.String("collection", string(c.Collection)), slog.String("room_id", c.RoomID))
		b.local.Publish(c)
	}
}

// Run subscribes to the channel and then sends queued changes and relays
// received ones until ctx is done.
func (b *RedisChangeBus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	close(b.ready)
	b.logger.Info("change bus subscribed")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-b.queue:
			b.send(ctx, c)
		case m, ok := <-messages:
			if !ok {
				return fmt.Errorf("subscription to %s closed", b.channel)
			}
			var c Change
			if err := json.Unmarshal([]byte(m.Payload), &c); err != nil {
				b.logger.Warn(fmt.Sprintf("malformed change: %v", err))
				continue
			}
			b.local.Publish(c)
		}
	}
}

func (b *RedisChangeBus) send(ctx context.Context, c Change) {
	payload, err := json.Marshal(c)
	if err != nil {
		b.logger.Error(fmt.Sprintf("marshal change: %v", err))
		return
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Error(fmt.Sprintf("publish change: %v", err))
		b.local.Publish(c)
	}
}

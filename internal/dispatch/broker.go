package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

// realtime channels are namespaced so the fan-out subscription does not see
// signal traffic.
const realtimePrefix = "rt:"

// RedisBroker moves messages between instances over Redis pub/sub.
type RedisBroker struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewRedisBroker(client redis.UniversalClient, logger *slog.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, realtimePrefix+channel, payload).Err()
}

// Run delivers every realtime message published by any instance until ctx ends.
func (b *RedisBroker) Run(ctx context.Context, deliver func(channel string, msg Message)) error {
	ps := b.client.PSubscribe(ctx, realtimePrefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Warn("broker_bad_payload", "channel", m.Channel, "error", err)
				continue
			}
			deliver(strings.TrimPrefix(m.Channel, realtimePrefix), msg)
		}
	}
}

// Notify sends a payload-less wake-up on channel.
func (b *RedisBroker) Notify(ctx context.Context, channel string) error {
	return b.client.Publish(ctx, channel, "1").Err()
}

// Listen subscribes to wake-ups on channel. The subscription is confirmed
// before Listen returns, so a Notify issued afterwards is never missed.
func (b *RedisBroker) Listen(ctx context.Context, channel string) (<-chan struct{}, func(), error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	out := make(chan struct{}, 1)
	go func() {
		for range ps.Channel() {
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, func() { ps.Close() }, nil
}

package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// SignalBus implements domain.SignalBus over Redis Pub/Sub. Delivery is
// fire-and-forget; subscribers that need the full state re-read the ledger.
type SignalBus struct {
	client *Client
	buffer int
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{client: c, buffer: 128}
}

// Publish sends a payload to channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.client.rdb.Publish(ctx, sb.client.Key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe creates a subscription and returns a channel of payloads. Glob
// patterns such as "participants:*" use PSUBSCRIBE. The subscription and the
// returned channel are closed when ctx is cancelled.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := sb.client.Key(channel)
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = sb.client.rdb.PSubscribe(ctx, name)
	} else {
		pubsub = sb.client.rdb.Subscribe(ctx, name)
	}

	// Wait for the subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, sb.buffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// hasPattern returns true when the channel includes glob-style wildcards.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// Compile-time interface check.
var _ domain.SignalBus = (*SignalBus)(nil)

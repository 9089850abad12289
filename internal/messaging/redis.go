package messaging

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/acces/alumni-chat/internal/metrics"
)

// RedisBus carries envelopes over Redis PUBLISH/SUBSCRIBE.
type RedisBus struct {
	client  *redis.Client
	backoff Backoff
}

// NewRedisBus creates a bus on an existing Redis client. The client is
// shared with other stores and is not closed by Close.
func NewRedisBus(client *redis.Client, backoff Backoff) *RedisBus {
	return &RedisBus{client: client, backoff: backoff}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: redis publish %s: %v", ErrBusUnavailable, channel, err)
	}
	return nil
}

// Subscribe runs a reconnect-and-resubscribe loop. A dropped subscription
// is re-established after a backoff delay that resets once a subscription
// is confirmed again.
func (b *RedisBus) Subscribe(ctx context.Context, channels []string, handler Handler) error {
	attempt := 0
	for {
		err := b.subscribeOnce(ctx, channels, handler, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}

		delay := b.backoff.Delay(attempt)
		attempt++
		metrics.BusReconnectsTotal.WithLabelValues("redis").Inc()
		log.Printf("[bus] redis subscription lost: %v (resubscribing in %s, attempt %d)", err, delay, attempt)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func (b *RedisBus) subscribeOnce(ctx context.Context, channels []string, handler Handler, onReady func()) error {
	ps := b.client.Subscribe(ctx, channels...)
	defer ps.Close()

	// Wait for the subscription confirmation before reading messages.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("%w: redis subscribe: %v", ErrBusUnavailable, err)
	}
	onReady()
	log.Printf("[bus] redis subscribed to %v", channels)

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("%w: redis receive: %v", ErrBusUnavailable, err)
		}
		handler(msg.Channel, []byte(msg.Payload))
	}
}

func (b *RedisBus) Close() error {
	return nil
}

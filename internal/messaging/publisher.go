package messaging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/acces/alumni-chat/internal/chat"
	"github.com/acces/alumni-chat/internal/metrics"
)

// DefaultPublishTimeout bounds a single publish call.
const DefaultPublishTimeout = 2 * time.Second

// Publisher turns committed store mutations into bus envelopes. It is the
// only publish path used by both the socket gateway and the HTTP handlers.
type Publisher struct {
	bus     Bus
	timeout time.Duration
}

// NewPublisher creates a Publisher. A zero timeout uses DefaultPublishTimeout.
func NewPublisher(bus Bus, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Publisher{bus: bus, timeout: timeout}
}

// PublishNewMessage announces a freshly appended message.
func (p *Publisher) PublishNewMessage(ctx context.Context, msg *chat.Message) error {
	data, err := EncodeNewMessage(msg)
	if err != nil {
		return err
	}
	return p.publish(ctx, ChannelMessages, data)
}

// PublishUpdated announces an edited message.
func (p *Publisher) PublishUpdated(ctx context.Context, msg *chat.Message) error {
	data, err := EncodeEvent(EventMessageUpdated, UpdatedData{Message: *msg, Edited: true})
	if err != nil {
		return err
	}
	return p.publish(ctx, ChannelEvents, data)
}

// PublishDeleted announces a deleted message.
func (p *Publisher) PublishDeleted(ctx context.Context, id string) error {
	data, err := EncodeEvent(EventMessageDeleted, DeletedData{ID: id})
	if err != nil {
		return err
	}
	return p.publish(ctx, ChannelEvents, data)
}

// PublishCleared announces that the whole history was removed.
func (p *Publisher) PublishCleared(ctx context.Context) error {
	data, err := EncodeEvent(EventMessagesCleared, struct{}{})
	if err != nil {
		return err
	}
	return p.publish(ctx, ChannelEvents, data)
}

// Publish sends a raw payload, blocking until the bus accepts it or the
// publish timeout elapses.
func (p *Publisher) Publish(ctx context.Context, channel string, data []byte) error {
	return p.publish(ctx, channel, data)
}

// PublishAsync performs Publish on its own goroutine. The returned channel
// receives exactly one result.
func (p *Publisher) PublishAsync(ctx context.Context, channel string, data []byte) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- p.publish(ctx, channel, data)
	}()
	return done
}

func (p *Publisher) publish(ctx context.Context, channel string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.bus.Publish(ctx, channel, data)
	metrics.BusPublishLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.BusPublishTotal.WithLabelValues(channel, "error").Inc()
		log.Printf("[bus] publish %s failed: %v", channel, err)
		if !errors.Is(err, ErrBusUnavailable) {
			err = fmt.Errorf("%w: %v", ErrBusUnavailable, err)
		}
		return err
	}
	metrics.BusPublishTotal.WithLabelValues(channel, "ok").Inc()
	return nil
}

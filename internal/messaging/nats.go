package messaging

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/acces/alumni-chat/internal/metrics"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
	PendingMsgs   int           // subscriber channel capacity
	Backoff       Backoff       // used when the connection is closed for good
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "alumni-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
		PendingMsgs:   4096,
		Backoff:       DefaultBackoff(),
	}
}

// NATSBus carries envelopes over core NATS subjects. The client library
// reconnects and replays subscriptions on its own; NATSBus additionally
// redials when the connection is closed outright.
type NATSBus struct {
	config NATSConfig

	mu     sync.Mutex
	conn   *nats.Conn
	closed bool
}

// NewNATSBus connects to NATS with the given config and returns a ready bus.
// It returns an error if the initial connection fails.
func NewNATSBus(config NATSConfig) (*NATSBus, error) {
	b := &NATSBus{config: config}
	nc, err := b.dial()
	if err != nil {
		return nil, err
	}
	b.conn = nc
	return b, nil
}

func (b *NATSBus) dial() (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(b.config.Name),
		nats.ReconnectWait(b.config.ReconnectWait),
		nats.MaxReconnects(b.config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.BusReconnectsTotal.WithLabelValues("nats").Inc()
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Printf("[nats] async error subject=%s: %v", subject, err)
		}),
	}

	nc, err := nats.Connect(b.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect: %v", ErrBusUnavailable, err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return nc, nil
}

// current returns a live connection, redialing if the previous one was closed.
func (b *NATSBus) current() (*nats.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("%w: nats bus closed", ErrBusUnavailable)
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	nc, err := b.dial()
	if err != nil {
		return nil, err
	}
	b.conn = nc
	return nc, nil
}

func (b *NATSBus) Publish(ctx context.Context, channel string, payload []byte) error {
	nc, err := b.current()
	if err != nil {
		return err
	}
	if err := nc.Publish(channel, payload); err != nil {
		return fmt.Errorf("%w: nats publish %s: %v", ErrBusUnavailable, channel, err)
	}
	// Flush so a transport failure surfaces to the caller instead of being
	// buffered silently.
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: nats flush %s: %v", ErrBusUnavailable, channel, err)
	}
	return nil
}

// Subscribe feeds every channel into one Go channel so that a single loop
// delivers them, preserving per-subject order.
func (b *NATSBus) Subscribe(ctx context.Context, channels []string, handler Handler) error {
	attempt := 0
	for {
		err := b.subscribeOnce(ctx, channels, handler, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}

		delay := b.config.Backoff.Delay(attempt)
		attempt++
		metrics.BusReconnectsTotal.WithLabelValues("nats").Inc()
		log.Printf("[nats] subscription lost: %v (resubscribing in %s, attempt %d)", err, delay, attempt)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

func (b *NATSBus) subscribeOnce(ctx context.Context, channels []string, handler Handler, onReady func()) error {
	nc, err := b.current()
	if err != nil {
		return err
	}

	msgs := make(chan *nats.Msg, b.config.PendingMsgs)
	subs := make([]*nats.Subscription, 0, len(channels))
	defer func() {
		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil && !nc.IsClosed() {
				log.Printf("[nats] unsubscribe %s: %v", sub.Subject, err)
			}
		}
	}()

	for _, ch := range channels {
		sub, err := nc.ChanSubscribe(ch, msgs)
		if err != nil {
			return fmt.Errorf("%w: nats subscribe %s: %v", ErrBusUnavailable, ch, err)
		}
		subs = append(subs, sub)
	}
	onReady()
	log.Printf("[nats] subscribed to %v", channels)

	// The library replays subscriptions across reconnects; only a closed
	// connection needs a fresh subscribe.
	check := time.NewTicker(time.Second)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			handler(msg.Subject, msg.Data)
		case <-check.C:
			if nc.IsClosed() {
				return fmt.Errorf("%w: nats connection closed", ErrBusUnavailable)
			}
		}
	}
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
		return err
	}
	log.Printf("[nats] client closed")
	return nil
}

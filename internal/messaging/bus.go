// Package messaging is the cross-instance broadcast bus of the chat relay.
//
// Every chat mutation, whether it came from a live socket or from an HTTP
// request, is published here after it is committed, and every server
// instance re-emits what it receives to its own connections. Local delivery
// goes through the bus too, including on the publishing instance.
package messaging

import (
	"context"
	"errors"
	"time"
)

// Bus channels.
const (
	ChannelMessages = "chat_messages" // new-message payloads
	ChannelEvents   = "chat_events"   // message_updated / message_deleted / messages_cleared
)

// ErrBusUnavailable wraps every publish or subscribe transport failure.
var ErrBusUnavailable = errors.New("messaging: bus unavailable")

// Handler receives one payload from a subscribed channel.
type Handler func(channel string, payload []byte)

// Bus is a publish/subscribe transport with per-channel publish ordering.
type Bus interface {
	// Publish sends payload to every subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe delivers payloads from channels to handler, one at a time,
	// until ctx is done. A lost transport is re-established and the
	// subscription resumed; Subscribe only returns once ctx is done.
	Subscribe(ctx context.Context, channels []string, handler Handler) error

	// Close releases the transport.
	Close() error
}

// Backoff computes reconnect delays.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff returns sensible defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 250 * time.Millisecond,
		Max:     10 * time.Second,
	}
}

// Delay returns the wait before reconnect attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max || d <= 0 {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// sleep waits for d or until ctx is done. It reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

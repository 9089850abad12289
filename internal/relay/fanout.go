package relay

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/acces/alumni-chat/internal/messaging"
	"github.com/acces/alumni-chat/internal/metrics"
	"github.com/acces/alumni-chat/internal/protocol"
)

// Fanout re-emits bus envelopes to the local chat room. One Fanout runs per
// process and is the only writer of chat deliveries to local connections.
type Fanout struct {
	transport Transport
	room      string
}

// NewFanout creates a Fanout delivering to RoomChat on t.
func NewFanout(t Transport) *Fanout {
	return &Fanout{transport: t, room: RoomChat}
}

// Run subscribes to both chat channels and blocks until ctx is done. The
// bus keeps the subscription alive across transport failures.
func (f *Fanout) Run(ctx context.Context, bus messaging.Bus) error {
	log.Printf("[fanout] subscribing to %s, %s", messaging.ChannelMessages, messaging.ChannelEvents)
	return bus.Subscribe(ctx, []string{messaging.ChannelMessages, messaging.ChannelEvents}, f.Handle)
}

// Handle delivers one envelope. Bad envelopes are logged and skipped; a
// panic is recovered so the subscription keeps running.
func (f *Fanout) Handle(channel string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[fanout] panic handling %s envelope: %v\n%s", channel, r, debug.Stack())
		}
	}()

	frameType, frame, err := f.frame(channel, payload)
	if err != nil {
		log.Printf("[fanout] dropping %s envelope: %v", channel, err)
		metrics.FanoutTotal.WithLabelValues("invalid").Inc()
		return
	}

	f.transport.BroadcastRoom(f.room, frame)
	metrics.FanoutTotal.WithLabelValues(frameType).Inc()
}

func (f *Fanout) frame(channel string, payload []byte) (string, []byte, error) {
	switch channel {
	case messaging.ChannelMessages:
		msg, err := messaging.DecodeNewMessage(payload)
		if err != nil {
			return "", nil, err
		}
		frame, err := protocol.NewServerMessage(protocol.TypeMessage, msg)
		return protocol.TypeMessage, frame, err

	case messaging.ChannelEvents:
		ev, err := messaging.DecodeEvent(payload)
		if err != nil {
			return "", nil, err
		}
		frameType := eventFrameType(ev.Event)
		frame, err := protocol.NewServerMessage(frameType, ev.Data)
		return frameType, frame, err
	}
	return "", nil, fmt.Errorf("relay: unknown channel %q", channel)
}

func eventFrameType(kind messaging.EventKind) string {
	switch kind {
	case messaging.EventMessageUpdated:
		return protocol.TypeMessageUpdated
	case messaging.EventMessageDeleted:
		return protocol.TypeMessageDeleted
	default:
		return protocol.TypeMessagesCleared
	}
}

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acces/alumni-chat/internal/chat"
)

type received struct {
	channel string
	payload []byte
}

// collect subscribes to bus in the background and records every delivery.
func collect(t *testing.T, bus *MemoryBus, channels ...string) (func() []received, context.CancelFunc) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []received
	)
	ctx, cancel := context.WithCancel(context.Background())
	before := bus.Subscribers()
	go bus.Subscribe(ctx, channels, func(channel string, payload []byte) {
		mu.Lock()
		got = append(got, received{channel, payload})
		mu.Unlock()
	})
	require.Eventually(t, func() bool { return bus.Subscribers() == before+1 }, time.Second, time.Millisecond)

	return func() []received {
		mu.Lock()
		defer mu.Unlock()
		out := make([]received, len(got))
		copy(out, got)
		return out
	}, cancel
}

func TestMemoryBus_FanOutInPublishOrder(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	first, stop1 := collect(t, bus, ChannelMessages, ChannelEvents)
	defer stop1()
	second, stop2 := collect(t, bus, ChannelEvents)
	defer stop2()

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.Publish(ctx, ChannelMessages, []byte(p)))
	}
	require.NoError(t, bus.Publish(ctx, ChannelEvents, []byte("e")))

	require.Eventually(t, func() bool { return len(first()) == 4 }, time.Second, time.Millisecond)
	got := first()
	require.Equal(t, "a", string(got[0].payload))
	require.Equal(t, "b", string(got[1].payload))
	require.Equal(t, "c", string(got[2].payload))
	require.Equal(t, ChannelEvents, got[3].channel)

	require.Eventually(t, func() bool { return len(second()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "e", string(second()[0].payload))
}

func TestMemoryBus_BlockedPublishDoesNotHoldTheBus(t *testing.T) {
	bus := NewMemoryBus()

	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	busy := make(chan struct{}, 1)
	slowCtx, stopSlow := context.WithCancel(context.Background())
	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		bus.Subscribe(slowCtx, []string{ChannelMessages}, func(string, []byte) {
			select {
			case busy <- struct{}{}:
			default:
			}
			<-release
		})
	}()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, time.Millisecond)
	defer func() {
		stopSlow()
		unblock()
		<-slowDone
	}()

	// One message occupies the handler, the rest fill the queue.
	require.NoError(t, bus.Publish(context.Background(), ChannelMessages, []byte("first")))
	<-busy
	for i := 0; i < memoryQueueSize; i++ {
		require.NoError(t, bus.Publish(context.Background(), ChannelMessages, []byte("fill")))
	}

	pubCtx, cancelPub := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPub()
	overflow := make(chan error, 1)
	go func() { overflow <- bus.Publish(pubCtx, ChannelMessages, []byte("overflow")) }()

	// While that publish waits, other subscribers can still join and leave.
	got, stop := collect(t, bus, ChannelEvents)
	require.NoError(t, bus.Publish(context.Background(), ChannelEvents, []byte("e")))
	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, time.Millisecond)
	stop()
	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, time.Millisecond)

	// The waiting publish gives up on a subscriber that has gone away.
	stopSlow()
	unblock()
	select {
	case err := <-overflow:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publish kept waiting on a departed subscriber")
	}
}

func TestMemoryBus_Closed(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), ChannelMessages, []byte("x"))
	require.ErrorIs(t, err, ErrBusUnavailable)
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{100, time.Second},
	}
	for _, tc := range cases {
		if got := b.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestEventRoundTrip(t *testing.T) {
	msg := &chat.Message{
		ID:         "m-1",
		SenderID:   "u-alice",
		SenderName: "Alice Smith",
		Text:       "hello world",
		CreatedAt:  time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}

	payload, err := EncodeEvent(EventMessageUpdated, UpdatedData{Message: *msg, Edited: true})
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &wire))
	require.Equal(t, "message_updated", wire["event"])
	data := wire["data"].(map[string]interface{})
	require.Equal(t, "m-1", data["id"])
	require.Equal(t, "Alice Smith", data["sender"])
	require.Equal(t, "u-alice", data["sender_id"])
	require.Equal(t, true, data["edited"])
	require.Equal(t, "2026-03-14T09:00:00Z", data["timestamp"])

	ev, err := DecodeEvent(payload)
	require.NoError(t, err)
	require.Equal(t, EventMessageUpdated, ev.Event)
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"event":"messages_cleared"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(ev.Data))

	_, err = DecodeEvent([]byte(`{"event":"something_else","data":{}}`))
	require.Error(t, err)

	_, err = DecodeEvent([]byte(`not json`))
	require.Error(t, err)
}

func TestDecodeNewMessage(t *testing.T) {
	msg, err := DecodeNewMessage([]byte(`{"id":"m-1","sender":"Alice Smith","sender_id":"u-alice","text":"hi","timestamp":"2026-03-14T09:00:00Z"}`))
	require.NoError(t, err)
	require.Equal(t, "Alice Smith", msg.SenderName)
	require.Equal(t, "hi", msg.Text)

	_, err = DecodeNewMessage([]byte(`{"text":"no id"}`))
	require.Error(t, err)
}

// failingBus rejects every publish.
type failingBus struct{}

func (failingBus) Publish(context.Context, string, []byte) error {
	return errors.New("connection refused")
}
func (failingBus) Subscribe(ctx context.Context, _ []string, _ Handler) error {
	<-ctx.Done()
	return nil
}
func (failingBus) Close() error { return nil }

func TestPublisher_WrapsTransportErrors(t *testing.T) {
	p := NewPublisher(failingBus{}, 0)

	err := p.PublishDeleted(context.Background(), "m-1")
	require.ErrorIs(t, err, ErrBusUnavailable)
}

func TestPublisher_Channels(t *testing.T) {
	bus := NewMemoryBus()
	got, stop := collect(t, bus, ChannelMessages, ChannelEvents)
	defer stop()

	p := NewPublisher(bus, time.Second)
	ctx := context.Background()
	msg := &chat.Message{ID: "m-1", SenderID: "u-alice", SenderName: "Alice Smith", Text: "hi", CreatedAt: time.Now().UTC()}

	require.NoError(t, p.PublishNewMessage(ctx, msg))
	require.NoError(t, p.PublishUpdated(ctx, msg))
	require.NoError(t, p.PublishDeleted(ctx, msg.ID))
	require.NoError(t, p.PublishCleared(ctx))

	require.Eventually(t, func() bool { return len(got()) == 4 }, time.Second, time.Millisecond)
	all := got()
	require.Equal(t, ChannelMessages, all[0].channel)
	for _, r := range all[1:] {
		require.Equal(t, ChannelEvents, r.channel)
	}

	cleared, err := DecodeEvent(all[3].payload)
	require.NoError(t, err)
	require.Equal(t, EventMessagesCleared, cleared.Event)
	require.JSONEq(t, `{}`, string(cleared.Data))
}

func TestPublisher_PublishAsync(t *testing.T) {
	bus := NewMemoryBus()
	got, stop := collect(t, bus, ChannelMessages)
	defer stop()

	p := NewPublisher(bus, time.Second)
	select {
	case err := <-p.PublishAsync(context.Background(), ChannelMessages, []byte(`{"id":"m-1"}`)):
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("PublishAsync never reported")
	}
	require.Eventually(t, func() bool { return len(got()) == 1 }, time.Second, time.Millisecond)

	err := <-NewPublisher(failingBus{}, 0).PublishAsync(context.Background(), ChannelEvents, []byte(`{}`))
	require.ErrorIs(t, err, ErrBusUnavailable)
}

package messaging

import (
	"context"
	"fmt"
	"sync"
)

const memoryQueueSize = 1024

// MemoryBus is an in-process Bus. Every subscriber gets its own ordered
// queue; several relays in one process can share one MemoryBus to behave
// like separate instances on a real transport.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	channels map[string]bool
	queue    chan memoryMsg
	gone     chan struct{}
}

type memoryMsg struct {
	channel string
	payload []byte
}

// NewMemoryBus creates an empty MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[*memorySub]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("%w: memory bus closed", ErrBusUnavailable)
	}
	targets := make([]*memorySub, 0, len(b.subs))
	for sub := range b.subs {
		if sub.channels[channel] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	data := make([]byte, len(payload))
	copy(data, payload)

	for _, sub := range targets {
		select {
		case sub.queue <- memoryMsg{channel: channel, payload: data}:
		case <-sub.gone:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrBusUnavailable, ctx.Err())
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channels []string, handler Handler) error {
	sub := &memorySub{
		channels: make(map[string]bool, len(channels)),
		queue:    make(chan memoryMsg, memoryQueueSize),
		gone:     make(chan struct{}),
	}
	for _, ch := range channels {
		sub.channels[ch] = true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: memory bus closed", ErrBusUnavailable)
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	defer func() {
		close(sub.gone)
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-sub.queue:
			handler(msg.channel, msg.payload)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

package events

import (
	"sync"
)

// Bus is a channel-based pub-sub event bus. Publishing never blocks the
// loop: a subscriber that falls behind loses events rather than stalling
// execution.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to every topic
	closed  bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe creates a subscription to a specific topic. bufSize determines
// the channel buffer size (defaults to 256 if <= 0).
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := make(chan Event, normalizeBuf(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll creates a subscription that receives events from every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	ch := make(chan Event, normalizeBuf(bufSize))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Publish sends an event to the topic's subscribers and to all-topic
// subscribers. If a subscriber's channel is full the event is dropped for
// that subscriber.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the bus and every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}

func normalizeBuf(bufSize int) int {
	if bufSize <= 0 {
		return 256
	}
	return bufSize
}

package events

import (
	"sync"
)

// topicAll subscribes a channel to every topic.
const topicAll = "*"

// Bus is a channel-based pub-sub event bus. Publishing never blocks: a
// subscriber whose channel is full misses the event, which is why the
// durable audit log in the store, not the bus, is the record of truth.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe creates a subscription to a specific topic. bufSize defaults to
// 256 if <= 0.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.subscribe(topic, bufSize)
}

// SubscribeAll creates a subscription to every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	return b.subscribe(topicAll, bufSize)
}

func (b *Bus) subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish sends an event to subscribers of the topic and to all-topic
// subscribers. Non-blocking; full channels drop the event.
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
	for _, ch := range b.subs[topicAll] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the bus and all subscriber channels. Idempotent.
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
}

package events

import (
	"context"
	"sync"
	"time"

	"github.com/quizlab/merit/pkg/metrics"
)

// Default bus configuration constants.
const (
	defaultSubscriberBuffer = 1024
)

// Bus publishes domain events to independently registered subscribers.
type Bus interface {
	// Publish delivers e to every matching subscriber without blocking.
	// Returns false if the bus is closed or any subscriber dropped the event.
	Publish(ctx context.Context, e Event) bool

	// Subscribe registers for the given topics (all topics when empty) and
	// returns the delivery channel plus an unsubscribe function.
	Subscribe(topics ...Topic) (<-chan Event, func())

	// Close shuts the bus down and closes all subscriber channels.
	Close() error
}

// subscriber is one registered consumer.
type subscriber struct {
	ch     chan Event
	topics map[Topic]struct{} // nil means all topics
}

func (s *subscriber) wants(topic Topic) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// InMemoryBus implements Bus on buffered channels.
type InMemoryBus struct {
	bufferSize int

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

// Option applies a configuration option to the InMemoryBus.
type Option func(*InMemoryBus)

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(size int) Option {
	return func(b *InMemoryBus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// NewInMemoryBus creates an in-memory bus with configuration options.
func NewInMemoryBus(opts ...Option) *InMemoryBus {
	b := &InMemoryBus{
		bufferSize: defaultSubscriberBuffer,
		subs:       make(map[*subscriber]struct{}),
	}

	// Apply all options
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Publish delivers e to every matching subscriber without blocking.
func (b *InMemoryBus) Publish(ctx context.Context, e Event) bool {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false
	}

	delivered := true
	for sub := range b.subs {
		if !sub.wants(e.Topic) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Subscriber buffer full: drop rather than block the publisher.
			metrics.RecordBusDropped(string(e.Topic))
			delivered = false
		}
	}

	metrics.RecordBusPublished(string(e.Topic))
	return delivered
}

// Subscribe registers for the given topics.
func (b *InMemoryBus) Subscribe(topics ...Topic) (<-chan Event, func()) {
	sub := &subscriber{
		ch: make(chan Event, b.bufferSize),
	}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sub] = struct{}{}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
		})
	}
	return sub.ch, unsubscribe
}

// Close shuts the bus down and closes all subscriber channels.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil // already closed
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
	return nil
}

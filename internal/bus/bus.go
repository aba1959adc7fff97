// Package bus provides the in-process event bus used by the agent runtime.
//
// Publishers enqueue typed events; subscribers receive them on a batched
// flush cadence (~16ms). Delivery is FIFO per topic. Handlers run on the
// flush goroutine and must not block; a panicking handler is logged and
// dropped without affecting other subscribers.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultFlushInterval is the batching cadence for event delivery.
const DefaultFlushInterval = 16 * time.Millisecond

// Event is anything that can be published on the bus. Topic groups events
// for subscription; ordering is guaranteed only within a topic.
type Event interface {
	Topic() string
}

// Handler receives events for a subscribed topic.
type Handler func(Event)

// Bus is the in-process pub/sub fabric.
type Bus struct {
	mu    sync.Mutex
	subs  map[string][]Handler
	queue []Event

	flushEvery time.Duration
	wake       chan struct{}
	done       chan struct{}
	closed     bool
}

// New creates a bus and starts its flush loop.
func New() *Bus {
	return NewWithInterval(DefaultFlushInterval)
}

// NewWithInterval creates a bus with a custom flush cadence (tests use a
// short interval to avoid sleeping).
func NewWithInterval(every time.Duration) *Bus {
	b := &Bus{
		subs:       make(map[string][]Handler),
		flushEvery: every,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe registers a handler for a topic. Registration order is delivery
// order for handlers on the same topic.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish enqueues an event for delivery on the next flush. It never blocks
// on subscribers.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, e)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close stops the flush loop after draining pending events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
}

func (b *Bus) run() {
	ticker := time.NewTicker(b.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			b.flush()
			return
		case <-b.wake:
			// Coalesce with the ticker: wait for the batch window instead
			// of flushing immediately on every publish.
			select {
			case <-ticker.C:
			case <-b.done:
				b.flush()
				return
			}
			b.flush()
		case <-ticker.C:
			b.flush()
		}
	}
}

func (b *Bus) flush() {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, e := range batch {
		b.mu.Lock()
		handlers := make([]Handler, len(b.subs[e.Topic()]))
		copy(handlers, b.subs[e.Topic()])
		b.mu.Unlock()

		for _, h := range handlers {
			b.deliver(h, e)
		}
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "topic", e.Topic(), "panic", r)
		}
	}()
	h(e)
}

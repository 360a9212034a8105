// Package bus implements the internal, best-effort event bus described in
// spec §6.4: a fan-out of BusEvent to every subscriber over a buffered
// channel. No subscriber's correctness may depend on receiving every
// event — the event store remains the source of truth (property P5).
package bus

import (
	"sync"

	"github.com/posedge/engine/internal/core"
	"github.com/posedge/engine/pkg/concurrency"
)

const subscriberBuffer = 128

// Bus implements core.IEventBus with per-subscriber buffered channels.
// A slow subscriber only ever loses its own events (drop-oldest), never
// blocks the publisher or other subscribers. Fan-out itself runs on a
// bounded worker pool so one publisher goroutine never has to iterate
// every subscriber inline, and a panicking subscriber send can't take the
// bus down with it.
type Bus struct {
	logger core.ILogger
	pool   *concurrency.WorkerPool

	mu          sync.Mutex
	subscribers map[int64]chan core.BusEvent
	nextId      int64
}

// New builds an empty Bus.
func New(logger core.ILogger) *Bus {
	l := logger.WithField("component", "event_bus")
	return &Bus{
		logger:      l,
		pool:        concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "event_bus_fanout", MaxWorkers: 8, MaxCapacity: 1024}, l),
		subscribers: make(map[int64]chan core.BusEvent),
	}
}

// Publish fans ev out to every current subscriber. A full subscriber
// channel drops the oldest queued event to make room, logging a warning —
// never blocks.
func (b *Bus) Publish(ev core.BusEvent) {
	b.mu.Lock()
	targets := make(map[int64]chan core.BusEvent, len(b.subscribers))
	for id, ch := range b.subscribers {
		targets[id] = ch
	}
	b.mu.Unlock()

	for id, ch := range targets {
		id, ch := id, ch
		if err := b.pool.Submit(func() { b.deliver(id, ch, ev) }); err != nil {
			b.logger.Warn("fan-out pool rejected delivery, dropping event", "subscriber_id", id, "event_type", ev.Type, "error", err)
		}
	}
}

func (b *Bus) deliver(id int64, ch chan core.BusEvent, ev core.BusEvent) {
	select {
	case ch <- ev:
	default:
		select {
		case <-ch:
			b.logger.Warn("subscriber channel full, dropped oldest event", "subscriber_id", id, "event_type", ev.Type)
		default:
		}
		select {
		case ch <- ev:
		default:
			b.logger.Warn("subscriber channel saturated, dropping event", "subscriber_id", id, "event_type", ev.Type)
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function that unregisters it and closes the channel.
func (b *Bus) Subscribe() (<-chan core.BusEvent, func()) {
	b.mu.Lock()
	id := b.nextId
	b.nextId++
	ch := make(chan core.BusEvent, subscriberBuffer)
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
	// A deliver task queued just before cancel runs can still fire a send on
	// the now-closed channel; the pool's panic handler recovers and logs it
	// rather than taking the bus down.
	return ch, cancel
}

var _ core.IEventBus = (*Bus)(nil)

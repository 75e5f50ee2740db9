// Package eventbus implements the ready-gated event delivery used to push
// device lifecycle notifications to a connected frontend. It is grounded
// directly on the original Tauri host's commands/events.rs: events raised
// before the frontend signals readiness are queued, not dropped, and the
// readiness signal itself fires its flush exactly once.
package eventbus

import (
	"log"
	"sync"
	"time"
)

// QueuedEvent is one buffered notification awaiting a ready frontend.
type QueuedEvent struct {
	Name      string
	Payload   any
	Timestamp int64
}

// Sink receives events once the bus is ready to deliver them. The host
// API's SSE endpoint is the production Sink; tests use an in-memory one.
type Sink interface {
	Send(name string, payload any)
}

// Bus holds events until a frontend announces readiness, then delivers
// every subsequent event immediately. The transition from not-ready to
// ready happens at most once per Bus.
type Bus struct {
	mu        sync.Mutex
	ready     bool
	readyOnce sync.Once
	queued    []QueuedEvent
	sink      Sink
}

// New returns a Bus with no attached sink. FrontendReady attaches the sink
// it is given and flushes the queue to it; SetSink replaces the sink that
// later events are delivered to.
func New() *Bus {
	return &Bus{}
}

// SetSink attaches the delivery target. Call once, before traffic starts.
func (b *Bus) SetSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// EmitOrQueue delivers name/payload immediately if the frontend is ready,
// or appends it to the queue otherwise.
func (b *Bus) EmitOrQueue(name string, payload any) {
	b.mu.Lock()
	if !b.ready {
		b.queued = append(b.queued, QueuedEvent{Name: name, Payload: payload, Timestamp: time.Now().Unix()})
		n := len(b.queued)
		b.mu.Unlock()
		log.Printf("eventbus: queued event %s (total queued: %d)", name, n)
		return
	}
	sink := b.sink
	b.mu.Unlock()

	if sink != nil {
		sink.Send(name, payload)
	}
}

// FrontendReady marks the bus ready and flushes every queued event, in
// order, to sink. A second call is a no-op: the Rust original explicitly
// guards against a duplicate ready signal re-flushing or double-emitting.
func (b *Bus) FrontendReady(sink Sink) {
	b.readyOnce.Do(func() {
		b.mu.Lock()
		b.sink = sink
		b.ready = true
		queued := b.queued
		b.queued = nil
		b.mu.Unlock()

		if len(queued) > 0 {
			log.Printf("eventbus: flushing %d queued events", len(queued))
		}
		for _, e := range queued {
			sink.Send(e.Name, e.Payload)
		}
	})
}

// IsReady reports whether the frontend-ready signal has been processed.
func (b *Bus) IsReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

package events

import (
	"sync/atomic"

	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
// Each subscriber runs on its own goroutine, so Publish never waits for
// handlers.
type Bus struct {
	dispatcher *event.Dispatcher
	dropped    atomic.Uint64
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(CommandCompletedEvent{...})
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case CommandCompletedEvent:
		event.Publish(b.dispatcher, e)
	case CommandRejectedEvent:
		event.Publish(b.dispatcher, e)
	case WorkerStateChangedEvent:
		event.Publish(b.dispatcher, e)
	case WorkerStatsEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler type determines which events it receives.
// Returns an unsubscribe function; unknown handler types get a no-op.
// Usage: unsub := bus.Subscribe(func(e CommandCompletedEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(CommandCompletedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CommandRejectedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WorkerStateChangedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(WorkerStatsEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// Dropped returns how many events channel subscribers could not accept.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

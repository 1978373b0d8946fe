package events

import "github.com/kelindar/event"

// SubscribeToChannel forwards events of type T into ch for select-based
// consumers such as SSE handlers. A full channel drops the event and
// counts it in Dropped.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
			bus.dropped.Add(1)
		}
	})
}

// SubscribeAll forwards every event type the bus carries into ch.
func SubscribeAll(bus *Bus, ch chan<- any) func() {
	unsubs := []func(){
		SubscribeToChannel[CommandCompletedEvent](bus, ch),
		SubscribeToChannel[CommandRejectedEvent](bus, ch),
		SubscribeToChannel[WorkerStateChangedEvent](bus, ch),
		SubscribeToChannel[WorkerStatsEvent](bus, ch),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

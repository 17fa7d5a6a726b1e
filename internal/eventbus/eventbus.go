// Package eventbus is the in-process, fire-and-forget emitter for engine
// lifecycle events: job lifecycle, subscription lifecycle, timer fired,
// batch completed. Subscribers must not panic back into the emitter; the
// bus recovers and logs if one does.
package eventbus

import (
	"log/slog"
	"sync"
)

// Event is a single lifecycle notification. Name is a dotted event name
// such as "job.created" or "batch.finalized".
type Event struct {
	Name string
	Data map[string]any
}

// Handler receives emitted events. Handlers must not panic; the bus
// recovers from a panicking handler, logs it, and continues notifying the
// remaining subscribers so one bad subscriber cannot take down emission for
// the others.
type Handler func(Event)

// Bus fans an emitted Event out to every subscriber for its name.
// Emission is synchronous with the causal persistence change,
// i.e. engines call Emit after the transaction that caused it commits, not
// before.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers h to be called for every Event with the given name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Emit synchronously notifies every subscriber of name. Errors and panics
// from subscribers are logged and swallowed.
func (b *Bus) Emit(evt Event) {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[evt.Name]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.callSafely(h, evt)
	}
}

func (b *Bus) callSafely(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("eventbus: subscriber panicked", "event", evt.Name, "panic", r)
		}
	}()
	h(evt)
}

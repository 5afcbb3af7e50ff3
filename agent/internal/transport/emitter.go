package transport

import (
	"encoding/json"
	"sync"
)

// Event is one notification delivered to handlers.
type Event struct {
	Name  string
	Topic string
	Data  json.RawMessage

	// Message carries the reason for disconnected and error events.
	Message string

	// Malformed marks an error event raised for a frame that could not be
	// decoded, as opposed to an error the server sent.
	Malformed bool
}

// Handler receives events registered through On.
type Handler func(Event)

// Emitter is a typed event registry. Handlers for one event name run in
// registration order. The zero value is ready to use.
type Emitter struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string][]registration
}

type registration struct {
	id uint64
	fn Handler
}

// On registers h for events called name and returns a function that removes
// it. Calling off more than once is harmless.
func (e *Emitter) On(name string, h Handler) (off func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[string][]registration)
	}
	e.nextID++
	id := e.nextID
	e.handlers[name] = append(e.handlers[name], registration{id: id, fn: h})

	return func() { e.remove(name, id) }
}

// Emit calls every handler registered for ev.Name. Handlers run outside the
// emitter lock and may register or remove handlers.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	regs := make([]registration, len(e.handlers[ev.Name]))
	copy(regs, e.handlers[ev.Name])
	e.mu.Unlock()

	for _, r := range regs {
		r.fn(ev)
	}
}

// Count returns the number of handlers registered for name.
func (e *Emitter) Count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[name])
}

func (e *Emitter) remove(name string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	regs := e.handlers[name]
	for i, r := range regs {
		if r.id == id {
			e.handlers[name] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(e.handlers[name]) == 0 {
		delete(e.handlers, name)
	}
}

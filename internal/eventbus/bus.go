// Package eventbus is a small named-event pub/sub used to fan out stream
// events to the components that care about them. Subscribe returns an
// unsubscribe handle instead of requiring callers to keep the handler
// value around for a matching off() call.
package eventbus

import (
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Handler receives the raw msgpack payload of one event occurrence.
type Handler func(payload msgpack.RawMessage)

type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
}

func New() *Bus {
	return &Bus{
		handlers: make(map[string]map[uint64]Handler),
	}
}

// Subscribe registers a handler for the named event and returns a
// function that removes it. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(event string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[uint64]Handler)
	}
	b.handlers[event][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[event], id)
	}
}

// Publish invokes every handler registered for the event, synchronously
// and in unspecified order.
func (b *Bus) Publish(event string, payload msgpack.RawMessage) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[event]))
	for _, h := range b.handlers[event] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(payload)
	}
}

// PublishAs marshals v and publishes it under the named event. It is a
// convenience for locally-originated events that never hit the wire.
func (b *Bus) PublishAs(event string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	b.Publish(event, data)
	return nil
}

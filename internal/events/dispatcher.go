// Package events fans server-pushed notifications out to subscribers keyed by
// broadcast kind.
package events

import (
	"encoding/json"
	"sync"

	"github.com/ClearMesh/clearing_client/pkg/logger"
)

// Handler consumes one broadcast payload.
type Handler func(payload json.RawMessage)

// Dispatcher is a typed publish/subscribe fan-out. Handlers run on the
// publisher's goroutine; a panicking handler is isolated and does not stop
// the others.
type Dispatcher struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
	log      *logger.Logger
}

// NewDispatcher builds an empty dispatcher.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &Dispatcher{
		handlers: make(map[string]map[uint64]Handler),
		log:      log,
	}
}

// Subscribe registers a handler for a broadcast kind and returns its
// unsubscribe function. Unsubscribing twice is a no-op.
func (d *Dispatcher) Subscribe(kind string, h Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := d.nextID
	if d.handlers[kind] == nil {
		d.handlers[kind] = make(map[uint64]Handler)
	}
	d.handlers[kind][id] = h

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.handlers[kind], id)
	}
}

// Publish invokes every current subscriber for the kind.
func (d *Dispatcher) Publish(kind string, payload json.RawMessage) {
	d.mu.RLock()
	handlers := make([]Handler, 0, len(d.handlers[kind]))
	for _, h := range d.handlers[kind] {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		d.invoke(kind, h, payload)
	}
}

func (d *Dispatcher) invoke(kind string, h Handler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("kind", kind).Errorf("event handler panicked: %v", r)
		}
	}()
	h(payload)
}

package socket

import (
	"encoding/json"
	"reflect"
	"sync"
)

// Listener handles the data payload of one event.
type Listener interface {
	Handle(data json.RawMessage)
}

// HandlerFunc adapts a plain function to Listener. Identity for funcs is
// the code pointer, so the same named function registers once. Distinct
// closures over the same literal are indistinguishable; components that
// register per-instance listeners should use a comparable struct instead.
type HandlerFunc func(data json.RawMessage)

func (f HandlerFunc) Handle(data json.RawMessage) { f(data) }

// listenerKey is the identity used for duplicate suppression and removal:
// the value itself for comparable listener types, the code pointer for
// funcs.
func listenerKey(l Listener) interface{} {
	if t := reflect.TypeOf(l); t != nil && t.Comparable() {
		return l
	}
	return reflect.ValueOf(l).Pointer()
}

// registry is the authoritative store of listener intent. The live
// transport never holds its own callback bindings; the read pump dispatches
// straight out of the registry, so registrations survive any number of
// reconnects without an explicit replay step.
type registry struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

func newRegistry() *registry {
	return &registry{listeners: make(map[string][]Listener)}
}

// add registers l for event. Registering an identical listener twice for
// the same event is a no-op.
func (r *registry) add(event string, l Listener) {
	if l == nil {
		return
	}
	key := listenerKey(l)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.listeners[event] {
		if listenerKey(existing) == key {
			return
		}
	}
	r.listeners[event] = append(r.listeners[event], l)
}

// remove unregisters l from event.
func (r *registry) remove(event string, l Listener) {
	if l == nil {
		return
	}
	key := listenerKey(l)
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.listeners[event]
	for i, existing := range list {
		if listenerKey(existing) == key {
			r.listeners[event] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// dispatch calls every listener registered for event. Listeners are copied
// out under the lock and invoked without it, so a listener may call On/Off
// freely.
func (r *registry) dispatch(event string, data json.RawMessage) {
	r.mu.RLock()
	list := make([]Listener, len(r.listeners[event]))
	copy(list, r.listeners[event])
	r.mu.RUnlock()

	for _, l := range list {
		l.Handle(data)
	}
}

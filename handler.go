package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Handler consumes one dispatched event payload.
type Handler func(payload any)

type subscription struct {
	id   int
	name string
	fn   Handler
	once bool
}

// EventHandler is an in-process publish/subscribe bus. Subscriptions match an
// exact event name or a prefix pattern ending in "*" (e.g. "server.*").
// Dispatch delivers synchronously, in registration order, and each handler
// runs to completion before the next.
type EventHandler struct {
	mu     sync.Mutex
	nextID int
	subs   []*subscription
}

func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// On registers a handler for an event name or prefix pattern. The returned
// function removes the registration.
func (e *EventHandler) On(name string, fn Handler) (off func()) {
	return e.add(name, fn, false)
}

// OnNext registers a handler that fires once and is then removed.
func (e *EventHandler) OnNext(name string, fn Handler) (off func()) {
	return e.add(name, fn, true)
}

func (e *EventHandler) add(name string, fn Handler, once bool) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	sub := &subscription{id: e.nextID, name: name, fn: fn, once: once}
	e.subs = append(e.subs, sub)
	id := sub.id
	return func() { e.remove(id) }
}

func (e *EventHandler) remove(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// Off removes every registration for the given name or pattern.
func (e *EventHandler) Off(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.subs[:0]
	for _, s := range e.subs {
		if s.name != name {
			kept = append(kept, s)
		}
	}
	e.subs = kept
}

// Clear drops all registrations.
func (e *EventHandler) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = nil
}

func matches(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

// Dispatch delivers payload to every subscription matching name.
func (e *EventHandler) Dispatch(name string, payload any) {
	e.mu.Lock()
	var matched []*subscription
	kept := e.subs[:0]
	for _, s := range e.subs {
		hit := matches(s.name, name)
		if hit {
			matched = append(matched, s)
		}
		if !hit || !s.once {
			kept = append(kept, s)
		}
	}
	e.subs = kept
	e.mu.Unlock()

	for _, s := range matched {
		s.fn(payload)
	}
}

// WaitForNext blocks until the next event with the given name is dispatched
// and returns its payload.
func (e *EventHandler) WaitForNext(ctx context.Context, name string) (any, error) {
	ch := make(chan any, 1)
	off := e.OnNext(name, func(payload any) {
		ch <- payload
	})
	select {
	case payload := <-ch:
		return payload, nil
	case <-ctx.Done():
		off()
		return nil, fmt.Errorf("waiting for %q: %w", name, ctx.Err())
	}
}

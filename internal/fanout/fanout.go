// Package fanout delivers state-refresh events to registered listeners.
// The underlying remote subscription is reference-counted: it opens when
// the first listener arrives and closes when the last one leaves.
package fanout

import (
	"sync"

	"floorsync/internal/logger"
)

// Unsubscribe removes a listener. Calling it more than once, or after the
// hub has been torn down, is a no-op.
type Unsubscribe func()

// StartFunc opens the upstream change source and returns its stop func.
// Returning an error is non-fatal: listeners still receive locally
// published refreshes, which is the offline mode of operation.
type StartFunc func() (stop func(), err error)

// Hub fans one entity collection out to listeners.
type Hub[T any] struct {
	log   *logger.Logger
	start StartFunc

	mu        sync.Mutex
	nextID    int
	listeners map[int]func([]T)
	stop      func()
}

// New builds a Hub. start may be nil when there is no upstream source.
func New[T any](start StartFunc, log *logger.Logger) *Hub[T] {
	return &Hub[T]{
		log:       log,
		start:     start,
		listeners: make(map[int]func([]T)),
	}
}

// Subscribe registers fn to receive the full updated collection on every
// refresh. The first subscriber opens the upstream source.
func (h *Hub[T]) Subscribe(fn func([]T)) Unsubscribe {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	first := len(h.listeners) == 1
	h.mu.Unlock()

	if first && h.start != nil {
		stop, err := h.start()
		if err != nil {
			h.log.Warnw("fanout_upstream_unavailable", "err", err)
		} else {
			// The first subscriber may have left while start was in
			// flight; in that case the upstream closes right away
			// instead of leaking with zero listeners.
			h.mu.Lock()
			empty := len(h.listeners) == 0
			if !empty {
				h.stop = stop
			}
			h.mu.Unlock()
			if empty {
				stop()
			}
		}
	}

	return func() { h.remove(id) }
}

func (h *Hub[T]) remove(id int) {
	h.mu.Lock()
	_, present := h.listeners[id]
	if present {
		delete(h.listeners, id)
	}
	var stop func()
	if present && len(h.listeners) == 0 {
		stop = h.stop
		h.stop = nil
	}
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Publish delivers items to every listener. Delivery is best-effort: a
// panicking listener is logged and skipped so it cannot break the fan-out
// for the others.
func (h *Hub[T]) Publish(items []T) {
	h.mu.Lock()
	fns := make([]func([]T), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		h.deliver(fn, items)
	}
}

func (h *Hub[T]) deliver(fn func([]T), items []T) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Errorw("fanout_listener_panicked", "panic", r)
		}
	}()
	fn(items)
}

// Len returns the number of registered listeners.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

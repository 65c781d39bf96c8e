// Package notify delivers state snapshots to subscribers in order.
package notify

import "sync"

// Hub fans snapshots out to listeners. Owners call Queue while holding their
// own lock, so queue order is transition order, and Drain after releasing it.
// Listeners run outside every lock and may call back into the owner.
type Hub[T any] struct {
	mu        sync.Mutex
	queue     []T
	draining  bool
	listeners map[int]func(T)
	nextID    int
}

// Subscribe registers fn and returns a function removing it.
func (h *Hub[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	h.mu.Lock()
	if h.listeners == nil {
		h.listeners = map[int]func(T){}
	}
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
	}
}

// Queue appends v for delivery.
func (h *Hub[T]) Queue(v T) {
	h.mu.Lock()
	h.queue = append(h.queue, v)
	h.mu.Unlock()
}

// Drain delivers queued values. Only one goroutine delivers at a time; a
// concurrent caller returns at once and its values are picked up by the
// active drainer.
func (h *Hub[T]) Drain() {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return
	}
	h.draining = true
	for len(h.queue) > 0 {
		v := h.queue[0]
		h.queue = h.queue[1:]
		ls := make([]func(T), 0, len(h.listeners))
		for _, fn := range h.listeners {
			ls = append(ls, fn)
		}
		h.mu.Unlock()
		for _, fn := range ls {
			fn(v)
		}
		h.mu.Lock()
	}
	h.draining = false
	h.mu.Unlock()
}

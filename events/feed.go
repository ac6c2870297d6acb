// Package events provides typed publish/subscribe feeds used by every component
// to report state changes without exposing a stringly-typed emitter.
package events

import "sync"

// Feed fans one event type out to registered listeners.
//
// Listeners run synchronously on the dispatching goroutine, outside the feed lock,
// so a listener may subscribe or unsubscribe while being called.
type Feed[E any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]func(E)
	order     []uint64
}

// Subscribe registers fn and returns a function that removes it. The returned
// function is safe to call more than once.
func (f *Feed[E]) Subscribe(fn func(E)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	f.mu.Lock()
	if f.listeners == nil {
		f.listeners = make(map[uint64]func(E))
	}
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	f.order = append(f.order, id)
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { f.remove(id) })
	}
}

// Dispatch delivers event to every listener in subscription order.
func (f *Feed[E]) Dispatch(event E) {
	f.mu.RLock()
	fns := make([]func(E), 0, len(f.order))
	for _, id := range f.order {
		if fn, ok := f.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	f.mu.RUnlock()

	for _, fn := range fns {
		fn(event)
	}
}

// Len returns the number of registered listeners.
func (f *Feed[E]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners)
}

// Clear removes every listener.
func (f *Feed[E]) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = nil
	f.order = nil
}

func (f *Feed[E]) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.listeners[id]; !ok {
		return
	}
	delete(f.listeners, id)
	for i, existing := range f.order {
		if existing == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

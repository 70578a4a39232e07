// Package event provides typed listener sets with explicit unsubscribe handles.
package event

import (
	"sort"
	"sync"
)

// Unsubscribe removes a listener. Safe to call more than once.
type Unsubscribe func()

// Listeners is a set of callbacks for one event kind.
// The zero value is ready to use and all methods are safe for concurrent use.
//
// Invariant: Emit invokes listeners in registration order.
type Listeners[T any] struct {
	mu   sync.Mutex
	next uint64
	fns  map[uint64]func(T)
}

// Add registers fn and returns its unsubscribe handle.
//
// Precondition: fn must not be nil.
// Postcondition: fn receives every Emit until the handle is called.
func (l *Listeners[T]) Add(fn func(T)) Unsubscribe {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// Emit calls every registered listener with v. Listeners run outside the lock,
// so a listener may add or remove listeners.
func (l *Listeners[T]) Emit(v T) {
	for _, fn := range l.snapshot() {
		fn(v)
	}
}

// Len reports the number of registered listeners.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

func (l *Listeners[T]) snapshot() []func(T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]uint64, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, l.fns[id])
	}
	return out
}

package sync

import (
	gosync "sync"
)

// observers is an ordered listener registry. Register returns a
// cancellation func so hosts cannot leak listeners. Notify calls
// listeners sequentially in registration order, which also preserves the
// apply order of remote changes as seen by each listener.
type observers[T any] struct {
	mu      gosync.Mutex
	nextID  uint64
	entries []observerEntry[T]
}

type observerEntry[T any] struct {
	id uint64
	fn func(T)
}

func (o *observers[T]) Register(fn func(T)) (cancel func()) {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.entries = append(o.entries, observerEntry[T]{id: id, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, e := range o.entries {
			if e.id == id {
				o.entries = append(o.entries[:i], o.entries[i+1:]...)
				return
			}
		}
	}
}

func (o *observers[T]) Notify(v T) {
	o.mu.Lock()
	entries := make([]observerEntry[T], len(o.entries))
	copy(entries, o.entries)
	o.mu.Unlock()

	for _, e := range entries {
		e.fn(v)
	}
}

func (o *observers[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

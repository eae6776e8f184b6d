package engine

import (
	"sync"
)

// Emitter fans an event out to subscribers. Each subscription gets its own
// handle so teardown code can unsubscribe exactly what it registered.
type Emitter[E any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(E)
}

func NewEmitter[E any]() *Emitter[E] {
	return &Emitter[E]{subs: make(map[uint64]func(E))}
}

func (e *Emitter[E]) Subscribe(fn func(E)) Unsubscribe {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Emit calls every subscriber synchronously, outside the lock.
func (e *Emitter[E]) Emit(ev E) {
	e.mu.RLock()
	fns := make([]func(E), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (e *Emitter[E]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Clear drops all subscribers, used when the emitting handle closes.
func (e *Emitter[E]) Clear() {
	e.mu.Lock()
	e.subs = make(map[uint64]func(E))
	e.mu.Unlock()
}

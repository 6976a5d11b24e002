package rtc

import (
	"sync"

	"livecast/internal/core/ports"
)

// listeners is a set of callbacks for one event kind.
type listeners[T any] struct {
	mu     sync.Mutex
	nextID uint64
	fns    map[uint64]func(T)
}

func (l *listeners[T]) add(fn func(T)) ports.Unsubscribe {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[uint64]func(T))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

// emit calls every listener outside the lock so callbacks may unsubscribe.
func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

package types

import (
	"container/list"
	"iter"
	"sync"
)

// CallbackManager keeps an ordered set of callbacks.
// The zero value is ready to use.
type CallbackManager[T any] struct {
	mu     sync.RWMutex
	cbs    map[int]*list.Element
	order  *list.List
	nextID int
}

type callback[T any] struct {
	id int
	cb T
}

// Len returns the number of registered callbacks.
func (m *CallbackManager[T]) Len() int {
	if m == nil {
		return 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cbs)
}

// Add registers the callback and returns a function that removes it.
// The remove function is safe to call more than once.
func (m *CallbackManager[T]) Add(cb T) (remove func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++

	if m.cbs == nil {
		m.cbs = make(map[int]*list.Element)
	}
	if m.order == nil {
		m.order = list.New()
	}
	m.cbs[id] = m.order.PushBack(&callback[T]{id, cb})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if el, ok := m.cbs[id]; ok {
				m.order.Remove(el)
				delete(m.cbs, id)
			}
			m.mu.Unlock()
		})
	}
}

// All iterates over a snapshot of callbacks in registration order.
// Callbacks may add or remove callbacks while iterating.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		if m == nil {
			return
		}

		m.mu.RLock()
		if m.order == nil {
			m.mu.RUnlock()
			return
		}
		callbacks := make([]T, 0, m.order.Len())
		for el := m.order.Front(); el != nil; el = el.Next() {
			callbacks = append(callbacks, el.Value.(*callback[T]).cb) //nolint:forcetypeassert
		}
		m.mu.RUnlock()

		for _, cb := range callbacks {
			if !yield(cb) {
				return
			}
		}
	}
}

// Package lazy provides a process-wide, read-mostly map whose values are built at most
// once per key, even when several goroutines request a missing key at the same time.
package lazy

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Map is a get-or-create-once cache. Values live until they are evicted.
// Failed builds are not cached.
type Map[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]V
	group singleflight.Group
	key   func(K) string
}

// New creates a Map. key renders a key as the singleflight group key; distinct keys
// should render differently, although collisions only cost an extra round trip.
func New[K comparable, V any](key func(K) string) *Map[K, V] {
	return &Map[K, V]{
		items: make(map[K]V),
		key:   key,
	}
}

// Get returns the value for k if it was already built.
func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[k]
	return v, ok
}

// GetOrCreate returns the value for k, calling create when it does not exist yet.
// Concurrent callers for the same missing key share a single create call.
func (m *Map[K, V]) GetOrCreate(k K, create func() (V, error)) (V, error) {
	for {
		if v, ok := m.Get(k); ok {
			return v, nil
		}

		_, err, _ := m.group.Do(m.key(k), func() (any, error) {
			// A caller that lost the race to the previous flight must not rebuild.
			if _, ok := m.Get(k); ok {
				return nil, nil
			}
			v, err := create()
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			m.items[k] = v
			m.mu.Unlock()
			return nil, nil
		})
		if err != nil {
			var zero V
			return zero, err
		}

		if v, ok := m.Get(k); ok {
			return v, nil
		}
		// The flight we joined belonged to a different key rendering the same string.
	}
}

// Evict removes the value for k if drop reports true for it. The next GetOrCreate
// for k builds a new value.
func (m *Map[K, V]) Evict(k K, drop func(V) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[k]
	if !ok || !drop(v) {
		return false
	}
	delete(m.items, k)
	return true
}

// Len returns the number of built values.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

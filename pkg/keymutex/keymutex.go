// Package keymutex provides mutual exclusion scoped to string keys.
//
// The billing engine serializes state transitions per (customer, product
// group) and webhook processing per subscription id. A KeyMutex hands out an
// independent critical section per key while keeping zero state for keys
// nobody currently holds.
package keymutex

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// KeyMutex is a set of named mutexes. The zero value is not usable; call New.
type KeyMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty KeyMutex.
func New() *KeyMutex {
	return &KeyMutex{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking until it is available, and
// returns the matching unlock function. Entries are reference counted and
// removed once the last holder releases, so the map does not grow with the
// number of distinct keys seen over time.
func (m *KeyMutex) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.entries, key)
			}
			m.mu.Unlock()
		})
	}
}

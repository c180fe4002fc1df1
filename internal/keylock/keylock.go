// Package keylock provides an in-process mutex keyed by string. Entries are
// reference counted and removed once no goroutine holds or waits on them, so
// the map does not grow with the number of keys ever seen.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Mutex serializes holders of the same key while letting different keys
// proceed in parallel. The zero value is ready to use.
type Mutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Mutex.
func New() *Mutex {
	return &Mutex{entries: make(map[string]*entry)}
}

// Lock blocks until key is free and returns the function that releases it.
// The release function is safe to call more than once.
func (m *Mutex) Lock(key string) (unlock func()) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
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

// Len returns the number of keys currently held or waited on.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

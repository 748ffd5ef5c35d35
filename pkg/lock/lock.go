// Package lock provides a table of per-key mutexes. Every state transition
// of a sandbox runs under its key so concurrent API calls, GC, and crash
// recovery serialize instead of racing.
package lock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table hands out one mutex per key. Entries are reference counted and
// removed once the last holder releases, so the table does not grow with
// the lifetime total of sandboxes.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Acquire blocks until the key's mutex is held and returns the release
// function. Release must be called exactly once.
func (t *Table) Acquire(key string) func() {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			t.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(t.entries, key)
			}
			t.mu.Unlock()
		})
	}
}

// TryAcquire attempts the lock without blocking. It returns the release
// function and true on success, nil and false when the key is held.
func (t *Table) TryAcquire(key string) (func(), bool) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	if !e.mu.TryLock() {
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, key)
		}
		t.mu.Unlock()
		return nil, false
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			t.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(t.entries, key)
			}
			t.mu.Unlock()
		})
	}, true
}

// Len reports the number of live entries, for tests and introspection.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

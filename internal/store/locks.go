package store

import "sync"

// lockEntry serializes writes for one identity directory.
type lockEntry struct {
	mu   sync.Mutex
	refs int
	// last timestamp written to each daily log, keeps files non-decreasing
	lastWrite map[string]int64
}

// lockRegistry maps directory names to lock entries. Entries are created on
// first use and dropped when the last reference is released.
type lockRegistry struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{entries: make(map[string]*lockEntry)}
}

func (r *lockRegistry) acquire(dir string) *lockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[dir]
	if !ok {
		e = &lockEntry{lastWrite: make(map[string]int64)}
		r.entries[dir] = e
	}
	e.refs++
	return e
}

func (r *lockRegistry) release(dir string, e *lockEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.refs--
	if e.refs <= 0 && r.entries[dir] == e {
		delete(r.entries, dir)
	}
}

func (r *lockRegistry) refs(dir string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[dir]; ok {
		return e.refs
	}
	return 0
}

func (r *lockRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

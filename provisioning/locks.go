package provisioning

import "sync"

// keyedLocks hands out a read-write mutex per key. Entries are dropped once no
// goroutine holds or waits for them, so the map only grows with concurrency,
// not with the number of entities ever seen.
type keyedLocks struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.RWMutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{entries: make(map[string]*keyedEntry)}
}

// Lock takes the exclusive lock for key and returns its release function.
func (l *keyedLocks) Lock(key string) func() {
	e := l.acquire(key)
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.release(key, e)
	}
}

// RLock takes the shared lock for key and returns its release function.
func (l *keyedLocks) RLock(key string) func() {
	e := l.acquire(key)
	e.mu.RLock()
	return func() {
		e.mu.RUnlock()
		l.release(key, e)
	}
}

func (l *keyedLocks) acquire(key string) *keyedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &keyedEntry{}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *keyedLocks) release(key string, e *keyedEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *keyedLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Lock keys. Ordering: gateway device before attached device, device before
// shared slot, model guard before shared slot.
func deviceKey(id string) string      { return "device:" + id }
func modelKey(id string) string       { return "model:" + id }
func modelSlotKey(id string) string   { return "slot:model:" + id }
func projectSlotKey(id string) string { return "slot:project:" + id }

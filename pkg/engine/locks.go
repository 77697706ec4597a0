package engine

import "sync"

// keyedLocks serializes runs per provider. Two concurrent recalculations for
// the same provider would otherwise race on the window upsert and could
// commit log entries out of order with their windows.
//
// Entries are never evicted; the map is bounded by the provider population.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

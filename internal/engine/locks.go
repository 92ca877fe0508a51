package engine

import "sync"

// entityLocks serializes processing per entity key (entity_type:entity_id).
// The table mutex only guards the map; the per-key mutex is the business lock
// held across the whole processing of one item, network call included.
type entityLocks struct {
	mu   sync.Mutex
	held map[string]*entityLock
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

func newEntityLocks() *entityLocks {
	return &entityLocks{held: make(map[string]*entityLock)}
}

// Acquire blocks until the key is exclusively held and returns the release
// function. Lock entries are dropped from the table once unreferenced.
func (l *entityLocks) Acquire(key string) func() {
	l.mu.Lock()
	el, ok := l.held[key]
	if !ok {
		el = &entityLock{}
		l.held[key] = el
	}
	el.refs++
	l.mu.Unlock()

	el.mu.Lock()

	return func() {
		el.mu.Unlock()
		l.mu.Lock()
		el.refs--
		if el.refs == 0 {
			delete(l.held, key)
		}
		l.mu.Unlock()
	}
}

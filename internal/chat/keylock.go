// ABOUTME: Per-thread mutual exclusion keyed by thread ID
// ABOUTME: Serializes the read-order/write-message unit of work within one thread

package chat

import "sync"

// threadLocks hands out one mutex per thread ID so that two turns against
// the same thread cannot compute the same next order concurrently. Entries
// are reference counted and removed when the last holder unlocks, keeping
// the map bounded by the number of in-flight turns.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for the given key and returns its unlock func
func (l *threadLocks) Lock(key string) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &lockEntry{}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

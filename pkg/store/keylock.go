package store

import (
	"slices"
	"sync"
)

// keyLock serializes writers per natural key. Entries are reference
// counted and dropped when the last holder unlocks.
type keyLock struct {
	mu    sync.Mutex
	locks map[int64]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[int64]*keyEntry)}
}

// Lock blocks until key is held and returns its unlock function.
func (l *keyLock) Lock(key int64) func() {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &keyEntry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// LockAll holds every distinct key in ascending order, so two batches with
// overlapping keys cannot deadlock.
func (l *keyLock) LockAll(keys []int64) func() {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, k := range sorted {
		unlocks = append(unlocks, l.Lock(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

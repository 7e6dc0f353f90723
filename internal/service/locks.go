package service

import "sync"

// executionLocks serializes reversal executions keyed by the source
// activity ID. Shared by the single-activity and rollback-to-point
// engines so both paths queue on the same key.
var executionLocks = newKeyedMutex()

// keyedMutex hands out one mutex per key, dropping entries when the
// last holder releases.
type keyedMutex struct {
	mu   sync.Mutex
	keys map[uint]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{keys: make(map[uint]*keyedLock)}
}

func (k *keyedMutex) Lock(key uint) {
	k.mu.Lock()
	entry, ok := k.keys[key]
	if !ok {
		entry = &keyedLock{}
		k.keys[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
}

func (k *keyedMutex) Unlock(key uint) {
	k.mu.Lock()
	entry := k.keys[key]
	entry.refs--
	if entry.refs == 0 {
		delete(k.keys, key)
	}
	k.mu.Unlock()

	entry.mu.Unlock()
}

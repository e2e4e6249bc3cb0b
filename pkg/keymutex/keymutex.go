// Package keymutex provides a mutex keyed by string identity. Services use it
// to serialize mutations against a single entity (one agent's bond buckets,
// one validation's vote tally) without a global lock across all entities.
package keymutex

import "sync"

// KeyMutex hands out one mutex per key. Mutexes are created lazily and kept
// for the lifetime of the KeyMutex; the key space in this system (agent and
// validation ids) is small enough that eviction is not worth the complexity.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty KeyMutex.
func New() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyMutex) Lock(key string) {
	k.get(key).Lock()
}

// Unlock releases the mutex for key. Unlocking a key that was never locked
// panics, same as sync.Mutex.
func (k *KeyMutex) Unlock(key string) {
	k.get(key).Unlock()
}

func (k *KeyMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	return lock
}

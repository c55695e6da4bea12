package cache

import "sync"

// keyedMutex provides mutual exclusion scoped to a string key. An
// update arriving for a key while another is in flight waits for the
// first to finish instead of being rejected, so updates for the same
// (wallet, token) pair apply one at a time in arrival order. Locks for
// idle keys are dropped to keep the map from growing with churn.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	m    sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until the key's lock is held.
func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.m.Lock()
}

// Unlock releases the key's lock and frees it once no waiter remains.
func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.m.Unlock()
}

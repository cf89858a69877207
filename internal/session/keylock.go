package session

import (
	"sync"

	"github.com/prudhvinik1/optisync/internal/models"
)

type refLock struct {
	sync.RWMutex
	refs int
}

// keyLocks hands out one RWMutex per entity key and frees it when unused.
type keyLocks struct {
	mu    sync.Mutex
	locks map[models.EntityKey]*refLock
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[models.EntityKey]*refLock)}
}

func (k *keyLocks) acquire(key models.EntityKey) *refLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *keyLocks) release(key models.EntityKey, l *refLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyLocks) Lock(key models.EntityKey) func() {
	l := k.acquire(key)
	l.Lock()
	return func() {
		l.Unlock()
		k.release(key, l)
	}
}

func (k *keyLocks) RLock(key models.EntityKey) func() {
	l := k.acquire(key)
	l.RLock()
	return func() {
		l.RUnlock()
		k.release(key, l)
	}
}

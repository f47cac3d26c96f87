package ledger

import "sync"

// tenantLock serializes ledger operations of one tenant. refs counts the
// holders and waiters so idle entries can be dropped.
type tenantLock struct {
	mu   sync.Mutex
	refs int
}

// keyedLocks hands out one mutex per tenant.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*tenantLock
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*tenantLock)}
}

// Lock blocks until the tenant's lock is held and returns its release func.
func (k *keyedLocks) Lock(tenantID string) func() {
	k.mu.Lock()
	l, ok := k.locks[tenantID]
	if !ok {
		l = &tenantLock{}
		k.locks[tenantID] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, tenantID)
		}
		k.mu.Unlock()
	}
}

// Len reports how many tenants currently hold or wait for a lock.
func (k *keyedLocks) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

package workspace

import "sync"

// LockSet hands out one mutex per key. Entries are reference counted and
// removed when no holder or waiter remains.
type LockSet struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewLockSet creates an empty LockSet.
func NewLockSet() *LockSet {
	return &LockSet{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is held and returns the matching unlock function.
func (l *LockSet) Lock(key string) func() {
	kl := l.acquire(key)
	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.releaseRef(key, kl)
	}
}

// TryLock acquires key without waiting. ok is false if another holder has it.
func (l *LockSet) TryLock(key string) (unlock func(), ok bool) {
	kl := l.acquire(key)
	if !kl.mu.TryLock() {
		l.releaseRef(key, kl)
		return nil, false
	}
	return func() {
		kl.mu.Unlock()
		l.releaseRef(key, kl)
	}, true
}

func (l *LockSet) acquire(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *LockSet) releaseRef(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

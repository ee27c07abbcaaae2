package multipart

import "sync"

// uploadLocks hands out one read/write lock per upload ID. Part uploads share
// the lock; completion and abort hold it exclusively.
type uploadLocks struct {
	mu    sync.Mutex
	locks map[string]*uploadLock
}

type uploadLock struct {
	sync.RWMutex
	refs int
}

func (l *uploadLocks) acquire(id string) *uploadLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.locks == nil {
		l.locks = make(map[string]*uploadLock)
	}
	lock, ok := l.locks[id]
	if !ok {
		lock = &uploadLock{}
		l.locks[id] = lock
	}
	lock.refs++
	return lock
}

func (l *uploadLocks) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock := l.locks[id]
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *uploadLocks) lock(id string) func() {
	lock := l.acquire(id)
	lock.Lock()
	return func() {
		lock.Unlock()
		l.release(id)
	}
}

func (l *uploadLocks) rlock(id string) func() {
	lock := l.acquire(id)
	lock.RLock()
	return func() {
		lock.RUnlock()
		l.release(id)
	}
}

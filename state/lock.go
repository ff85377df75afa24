package state

import (
	"context"
	"sync"
)

// keyedLock is a set of mutexes indexed by package id. Waiting honors context
// cancellation; entries are dropped once nobody holds or waits on them.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*lockEntry)}
}

// lock blocks until key is acquired or ctx is done. The returned function
// releases the lock and is safe to call more than once.
func (l *keyedLock) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.put(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.put(key, e)
		})
	}, nil
}

func (l *keyedLock) put(key string, e *lockEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// held returns the number of keys currently locked or waited on.
func (l *keyedLock) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

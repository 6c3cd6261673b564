// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package submission

import (
	"context"
	"sync"
)

// keyedLocks is a set of context aware mutexes keyed by string.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: map[string]*keyedLock{}}
}

// lock acquires the lock for key. The returned func releases it.
func (locks *keyedLocks) lock(ctx context.Context, key string) (unlock func(), err error) {
	locks.mu.Lock()
	entry, ok := locks.locks[key]
	if !ok {
		entry = &keyedLock{sem: make(chan struct{}, 1)}
		locks.locks[key] = entry
	}
	entry.refs++
	locks.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			locks.release(key, entry)
		}, nil
	case <-ctx.Done():
		locks.release(key, entry)
		return nil, ctx.Err()
	}
}

func (locks *keyedLocks) release(key string, entry *keyedLock) {
	locks.mu.Lock()
	defer locks.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(locks.locks, key)
	}
}

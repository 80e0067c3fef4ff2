// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package rdma

import (
	"fmt"
	"sync"

	"github.com/momentics/hioload-net/api"
)

// MainLock is the id of the lock every receive poll of a driver takes.
const MainLock = 0

// AccessLock guards native calls: shared for I/O, exclusive for teardown.
type AccessLock struct {
	mu sync.RWMutex
}

// Shared runs fn under the shared side of the lock.
func (l *AccessLock) Shared(fn func() error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn()
}

// Exclusive runs fn with every native caller excluded.
func (l *AccessLock) Exclusive(fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn()
}

// LockArray is a set of numbered locks. A caller takes a whole group of
// them at once, so groups never deadlock each other.
type LockArray struct {
	mu    sync.Mutex
	cond  *sync.Cond
	locks map[int]bool
}

// NewLockArray returns an array holding the main lock only.
func NewLockArray() *LockArray {
	a := &LockArray{locks: map[int]bool{MainLock: false}}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Init adds lock id, released.
func (a *LockArray) Init(id int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.locks[id]; ok {
		return fmt.Errorf("rdma: lock %d: %w", id, api.ErrAlreadyExists)
	}
	a.locks[id] = false
	return nil
}

// Delete waits until lock id is released and removes it. Waiters on a
// group containing id fail.
func (a *LockArray) Delete(id int) error {
	if id == MainLock {
		return fmt.Errorf("rdma: main lock cannot be deleted: %w", api.ErrInvalidArgument)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		held, ok := a.locks[id]
		if !ok {
			return fmt.Errorf("rdma: lock %d: %w", id, api.ErrNotFound)
		}
		if !held {
			break
		}
		a.cond.Wait()
	}
	delete(a.locks, id)
	a.cond.Broadcast()
	return nil
}

// free reports whether every lock of ids exists and is released.
func (a *LockArray) free(ids []int) (bool, error) {
	ready := true
	for _, id := range ids {
		held, ok := a.locks[id]
		if !ok {
			return false, fmt.Errorf("rdma: lock %d: %w", id, api.ErrNotFound)
		}
		if held {
			ready = false
		}
	}
	return ready, nil
}

// Lock waits until all of ids are released and takes them together.
func (a *LockArray) Lock(ids ...int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		ready, err := a.free(ids)
		if err != nil {
			return err
		}
		if ready {
			break
		}
		a.cond.Wait()
	}
	for _, id := range ids {
		a.locks[id] = true
	}
	return nil
}

// TryLock takes ids if all of them are released right now.
func (a *LockArray) TryLock(ids ...int) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ready, err := a.free(ids)
	if err != nil || !ready {
		return false, err
	}
	for _, id := range ids {
		a.locks[id] = true
	}
	return true, nil
}

// Unlock releases ids.
func (a *LockArray) Unlock(ids ...int) {
	a.mu.Lock()
	for _, id := range ids {
		if _, ok := a.locks[id]; ok {
			a.locks[id] = false
		}
	}
	a.mu.Unlock()
	a.cond.Broadcast()
}

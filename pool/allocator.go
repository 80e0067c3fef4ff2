// File: pool/allocator.go
// Package pool implements fixed-block allocation over a lock-free free list.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/internal/concurrency"
)

const defaultFreeListCapacity = 1024

// Allocator hands out blocks of one size. Freed blocks are kept on a bounded
// free list; blocks beyond its capacity are left to the garbage collector.
type Allocator struct {
	size int
	free *concurrency.Queue[[]byte]

	allocated atomic.Int64
	_         cpu.CacheLinePad
	reused    atomic.Int64
	freed     atomic.Int64
	dropped   atomic.Int64
}

// NewAllocator creates an allocator of size-byte blocks keeping at most
// capacity idle blocks. A capacity <= 0 selects the default.
func NewAllocator(size, capacity int) *Allocator {
	if capacity <= 0 {
		capacity = defaultFreeListCapacity
	}
	return &Allocator{
		size: size,
		free: concurrency.NewQueue[[]byte](capacity),
	}
}

// BlockSize returns the length of every block.
func (a *Allocator) BlockSize() int { return a.size }

// Allocate returns a block of BlockSize bytes. Reused blocks are not zeroed.
func (a *Allocator) Allocate() []byte {
	b, _ := a.allocate()
	return b
}

func (a *Allocator) allocate() ([]byte, bool) {
	if b, ok := a.free.Dequeue(); ok {
		a.reused.Add(1)
		return b, true
	}
	a.allocated.Add(1)
	return make([]byte, a.size), false
}

// Free returns a block to the free list. Blocks of another size are dropped.
func (a *Allocator) Free(block []byte) {
	if len(block) != a.size {
		a.dropped.Add(1)
		return
	}
	if !a.free.Enqueue(block) {
		a.dropped.Add(1)
		return
	}
	a.freed.Add(1)
}

// AllocatorStats is a snapshot of allocator counters.
type AllocatorStats struct {
	Size      int
	Allocated int64
	Reused    int64
	Freed     int64
	Dropped   int64
	Idle      int
}

// Stats returns a snapshot of the counters.
func (a *Allocator) Stats() AllocatorStats {
	return AllocatorStats{
		Size:      a.size,
		Allocated: a.allocated.Load(),
		Reused:    a.reused.Load(),
		Freed:     a.freed.Load(),
		Dropped:   a.dropped.Load(),
		Idle:      a.free.Len(),
	}
}

var _ api.BlockAllocator = (*Allocator)(nil)

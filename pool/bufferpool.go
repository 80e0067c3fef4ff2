// File: pool/bufferpool.go
// Author: momentics <momentics@gmail.com>
//
// Size-classed BufferPool. Each distinct size gets its own Allocator;
// buffers come back to the allocator of their class on Free.

package pool

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-net/api"
)

// BufferPool provides buffers of exact sizes, reused by size class.
type BufferPool struct {
	mu         sync.RWMutex
	allocators map[int]*Allocator
	capacity   int

	totalAlloc atomic.Int64
	totalReuse atomic.Int64
	totalFree  atomic.Int64
}

// NewBufferPool creates a pool keeping at most capacity idle blocks per
// size class. A capacity <= 0 selects the default.
func NewBufferPool(capacity int) *BufferPool {
	return &BufferPool{
		allocators: make(map[int]*Allocator),
		capacity:   capacity,
	}
}

// Allocator obtains or creates the shared allocator for size-byte blocks.
func (p *BufferPool) Allocator(size int) *Allocator {
	p.mu.RLock()
	a, ok := p.allocators[size]
	p.mu.RUnlock()
	if ok {
		return a
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.allocators[size]; ok {
		return a
	}
	a = NewAllocator(size, p.capacity)
	p.allocators[size] = a
	return a
}

// Get returns a buffer of exactly size bytes with Length and Base zeroed.
func (p *BufferPool) Get(size int) *api.Buffer {
	data, reused := p.Allocator(size).allocate()
	if reused {
		p.totalReuse.Add(1)
	} else {
		p.totalAlloc.Add(1)
	}
	return api.NewBuffer(data, p)
}

// Put returns the block of b to its size class. Prefer b.Free, which calls
// Put at most once.
func (p *BufferPool) Put(b *api.Buffer) {
	if b == nil || b.Data == nil {
		return
	}
	p.Allocator(len(b.Data)).Free(b.Data)
	b.Data = nil
	p.totalFree.Add(1)
}

// Stats exposes allocation counters and idle blocks per size class.
func (p *BufferPool) Stats() api.BufferPoolStats {
	classes := make(map[int]int64)
	p.mu.RLock()
	for size, a := range p.allocators {
		classes[size] = int64(a.free.Len())
	}
	p.mu.RUnlock()
	alloc, reuse, free := p.totalAlloc.Load(), p.totalReuse.Load(), p.totalFree.Load()
	return api.BufferPoolStats{
		TotalAlloc: alloc,
		TotalReuse: reuse,
		TotalFree:  free,
		InUse:      alloc + reuse - free,
		Classes:    classes,
	}
}

var _ api.BufferPool = (*BufferPool)(nil)

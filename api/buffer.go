// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pooled wire buffers shared by every layer of the driver stack.
//
// A buffer carries its backing storage, the number of valid bytes and the
// offset reserved at its start for headers written by lower layers.

package api

import "sync/atomic"

// Recycler takes a buffer back once its owner is done with it.
type Recycler interface {
	Put(b *Buffer)
}

// Buffer is an owned byte region handed between driver layers.
//
// Send buffers are filled by a packetizer, handed to a driver and released by
// the packetizer once the driver returns. Receive buffers are handed to a
// driver with Length == 0 (accept any size) or with the expected Length, and
// filled by the transport.
type Buffer struct {
	// Data is the backing storage; len(Data) is the buffer capacity.
	Data []byte
	// Length is the number of valid bytes in Data, headers included.
	Length int
	// Base is the offset of the payload, past lower-layer headers.
	Base int

	owner Recycler
	freed atomic.Bool
}

// NewBuffer wraps data into a buffer returned to owner on Free.
// A nil owner leaves the storage to the garbage collector.
func NewBuffer(data []byte, owner Recycler) *Buffer {
	return &Buffer{Data: data, owner: owner}
}

// Payload returns the valid bytes past the header reservation.
func (b *Buffer) Payload() []byte {
	return b.Data[b.Base:b.Length]
}

// Bytes returns all valid bytes, headers included.
func (b *Buffer) Bytes() []byte {
	return b.Data[:b.Length]
}

// Cap returns the size of the backing storage.
func (b *Buffer) Cap() int { return len(b.Data) }

// Reset prepares a recycled buffer for its next owner.
func (b *Buffer) Reset() {
	b.Length = 0
	b.Base = 0
	b.freed.Store(false)
}

// Free returns the buffer to its pool. The buffer must not be used
// afterwards; a second Free is ignored.
func (b *Buffer) Free() {
	if !b.freed.CompareAndSwap(false, true) {
		return
	}
	if b.owner != nil {
		b.owner.Put(b)
	}
}

// Freed reports whether Free has been called since the last Reset.
func (b *Buffer) Freed() bool { return b.freed.Load() }

// BufferPool abstracts size-classed buffer management.
type BufferPool interface {
	// Get returns a buffer of exactly size bytes.
	Get(size int) *Buffer

	// Put returns buffer to pool; buffer must not be used afterwards.
	Put(b *Buffer)

	// Stats exposes resource/accounting metrics for observability.
	Stats() BufferPoolStats
}

// BufferPoolStats aggregates buffer allocation/reuse stats.
type BufferPoolStats struct {
	TotalAlloc int64
	TotalReuse int64
	TotalFree  int64
	InUse      int64
	Classes    map[int]int64 // idle blocks per size class
}

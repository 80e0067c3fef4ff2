// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Fixed-size block allocation used for spill encoding.

package api

// BlockAllocator hands out byte blocks of one fixed size.
type BlockAllocator interface {
	// BlockSize returns the length of every block.
	BlockSize() int

	// Allocate returns a block of BlockSize bytes.
	Allocate() []byte

	// Free returns a block. Blocks of another size are dropped.
	Free(block []byte)
}

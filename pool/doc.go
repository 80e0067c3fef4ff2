// Package pool
// Author: momentics <momentics@gmail.com>
//
// Buffer pooling for the driver stack.
// Allocator hands out fixed-size blocks from a bounded lock-free free list;
// BufferPool groups allocators by size class and wraps blocks into api.Buffer.
// One BufferPool is shared by every connection of a stack.
package pool

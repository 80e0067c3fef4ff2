// Author: momentics <momentics@gmail.com>

package pool_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/pool"
)

func TestAllocatorReusesBlocks(t *testing.T) {
	a := pool.NewAllocator(4, 2)
	b1 := a.Allocate()
	require.Len(t, b1, 4)
	b1[0] = 0x7f
	a.Free(b1)

	b2 := a.Allocate()
	assert.Equal(t, byte(0x7f), b2[0], "block should come from the free list")

	a.Free(make([]byte, 8))
	a.Free(b2)
	a.Free(make([]byte, 4))
	a.Free(make([]byte, 4)) // free list full

	st := a.Stats()
	assert.Equal(t, 4, st.Size)
	assert.EqualValues(t, 1, st.Allocated)
	assert.EqualValues(t, 1, st.Reused)
	assert.EqualValues(t, 3, st.Freed)
	assert.EqualValues(t, 2, st.Dropped)
	assert.Equal(t, 2, st.Idle)
}

func TestBufferPoolSizeClasses(t *testing.T) {
	p := pool.NewBufferPool(8)
	b := p.Get(64)
	require.Equal(t, 64, b.Cap())
	assert.Zero(t, b.Length)
	assert.Zero(t, b.Base)
	b.Length = 10
	b.Free()
	b.Free()

	again := p.Get(64)
	other := p.Get(32)
	assert.Equal(t, 64, again.Cap())
	assert.Equal(t, 32, other.Cap())
	assert.Same(t, p.Allocator(64), p.Allocator(64))

	st := p.Stats()
	assert.EqualValues(t, 2, st.TotalAlloc)
	assert.EqualValues(t, 1, st.TotalReuse)
	assert.EqualValues(t, 1, st.TotalFree)
	assert.EqualValues(t, 2, st.InUse)
	assert.Contains(t, st.Classes, 64)
	assert.Contains(t, st.Classes, 32)
}

func TestBufferPoolConcurrent(t *testing.T) {
	p := pool.NewBufferPool(0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b := p.Get(16 << (n % 3))
				b.Data[0] = byte(i)
				b.Free()
			}
		}(g)
	}
	wg.Wait()
	assert.Zero(t, p.Stats().InUse)
	assert.Same(t, pool.Default(), pool.Default())
}

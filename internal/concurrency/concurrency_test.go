// Author: momentics <momentics@gmail.com>

package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_MPMC(t *testing.T) {
	q := NewQueue[int](1024)
	const producers, consumers, perProducer = 8, 8, 5000
	total := int64(producers * perProducer)

	var wg sync.WaitGroup
	var sent, received, count atomic.Int64
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(pid int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				v := pid*perProducer + i + 1
				for !q.Enqueue(v) {
					runtime.Gosched()
				}
				sent.Add(int64(v))
			}
		}(p)
	}
	var cw sync.WaitGroup
	for c := 0; c < consumers; c++ {
		cw.Add(1)
		go func() {
			defer cw.Done()
			for count.Load() < total {
				if v, ok := q.Dequeue(); ok {
					received.Add(int64(v))
					count.Add(1)
				} else {
					runtime.Gosched()
				}
			}
		}()
	}
	wg.Wait()
	cw.Wait()
	assert.Equal(t, sent.Load(), received.Load())
	assert.Equal(t, total, count.Load())
}

func TestQueue_Bounded(t *testing.T) {
	q := NewQueue[int](3)
	require.Equal(t, 4, q.Cap())
	for i := 0; i < 4; i++ {
		require.True(t, q.Enqueue(i))
	}
	assert.False(t, q.Enqueue(99))
	assert.Equal(t, 4, q.Len())
	v, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, 0, v)
	for i := 1; i < 4; i++ {
		_, ok = q.Dequeue()
		require.True(t, ok)
	}
	_, ok = q.Dequeue()
	assert.False(t, ok)
}

func TestStack_LIFOAndBound(t *testing.T) {
	s := NewStack[string](2)
	assert.True(t, s.Push("a"))
	assert.True(t, s.Push("b"))
	assert.False(t, s.Push("c"))
	assert.Equal(t, 2, s.Len())

	v, ok := s.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", v)

	assert.True(t, s.Push("d"))
	assert.True(t, s.Remove(func(x string) bool { return x == "a" }))
	assert.False(t, s.Remove(func(x string) bool { return x == "a" }))
	assert.Equal(t, []string{"d"}, s.Drain())
	_, ok = s.Pop()
	assert.False(t, ok)
}

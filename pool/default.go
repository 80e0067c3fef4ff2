// Author: momentics <momentics@gmail.com>

package pool

import "sync"

var (
	defaultOnce sync.Once
	defaultPool *BufferPool
)

// Default returns a process-wide BufferPool so that stacks built without an
// explicit pool still share their free lists.
func Default() *BufferPool {
	defaultOnce.Do(func() {
		defaultPool = NewBufferPool(0)
	})
	return defaultPool
}

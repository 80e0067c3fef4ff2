// File: internal/upcall/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package upcall

import "sync/atomic"

// State of a worker.
type State int32

const (
	Idle State = iota
	Running
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// worker is one dispatch goroutine.
type worker struct {
	id         int64
	pool       *Pool
	wake       chan struct{}
	state      atomic.Int32
	delivering atomic.Bool
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run alternates between pumping while current and parking while idle.
func (w *worker) run() {
	p := w.pool
	defer p.exit(w)
	for {
		w.state.Store(int32(Running))
		if !p.pump(w) {
			return
		}
		w.state.Store(int32(Idle))
		if p.ctx.Err() != nil || !p.idle.Push(w) {
			return
		}
		for p.current.Load() != w {
			select {
			case <-w.wake:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

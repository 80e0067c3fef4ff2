// File: internal/upcall/pool.go
// Package upcall implements the bounded dispatch pool used by inputs that
// deliver messages to a handler from a blocking receive loop.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One worker at a time is current: it pumps the source and, once a message
// is available, delivers it. A handler that finishes its message hands the
// pumping duty to an idle worker (or a fresh one) so that the next message
// is received while the handler keeps running. Workers that lose the duty
// park on a bounded LIFO stack; when the stack is full they end.

package upcall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/internal/concurrency"
)

// DefaultMaxIdle bounds the idle stack when Options.MaxIdle is zero.
const DefaultMaxIdle = 256

// Source is the receive side driven by a Pool.
type Source interface {
	// Pump blocks until a message is available. It returns
	// api.ErrUpcallClosed once the source is gone and ctx.Err() on shutdown.
	Pump(ctx context.Context) error

	// Deliver runs the handler on the pumped message.
	Deliver(ctx context.Context) error

	// Complete ends a delivered message the handler did not finish.
	Complete()
}

// Options configures a Pool.
type Options struct {
	MaxIdle int
	Logger  *zap.Logger
	Metrics *control.MetricsRegistry
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Idle       int
	Live       int64
	Spawned    int64
	Terminated int64
	Handoffs   int64
}

// Pool dispatches upcalls from one Source.
type Pool struct {
	src     Source
	log     *zap.Logger
	metrics *control.MetricsRegistry

	idle    *concurrency.Stack[*worker]
	current atomic.Pointer[worker]
	_       cpu.CacheLinePad

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
	nextID atomic.Int64

	live       atomic.Int64
	spawned    atomic.Int64
	terminated atomic.Int64
	handoffs   atomic.Int64
}

// NewPool creates a pool for src. No worker runs until Start.
func NewPool(src Source, opts Options) *Pool {
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = DefaultMaxIdle
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		src:     src,
		log:     opts.Logger,
		metrics: opts.Metrics,
		idle:    concurrency.NewStack[*worker](opts.MaxIdle),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the first pumping worker. Calling Start twice is a no-op.
func (p *Pool) Start() {
	if p.closed.Load() || p.current.Load() != nil || p.spawned.Load() > 0 {
		return
	}
	w := p.spawn()
	if !p.current.CompareAndSwap(nil, w) {
		return
	}
	p.launch(w)
}

// Context is cancelled by Close.
func (p *Pool) Context() context.Context { return p.ctx }

// Handoff gives the pumping duty to another worker. It is meant to be called
// by the current worker while delivering, typically from Input.Finish, and
// reports false when called anywhere else.
func (p *Pool) Handoff() bool {
	w := p.current.Load()
	if w == nil || !w.delivering.CompareAndSwap(true, false) {
		return false
	}
	p.handoff(w)
	return true
}

// InUpcall reports whether the current worker is inside Deliver.
func (p *Pool) InUpcall() bool {
	w := p.current.Load()
	return w != nil && w.delivering.Load()
}

func (p *Pool) handoff(from *worker) {
	if p.closed.Load() {
		p.current.CompareAndSwap(from, nil)
		return
	}
	next, fresh := p.acquire()
	if !p.current.CompareAndSwap(from, next) {
		// lost the duty concurrently; give the worker back
		if fresh {
			p.discard(next)
		} else if !p.idle.Push(next) {
			next.signal()
		}
		return
	}
	p.handoffs.Add(1)
	p.metrics.Add(control.MetricUpcallHandoffs, 1)
	if fresh {
		p.launch(next)
	} else {
		next.signal()
	}
}

// acquire pops an idle worker or creates a fresh, not yet running one.
func (p *Pool) acquire() (*worker, bool) {
	if w, ok := p.idle.Pop(); ok {
		return w, false
	}
	return p.spawn(), true
}

func (p *Pool) spawn() *worker {
	w := &worker{
		id:   p.nextID.Add(1),
		pool: p,
		wake: make(chan struct{}, 1),
	}
	p.spawned.Add(1)
	p.metrics.Add(control.MetricUpcallSpawns, 1)
	return w
}

// discard accounts for a spawned worker that never ran.
func (p *Pool) discard(w *worker) {
	w.state.Store(int32(Ended))
	p.terminated.Add(1)
}

func (p *Pool) launch(w *worker) {
	p.live.Add(1)
	p.wg.Add(1)
	go w.run()
}

// Close cancels the handler context, wakes every worker and waits for all
// of them to end. It must not be called from a handler of the same pool.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		p.wg.Wait()
		return
	}
	p.cancel()
	for _, w := range p.idle.Drain() {
		w.signal()
	}
	p.wg.Wait()
	p.current.Store(nil)
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Idle:       p.idle.Len(),
		Live:       p.live.Load(),
		Spawned:    p.spawned.Load(),
		Terminated: p.terminated.Load(),
		Handoffs:   p.handoffs.Load(),
	}
}

// pump runs the receive loop while w holds the duty. It returns false when
// the worker must end.
func (p *Pool) pump(w *worker) bool {
	for p.current.Load() == w {
		if err := p.src.Pump(p.ctx); err != nil {
			if p.ctx.Err() == nil && !errors.Is(err, api.ErrUpcallClosed) {
				p.log.Warn("upcall pump failed", zap.Int64("worker", w.id), zap.Error(err))
			}
			p.current.CompareAndSwap(w, nil)
			return false
		}

		w.delivering.Store(true)
		err := p.deliver(w)
		unfinished := w.delivering.Swap(false)

		switch {
		case err == nil:
			if unfinished {
				p.src.Complete()
			}
		case errors.Is(err, api.ErrUpcallYield), errors.Is(err, api.ErrUpcallClosed):
			if unfinished {
				p.src.Complete()
				p.handoff(w)
			}
			return p.ctx.Err() == nil
		case p.ctx.Err() != nil && errors.Is(err, context.Canceled):
			if unfinished {
				p.src.Complete()
			}
			return false
		default:
			p.metrics.Add(control.MetricUpcallErrors, 1)
			p.log.Error("upcall handler failed", zap.Int64("worker", w.id), zap.Error(err))
			if unfinished {
				p.src.Complete()
			}
		}
		if p.ctx.Err() != nil {
			return false
		}
	}
	return true
}

// deliver runs the handler, turning a panic into an error.
func (p *Pool) deliver(w *worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upcall handler panic: %v", r)
		}
	}()
	w.state.Store(int32(Running))
	return p.src.Deliver(p.ctx)
}

func (p *Pool) exit(w *worker) {
	w.state.Store(int32(Ended))
	p.idle.Remove(func(x *worker) bool { return x == w })
	p.current.CompareAndSwap(w, nil)
	p.live.Add(-1)
	p.terminated.Add(1)
	p.wg.Done()
}

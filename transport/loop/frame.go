// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package loop

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-net/api"
)

type frameKind int

const (
	packetFrame frameKind = iota
	bytesFrame
	objectFrame
	endFrame
	closeFrame
)

func (k frameKind) String() string {
	switch k {
	case packetFrame:
		return "packet"
	case bytesFrame:
		return "bytes"
	case objectFrame:
		return "object"
	case endFrame:
		return "end of message"
	default:
		return "close"
	}
}

type frame struct {
	kind frameKind
	buf  *api.Buffer
}

func (f frame) data() []byte {
	if f.buf == nil {
		return nil
	}
	return f.buf.Bytes()
}

func (f frame) release() {
	if f.buf != nil {
		f.buf.Free()
	}
}

// lane is the bounded frame queue between one output and one input. Data
// frames block the writer while depth frames are queued; control frames
// never do.
type lane struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames *queue.Queue
	depth  int
	shut   bool
	notify func()
}

func newLane(depth int, notify func()) *lane {
	w := &lane{frames: queue.New(), depth: max(depth, 1), notify: notify}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *lane) push(f frame) error {
	w.mu.Lock()
	if f.kind < endFrame {
		for w.frames.Length() >= w.depth && !w.shut {
			w.cond.Wait()
		}
	}
	if w.shut {
		w.mu.Unlock()
		f.release()
		return api.ErrConnClosed
	}
	w.frames.Add(f)
	w.cond.Broadcast()
	w.mu.Unlock()
	if w.notify != nil {
		w.notify()
	}
	return nil
}

// head returns the oldest frame without removing it. Without block it
// reports false on an empty queue; with block it waits for a frame, for
// shutdown or for ctx.
func (w *lane) head(ctx context.Context, block bool) (frame, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if block && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			w.mu.Lock()
			w.cond.Broadcast()
			w.mu.Unlock()
		})
		defer stop()
	}
	for {
		if w.shut {
			return frame{}, false, api.ErrConnClosed
		}
		if w.frames.Length() > 0 {
			return w.frames.Peek().(frame), true, nil
		}
		if !block {
			return frame{}, false, nil
		}
		if err := ctx.Err(); err != nil {
			return frame{}, false, err
		}
		w.cond.Wait()
	}
}

// pop removes the oldest frame.
func (w *lane) pop() {
	w.mu.Lock()
	if w.frames.Length() > 0 {
		w.frames.Remove()
	}
	w.cond.Broadcast()
	w.mu.Unlock()
}

// close wakes every waiter and releases queued frames.
func (w *lane) close() {
	w.mu.Lock()
	if w.shut {
		w.mu.Unlock()
		return
	}
	w.shut = true
	for w.frames.Length() > 0 {
		w.frames.Remove().(frame).release()
	}
	w.cond.Broadcast()
	w.mu.Unlock()
	if w.notify != nil {
		w.notify()
	}
}

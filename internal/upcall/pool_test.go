// Author: momentics <momentics@gmail.com>

package upcall

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
)

// chanSource pumps ints from a channel.
type chanSource struct {
	msgs      chan int
	cur       int
	handler   func(ctx context.Context, msg int) error
	completed atomic.Int64
}

func newChanSource(h func(ctx context.Context, msg int) error) *chanSource {
	return &chanSource{msgs: make(chan int, 64), handler: h}
}

func (s *chanSource) Pump(ctx context.Context) error {
	select {
	case m, ok := <-s.msgs:
		if !ok {
			return api.ErrUpcallClosed
		}
		s.cur = m
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *chanSource) Deliver(ctx context.Context) error { return s.handler(ctx, s.cur) }
func (s *chanSource) Complete()                         { s.completed.Add(1) }

const waitFor, tick = 2 * time.Second, 5 * time.Millisecond

func TestPoolDeliversOnOneWorker(t *testing.T) {
	var mu sync.Mutex
	var got []int
	src := newChanSource(func(_ context.Context, m int) error {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		return nil
	})
	p := NewPool(src, Options{})
	p.Start()
	p.Start()
	for i := 0; i < 10; i++ {
		src.msgs <- i
	}
	require.Eventually(t, func() bool { return src.completed.Load() == 10 }, waitFor, tick)
	p.Close()

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	mu.Unlock()
	st := p.Stats()
	assert.EqualValues(t, 1, st.Spawned)
	assert.EqualValues(t, 0, st.Handoffs)
	assert.EqualValues(t, 0, st.Live)
	assert.EqualValues(t, 1, st.Terminated)
}

func TestPoolIdleStackIsBounded(t *testing.T) {
	release := make(chan struct{})
	var delivered atomic.Int64
	var p *Pool
	src := newChanSource(func(_ context.Context, _ int) error {
		delivered.Add(1)
		assert.True(t, p.Handoff())
		<-release
		return nil
	})
	metrics := control.NewMetricsRegistry()
	p = NewPool(src, Options{MaxIdle: 2, Metrics: metrics})
	p.Start()
	for i := 0; i < 5; i++ {
		src.msgs <- i
	}
	require.Eventually(t, func() bool { return delivered.Load() == 5 }, waitFor, tick)
	require.Eventually(t, func() bool { return p.Stats().Live == 6 }, waitFor, tick)
	st := p.Stats()
	assert.EqualValues(t, 6, st.Spawned)
	assert.EqualValues(t, 5, st.Handoffs)

	close(release)
	require.Eventually(t, func() bool {
		st := p.Stats()
		return st.Idle == 2 && st.Terminated == 3 && st.Live == 3
	}, waitFor, tick)
	assert.Zero(t, src.completed.Load(), "finished messages are not completed twice")

	p.Close()
	st = p.Stats()
	assert.EqualValues(t, 0, st.Live)
	assert.EqualValues(t, 6, st.Terminated)
	assert.Equal(t, 0, st.Idle)
	assert.EqualValues(t, 5, metrics.GetSnapshot()[control.MetricUpcallHandoffs])
}

func TestPoolYieldHandsOffDuty(t *testing.T) {
	var delivered atomic.Int64
	src := newChanSource(func(_ context.Context, m int) error {
		delivered.Add(1)
		if m == 1 {
			return api.ErrUpcallYield
		}
		return nil
	})
	p := NewPool(src, Options{})
	p.Start()
	defer p.Close()

	for i := 0; i < 4; i++ {
		src.msgs <- i
	}
	require.Eventually(t, func() bool { return src.completed.Load() == 4 }, waitFor, tick)
	require.Eventually(t, func() bool { return p.Stats().Idle == 1 }, waitFor, tick)
	st := p.Stats()
	assert.EqualValues(t, 2, st.Spawned)
	assert.EqualValues(t, 1, st.Handoffs)
	assert.EqualValues(t, 4, delivered.Load())
}

func TestPoolHandlerErrorsStayInside(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	src := newChanSource(func(_ context.Context, m int) error {
		switch m {
		case 0:
			return errors.New("boom")
		case 1:
			panic("kaboom")
		}
		return nil
	})
	p := NewPool(src, Options{Logger: zap.New(core)})
	p.Start()
	defer p.Close()

	for i := 0; i < 3; i++ {
		src.msgs <- i
	}
	require.Eventually(t, func() bool { return src.completed.Load() == 3 }, waitFor, tick)
	assert.Equal(t, 2, logs.FilterMessage("upcall handler failed").Len())
	assert.EqualValues(t, 1, p.Stats().Spawned)
}

func TestPoolCloseInterruptsHandlers(t *testing.T) {
	entered := make(chan struct{})
	var interrupted atomic.Bool
	src := newChanSource(func(ctx context.Context, _ int) error {
		close(entered)
		<-ctx.Done()
		interrupted.Store(true)
		return ctx.Err()
	})
	p := NewPool(src, Options{})
	assert.False(t, p.Handoff())
	p.Start()
	src.msgs <- 1
	<-entered
	assert.True(t, p.InUpcall())

	p.Close()
	assert.True(t, interrupted.Load())
	assert.EqualValues(t, 0, p.Stats().Live)
	assert.Error(t, p.Context().Err())
	p.Close()
}

func TestPoolEndsWhenSourceCloses(t *testing.T) {
	src := newChanSource(func(context.Context, int) error { return nil })
	p := NewPool(src, Options{})
	p.Start()
	close(src.msgs)
	require.Eventually(t, func() bool { return p.Stats().Live == 0 }, waitFor, tick)
	p.Close()
	assert.EqualValues(t, 1, p.Stats().Terminated)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "ended", Ended.String())
}

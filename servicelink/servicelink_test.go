// Author: momentics <momentics@gmail.com>

package servicelink_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/servicelink"
)

func exchange(t *testing.T, a, b api.ServiceLink, name string) {
	t.Helper()
	ctx := context.Background()
	sa, err := a.Stream(ctx, name)
	require.NoError(t, err)
	sb, err := b.Stream(ctx, name)
	require.NoError(t, err)

	var g errgroup.Group
	g.Go(func() error {
		_, err := sa.Write([]byte("ping:" + name))
		return err
	})
	got := make([]byte, len("ping:"+name))
	g.Go(func() error {
		_, err := io.ReadFull(sb, got)
		return err
	})
	require.NoError(t, g.Wait())
	assert.Equal(t, "ping:"+name, string(got))
}

func TestPipeStreams(t *testing.T) {
	a, b := servicelink.NewPipe()
	exchange(t, a, b, "ctx:addr")
	exchange(t, b, a, "ctx:sync")

	s1, _ := a.Stream(context.Background(), "ctx:addr")
	s2, _ := a.Stream(context.Background(), "ctx:addr")
	assert.Same(t, s1, s2)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	_, err := a.Stream(context.Background(), "late")
	assert.ErrorIs(t, err, api.ErrState)
}

func newMuxPair(t *testing.T) (*servicelink.Mux, *servicelink.Mux) {
	t.Helper()
	ca, cb := net.Pipe()
	a, err := servicelink.NewMux(ca, servicelink.Initiator, nil)
	require.NoError(t, err)
	b, err := servicelink.NewMux(cb, servicelink.Acceptor, nil)
	require.NoError(t, err)
	return a, b
}

func TestMuxStreams(t *testing.T) {
	a, b := newMuxPair(t)

	exchange(t, a, b, "one")
	exchange(t, b, a, "two")
	exchange(t, a, b, "one")

	s1, _ := b.Stream(context.Background(), "one")
	s2, _ := b.Stream(context.Background(), "one")
	assert.Same(t, s1, s2)

	require.NoError(t, a.Close())
	_, err := a.Stream(context.Background(), "x")
	assert.Error(t, err)

	sb, err := b.Stream(context.Background(), "one")
	if err == nil {
		_, err = sb.Read(make([]byte, 1))
	}
	assert.Error(t, err, "peer side observes the closed link")
	b.Close()
}

func TestMuxUnreadStreamDoesNotBlockOthers(t *testing.T) {
	a, b := newMuxPair(t)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	ctx := context.Background()

	idle, err := a.Stream(ctx, "idle")
	require.NoError(t, err)
	_, err = b.Stream(ctx, "idle")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 256; i++ {
			if _, err := idle.Write([]byte{byte(i)}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("writes on an unread stream stalled")
	}

	exchange(t, a, b, "busy")
	exchange(t, b, a, "busy")
}

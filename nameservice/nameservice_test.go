// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package nameservice

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func startServer(t *testing.T) *Client {
	t.Helper()
	cfg := control.DefaultConfig().NameServer
	cfg.Addr = freeAddr(t)
	cfg.TickInterval = control.Duration(5 * time.Millisecond)
	cfg.Timeout = control.Duration(2 * time.Second)

	s := NewServer(cfg, nil)
	errc := make(chan error, 1)
	go func() { errc <- s.Serve() }()
	select {
	case <-s.Ready():
	case err := <-errc:
		t.Fatalf("server did not start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Stop(ctx))
		<-errc
	})
	return NewClient(cfg, nil)
}

func TestRequestCodec(t *testing.T) {
	reqs := []Request{
		{Op: OpPortLookup, AllowPartial: true, Names: []string{"a", "bé"}, Timeout: 1500 * time.Millisecond},
		{Op: OpPortNew, Name: "port-1", ID: []byte{1, 2, 3}},
		{Op: OpPortRebind, Name: "port-1", ID: []byte{4}},
		{Op: OpPortFree, Name: "port-1"},
		{Op: OpPortList, Pattern: "port-*"},
	}
	for _, want := range reqs {
		bb := bytebufferpool.Get()
		require.NoError(t, EncodeRequest(bb, want))
		got, err := DecodeRequest(bytes.NewReader(bb.B))
		require.NoError(t, err)
		assert.Equal(t, want, got)

		_, err = DecodeRequest(bytes.NewReader(bb.B[:len(bb.B)-1]))
		assert.ErrorIs(t, err, errShort, "truncated %s", opName(want.Op))
		bytebufferpool.Put(bb)
	}

	_, err := DecodeRequest(bytes.NewReader([]byte{99}))
	assert.ErrorIs(t, err, api.ErrProtocol)
}

func TestLookupWireFormat(t *testing.T) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	require.NoError(t, EncodeRequest(bb, Request{Op: OpPortLookup, Names: []string{"ab"}, Timeout: time.Second}))
	want := []byte{
		OpPortLookup, 0,
		0, 0, 0, 1,
		0, 2, 'a', 'b',
		0, 0, 0, 0, 0, 0, 0x03, 0xe8,
	}
	assert.Equal(t, want, bb.B)
}

func TestBindAndLookup(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()

	require.NoError(t, c.Bind(ctx, "recv-1", []byte("tcp:10.0.0.1:4000")))
	assert.ErrorIs(t, c.Bind(ctx, "recv-1", []byte("other")), api.ErrAlreadyExists)

	id, err := c.Resolve(ctx, "recv-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "tcp:10.0.0.1:4000", string(id))

	require.NoError(t, c.Rebind(ctx, "recv-1", []byte("tcp:10.0.0.2:4000")))
	ids, err := c.Lookup(ctx, []string{"recv-1"}, time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, "tcp:10.0.0.2:4000", string(ids[0]))

	require.NoError(t, c.Unbind(ctx, "recv-1"))
	assert.ErrorIs(t, c.Unbind(ctx, "recv-1"), api.ErrNotFound)
}

func TestLookupPartialFailure(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()
	require.NoError(t, c.Bind(ctx, "a", []byte{1}))

	_, err := c.Lookup(ctx, []string{"a", "b", "c"}, 30*time.Millisecond, false)
	var le *LookupError
	require.True(t, errors.As(err, &le), "got %v", err)
	assert.Equal(t, []string{"b", "c"}, le.Missing)
	assert.True(t, le.Timeout())
	assert.ErrorIs(t, err, api.ErrTimeout)

	ids, err := c.Lookup(ctx, []string{"a", "b"}, 30*time.Millisecond, true)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, []byte{1}, ids[0])
	assert.Nil(t, ids[1])
}

func TestLookupNamesOnlyUnboundPort(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()
	require.NoError(t, c.Bind(ctx, "r1", []byte("id-1")))
	require.NoError(t, c.Bind(ctx, "r3", []byte("id-3")))

	ids, err := c.Lookup(ctx, []string{"r1", "r2", "r3"}, 30*time.Millisecond, false)
	assert.Nil(t, ids)
	var le *LookupError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, []string{"r2"}, le.Missing)
}

func TestLookupWaitsForBind(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]byte, 3)
	errs := make([]error, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Resolve(ctx, "late", 2*time.Second)
		}(i)
	}
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, c.Bind(ctx, "late", []byte("here")))
	wg.Wait()
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "here", string(results[i]))
	}
}

func TestList(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()
	for _, n := range []string{"pong-1", "pong-2", "ping-1"} {
		require.NoError(t, c.Bind(ctx, n, []byte(n)))
	}
	names, err := c.List(ctx, "pong-*")
	require.NoError(t, err)
	assert.Equal(t, []string{"pong-1", "pong-2"}, names)

	names, err = c.List(ctx, "none-*")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestClientContextCancel(t *testing.T) {
	c := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Lookup(ctx, []string{"never"}, 0, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

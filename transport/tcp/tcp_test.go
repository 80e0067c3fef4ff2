// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
	"github.com/momentics/hioload-net/packetizer"
	"github.com/momentics/hioload-net/transport/tcp"
)

type event struct {
	ID   int
	Kind string
}

func connect(t *testing.T, h api.UpcallHandler) (*tcp.Output, *tcp.Input) {
	t.Helper()
	cfg := control.DefaultConfig().TCP
	out := tcp.NewOutput(driver.Params{Context: "ping/tcp"}, cfg)
	in := tcp.NewInput(driver.Params{Context: "pong/tcp"}, cfg, h)
	t.Cleanup(func() {
		out.Free()
		in.Free()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, driver.Connect(ctx, out, 1, in, 2))
	return out, in
}

func TestTCPMessage(t *testing.T) {
	out, in := connect(t, nil)
	assert.Zero(t, out.MaximumTransferUnit())
	assert.Zero(t, in.HeadersLength())

	_, ok, err := in.Poll(false)
	require.NoError(t, err)
	assert.False(t, ok)

	b := api.NewBuffer([]byte{1, 2, 3, 4, 5, 6}, nil)
	b.Length = 6
	require.NoError(t, out.InitSend())
	require.NoError(t, out.WriteBytes([]byte("abc")))
	require.NoError(t, out.WriteBuffer(b))
	require.NoError(t, out.WriteObject(event{ID: 3, Kind: "tick"}))
	n, err := out.Finish()
	require.NoError(t, err)
	assert.Greater(t, n, int64(9))

	peer, ok, err := in.Poll(true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, api.PeerID(1), peer)

	p := make([]byte, 3)
	require.NoError(t, in.ReadBytes(p))
	assert.Equal(t, "abc", string(p))
	rb := api.NewBuffer(make([]byte, 16), nil)
	require.NoError(t, in.ReadBuffer(rb))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, rb.Bytes())
	var ev event
	require.NoError(t, in.ReadObject(&ev))
	assert.Equal(t, event{ID: 3, Kind: "tick"}, ev)
	require.NoError(t, in.Finish())
	assert.ErrorIs(t, in.Finish(), api.ErrNoMessage)
}

func TestTCPSizeMismatchSkipsPacket(t *testing.T) {
	out, in := connect(t, nil)

	b := api.NewBuffer([]byte{9, 9, 9, 9}, nil)
	b.Length = 4
	require.NoError(t, out.InitSend())
	require.NoError(t, out.WriteBuffer(b))
	require.NoError(t, out.WriteBytes([]byte("z")))
	_, err := out.Finish()
	require.NoError(t, err)

	_, ok, err := in.Poll(true)
	require.NoError(t, err)
	require.True(t, ok)
	rb := api.NewBuffer(make([]byte, 16), nil)
	rb.Length = 8
	assert.ErrorIs(t, in.ReadBuffer(rb), api.ErrSizeMismatch)
	p := make([]byte, 1)
	require.NoError(t, in.ReadBytes(p))
	assert.Equal(t, byte('z'), p[0])
	require.NoError(t, in.Finish())
}

func TestTCPPeerCloseEndsInput(t *testing.T) {
	out, in := connect(t, nil)
	require.NoError(t, out.Close(2))
	assert.ErrorIs(t, out.Close(2), api.ErrState)

	_, _, err := in.Poll(true)
	assert.ErrorIs(t, err, api.ErrConnClosed)
	_, _, err = in.Poll(false)
	assert.ErrorIs(t, err, api.ErrConnClosed)
}

func TestTCPUnderPacketizer(t *testing.T) {
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(packetizer.Kind{}))
	require.NoError(t, reg.Register(tcp.Kind{}))
	props := control.NewProperties()
	props.Set("", driver.PropDriver, packetizer.Name)
	props.Set("a/bytes", driver.PropDriver, tcp.Name)
	props.Set("b/bytes", driver.PropDriver, tcp.Name)
	params := driver.Params{Registry: reg, Props: props}

	got := make(chan string, 1)
	h := api.UpcallFunc(func(_ context.Context, in api.Input, _ api.PeerID) error {
		pin := in.(*packetizer.Input)
		n, err := pin.ReadInt64()
		if err != nil {
			return err
		}
		s, err := pin.ReadString()
		if err != nil {
			return err
		}
		got <- s + ":" + time.Duration(n).String()
		return in.Finish()
	})
	out, err := driver.NewOutput(params, "a")
	require.NoError(t, err)
	in, err := driver.NewInput(params, "b", h)
	require.NoError(t, err)
	defer out.Free()
	defer in.Free()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, driver.Connect(ctx, out, 1, in, 2))

	po := out.(*packetizer.Output)
	require.NoError(t, po.InitSend())
	require.NoError(t, po.WriteInt64(int64(1500*time.Millisecond)))
	require.NoError(t, po.WriteString("latency"))
	_, err = po.Finish()
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, "latency:1.5s", s)
	case <-time.After(5 * time.Second):
		t.Fatal("no upcall")
	}
}

func TestTCPUpcallReturnWithoutFinishKeepsStream(t *testing.T) {
	got := make(chan uint32, 2)
	h := api.UpcallFunc(func(_ context.Context, in api.Input, _ api.PeerID) error {
		p := make([]byte, 4)
		if err := in.ReadBytes(p); err != nil {
			return err
		}
		got <- uint32(p[0])<<24 | uint32(p[1])<<16 | uint32(p[2])<<8 | uint32(p[3])
		return nil
	})
	out, _ := connect(t, h)

	for _, v := range []byte{7, 8} {
		require.NoError(t, out.InitSend())
		require.NoError(t, out.WriteBytes([]byte{0, 0, 0, v}))
		_, err := out.Finish()
		require.NoError(t, err)
	}

	for _, want := range []uint32{7, 8} {
		select {
		case v := <-got:
			assert.Equal(t, want, v)
		case <-time.After(5 * time.Second):
			t.Fatalf("upcall for %d not delivered", want)
		}
	}
}

func TestTCPUpcallUnreadBytesEndStream(t *testing.T) {
	calls := make(chan struct{}, 2)
	h := api.UpcallFunc(func(_ context.Context, in api.Input, _ api.PeerID) error {
		calls <- struct{}{}
		return nil
	})
	out, in := connect(t, h)

	require.NoError(t, out.InitSend())
	require.NoError(t, out.WriteBytes([]byte{1, 2, 3}))
	_, err := out.Finish()
	require.NoError(t, err)

	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("no upcall")
	}
	require.Eventually(t, func() bool {
		_, _, err := in.Poll(false)
		return errors.Is(err, api.ErrConnClosed)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, calls)
}

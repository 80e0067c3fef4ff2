// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package rdma_test

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
	"github.com/momentics/hioload-net/fake"
	"github.com/momentics/hioload-net/packetizer"
	"github.com/momentics/hioload-net/transport/rdma"
)

type sample struct {
	Rank  int
	Label string
}

func params(ctx string, props *control.Properties) driver.Params {
	return driver.Params{Context: ctx, Props: props}
}

func connect(t *testing.T, fab *fake.Fabric, props *control.Properties, h api.UpcallHandler) (api.Output, api.Input) {
	t.Helper()
	k := rdma.New(fab)
	out, err := k.NewOutput(params("ping/rdma", props))
	require.NoError(t, err)
	in, err := k.NewInput(params("pong/rdma", props), h)
	require.NoError(t, err)
	t.Cleanup(func() {
		out.Free()
		in.Free()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, driver.Connect(ctx, out, 1, in, 2))
	return out, in
}

func packet(n int) *api.Buffer {
	b := api.NewBuffer(make([]byte, n), nil)
	b.Length = n
	for i := 4; i < n; i++ {
		b.Data[i] = byte(i)
	}
	return b
}

func TestRDMAMessage(t *testing.T) {
	props := control.NewProperties()
	props.Set("", rdma.PropHeaders, "4")
	props.Set("", rdma.PropMTU, "64")
	fab := fake.NewFabric(7)
	out, in := connect(t, fab, props, nil)
	assert.Equal(t, 64, in.MaximumTransferUnit())
	assert.Equal(t, 4, out.HeadersLength())

	require.NoError(t, out.InitSend())
	require.NoError(t, out.WriteBuffer(packet(40)))
	require.NoError(t, out.WriteBytes(make([]byte, 150)))
	require.NoError(t, out.WriteObject(sample{Rank: 3, Label: "left"}))
	n, err := out.Finish()
	require.NoError(t, err)
	assert.Greater(t, n, int64(190))

	peer, ok, err := in.Poll(true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, api.PeerID(1), peer)

	b := api.NewBuffer(make([]byte, 64), nil)
	require.NoError(t, in.ReadBuffer(b))
	assert.Equal(t, 40, b.Length)
	assert.Equal(t, uint32(40), binary.BigEndian.Uint32(b.Data[:4]))
	assert.Equal(t, byte(39), b.Data[39])

	require.NoError(t, in.ReadBytes(make([]byte, 150)), "byte runs span datagrams")
	var s sample
	require.NoError(t, in.ReadObject(&s))
	assert.Equal(t, sample{Rank: 3, Label: "left"}, s)
	require.NoError(t, in.Finish())

	_, ok, err = in.Poll(false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, fab.Violations())
}

func TestRDMAFlowControl(t *testing.T) {
	props := control.NewProperties()
	props.Set("", rdma.PropReceiveDepth, "2")
	props.Set("", rdma.PropMTU, "16")
	out, in := connect(t, fake.NewFabric(1), props, nil)

	sent := make(chan error, 1)
	go func() {
		if err := out.InitSend(); err != nil {
			sent <- err
			return
		}
		for i := 0; i < 20; i++ {
			if err := out.WriteBytes([]byte{byte(i)}); err != nil {
				sent <- err
				return
			}
		}
		_, err := out.Finish()
		sent <- err
	}()

	select {
	case <-sent:
		t.Fatal("sender finished without free receive slots")
	case <-time.After(20 * time.Millisecond):
	}

	_, ok, err := in.Poll(true)
	require.NoError(t, err)
	require.True(t, ok)
	p := make([]byte, 20)
	require.NoError(t, in.ReadBytes(p))
	for i := range p {
		assert.Equal(t, byte(i), p[i])
	}
	require.NoError(t, in.Finish())
	require.NoError(t, <-sent)
}

func TestRDMAStateErrors(t *testing.T) {
	out, in := connect(t, fake.NewFabric(1), nil, nil)

	assert.ErrorIs(t, out.WriteBytes([]byte{1}), api.ErrNoMessage)
	assert.ErrorIs(t, out.SetupConnection(context.Background(), api.Connection{Peer: 3}), api.ErrAlreadyConnected)
	require.NoError(t, out.InitSend())
	assert.ErrorIs(t, out.InitSend(), api.ErrMessageInProgress)
	assert.ErrorIs(t, out.WriteBuffer(packet(4097)), api.ErrInvalidArgument)
	require.NoError(t, out.WriteBuffer(packet(32)))
	_, err := out.Finish()
	require.NoError(t, err)

	assert.ErrorIs(t, in.ReadBytes(make([]byte, 1)), api.ErrNoMessage)
	_, ok, err := in.Poll(true)
	require.NoError(t, err)
	require.True(t, ok)
	b := api.NewBuffer(make([]byte, 64), nil)
	b.Length = 16
	assert.ErrorIs(t, in.ReadBuffer(b), api.ErrSizeMismatch)
	assert.ErrorIs(t, in.ReadBytes(make([]byte, 1)), api.ErrProtocol)
	require.NoError(t, in.Finish())
}

func TestRDMAConfigRejected(t *testing.T) {
	props := control.NewProperties()
	props.Set("", rdma.PropMTU, "0")
	_, err := rdma.New(fake.NewFabric(1)).NewOutput(params("ping/rdma", props))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	props = control.NewProperties()
	props.Set("", rdma.PropUnit, "3")
	out, err := rdma.New(fake.NewFabric(1)).NewOutput(params("ping/rdma", props))
	require.NoError(t, err)
	defer out.Free()
	err = out.SetupConnection(context.Background(), api.Connection{Peer: 1})
	assert.ErrorIs(t, err, api.ErrIO)
}

func TestRDMAPeerClose(t *testing.T) {
	fab := fake.NewFabric(1)
	out, in := connect(t, fab, nil, nil)

	errc := make(chan error, 1)
	go func() {
		_, _, err := in.Poll(true)
		errc <- err
	}()
	require.NoError(t, out.Close(2))
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, api.ErrConnClosed)
	case <-time.After(time.Second):
		t.Fatal("Poll stayed blocked after close")
	}
	assert.ErrorIs(t, out.InitSend(), api.ErrConnClosed)
	require.NoError(t, out.Free())
	require.NoError(t, in.Free())
	require.NoError(t, in.Free())
	assert.Zero(t, fab.OpenDevices())
	assert.Zero(t, fab.OpenPorts())
	assert.Zero(t, fab.Violations())
}

func TestRDMATeardownBarrier(t *testing.T) {
	fab := fake.NewFabric(1)
	var seen atomic.Int64
	h := api.UpcallFunc(func(_ context.Context, in api.Input, _ api.PeerID) error {
		p := make([]byte, 2)
		if err := in.ReadBytes(p); err != nil {
			return err
		}
		seen.Add(1)
		return in.Finish()
	})
	out, in := connect(t, fab, nil, h)

	for i := 0; i < 5; i++ {
		require.NoError(t, out.InitSend())
		require.NoError(t, out.WriteBytes([]byte{byte(i), 1}))
		_, err := out.Finish()
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return seen.Load() == 5 }, 2*time.Second, time.Millisecond)

	_, _, err := in.Poll(false)
	assert.ErrorIs(t, err, api.ErrNotSupported)

	require.NoError(t, in.Free())
	polls := fab.Polls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, polls, fab.Polls(), "no poll after free")
	assert.Zero(t, fab.Violations())

	require.NoError(t, out.InitSend())
	assert.ErrorIs(t, out.WriteBytes([]byte{9, 9}), api.ErrConnClosed)
	require.NoError(t, out.Free())
	assert.Zero(t, fab.OpenDevices())
	assert.Zero(t, fab.Violations())
}

func TestRDMAUnderPacketizer(t *testing.T) {
	fab := fake.NewFabric(2)
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(packetizer.Kind{}))
	require.NoError(t, reg.Register(rdma.New(fab)))
	props := control.NewProperties()
	props.Set("", driver.PropDriver, packetizer.Name)
	props.Set("a/bytes", driver.PropDriver, rdma.Name)
	props.Set("b/bytes", driver.PropDriver, rdma.Name)
	p := driver.Params{Registry: reg, Props: props}

	got := make(chan string, 1)
	h := api.UpcallFunc(func(_ context.Context, in api.Input, _ api.PeerID) error {
		pin := in.(*packetizer.Input)
		s, err := pin.ReadString()
		if err != nil {
			return err
		}
		got <- s
		return in.Finish()
	})
	out, err := driver.NewOutput(p, "a")
	require.NoError(t, err)
	in, err := driver.NewInput(p, "b", h)
	require.NoError(t, err)
	defer out.Free()
	defer in.Free()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, driver.Connect(ctx, out, 1, in, 2))

	po := out.(*packetizer.Output)
	require.NoError(t, po.InitSend())
	require.NoError(t, po.WriteString("over the fabric"))
	_, err = po.Finish()
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, "over the fabric", s)
	case <-time.After(2 * time.Second):
		t.Fatal("no upcall")
	}
}

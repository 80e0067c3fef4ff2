// Author: momentics <momentics@gmail.com>

package packetizer

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
	"github.com/momentics/hioload-net/fake"
)

func newOutput(t *testing.T, mtu, headers, split int) (*Output, *fake.Output, *control.MetricsRegistry) {
	t.Helper()
	fo := fake.NewOutput(mtu, headers)
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(fake.OutputKind("fake", fo)))
	props := control.NewProperties()
	props.Set("app/bytes", driver.PropDriver, "fake")
	metrics := control.NewMetricsRegistry()

	cfg := DefaultConfig()
	cfg.SplitThreshold = split
	o := NewOutput(Params{
		Params: driver.Params{Context: "app/bytes", Registry: reg, Props: props, Metrics: metrics},
		Config: cfg,
	})
	t.Cleanup(func() { o.Free() })
	require.NoError(t, o.SetupConnection(context.Background(), api.Connection{Peer: 1}))
	return o, fo, metrics
}

func TestOutputFlowControl(t *testing.T) {
	o, _, _ := newOutput(t, 64, 4, 8)

	assert.ErrorIs(t, o.WriteInt32(1), api.ErrNoMessage)
	_, err := o.Finish()
	assert.ErrorIs(t, err, api.ErrNoMessage)

	require.NoError(t, o.InitSend())
	assert.ErrorIs(t, o.InitSend(), api.ErrMessageInProgress)
	require.NoError(t, o.WriteInt32(1))
	_, err = o.Finish()
	require.NoError(t, err)

	require.NoError(t, o.InitSend())
	_, err = o.Finish()
	require.NoError(t, err)
}

func TestOutputFlushesWithinSplitThreshold(t *testing.T) {
	o, fo, metrics := newOutput(t, 16, 4, 8)

	require.NoError(t, o.InitSend())
	require.NoError(t, o.WriteInt64(1))
	// 4 bytes free, 4 missing: within the threshold, so a fresh buffer
	require.NoError(t, o.WriteInt64(2))
	n, err := o.Finish()
	require.NoError(t, err)

	assert.Equal(t, []int{12, 12}, fo.Sizes())
	assert.Equal(t, int64(24), n)
	assert.Equal(t, int64(2), metrics.Counter(control.MetricBuffersFlushed).Load())
	for i, p := range fo.Packets() {
		assert.Equal(t, uint64(i+1), binary.BigEndian.Uint64(p.Data[4:12]))
	}
}

func TestOutputSplitsPastThreshold(t *testing.T) {
	o, fo, _ := newOutput(t, 16, 4, 2)

	require.NoError(t, o.InitSend())
	require.NoError(t, o.WriteInt64(1))
	require.NoError(t, o.WriteInt64(0x0102030405060708))
	_, err := o.Finish()
	require.NoError(t, err)

	assert.Equal(t, []int{16, 8}, fo.Sizes())
	p := fo.Packets()
	assert.Equal(t, []byte{1, 2, 3, 4}, p[0].Data[12:16])
	assert.Equal(t, []byte{5, 6, 7, 8}, p[1].Data[4:8])
}

func TestOutputArrayChunks(t *testing.T) {
	o, fo, _ := newOutput(t, 16, 4, 8)

	vals := []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.NoError(t, o.InitSend())
	require.NoError(t, o.WriteInt32s(vals))
	_, err := o.Finish()
	require.NoError(t, err)

	assert.Equal(t, []int{16, 16, 16, 8}, fo.Sizes())
	var got []int32
	for _, p := range fo.Packets() {
		for off := 4; off < len(p.Data); off += 4 {
			got = append(got, int32(binary.BigEndian.Uint32(p.Data[off:])))
		}
	}
	assert.Equal(t, vals, got)
}

func TestOutputUnboundedChain(t *testing.T) {
	o, fo, _ := newOutput(t, 0, 0, 8)

	require.NoError(t, o.InitSend())
	require.NoError(t, o.WriteInt32(5))
	require.NoError(t, o.WriteBool(true))
	require.NoError(t, o.WriteInt16s(make([]int16, 3000)))
	require.NoError(t, o.WriteFloat64s([]float64{1, 2}))
	n, err := o.Finish()
	require.NoError(t, err)

	var sizes []int
	for _, p := range fo.Packets() {
		assert.Equal(t, fake.BytesPacket, p.Kind)
		sizes = append(sizes, len(p.Data))
	}
	assert.Equal(t, []int{4, 1, 6000, 16}, sizes)
	assert.Equal(t, int64(6021), n)
}

func TestOutputObjectAndBufferFlushFirst(t *testing.T) {
	o, fo, _ := newOutput(t, 64, 4, 8)

	b := api.NewBuffer(make([]byte, 10), nil)
	b.Length = 10
	require.NoError(t, o.InitSend())
	require.NoError(t, o.WriteInt32(7))
	require.NoError(t, o.WriteObject("state"))
	require.NoError(t, o.WriteInt32(8))
	require.NoError(t, o.WriteBuffer(b))
	_, err := o.Finish()
	require.NoError(t, err)

	p := fo.Packets()
	require.Len(t, p, 4)
	assert.Equal(t, fake.BufferPacket, p[0].Kind)
	assert.Len(t, p[0].Data, 8)
	assert.Equal(t, fake.ObjectPacket, p[1].Kind)
	assert.Equal(t, "state", p[1].Object)
	assert.Len(t, p[2].Data, 8)
	assert.Len(t, p[3].Data, 10)
}

func TestOutputRefusesGeometryChangeMidMessage(t *testing.T) {
	o, fo, _ := newOutput(t, 64, 4, 8)
	ctx := context.Background()

	require.NoError(t, o.InitSend())
	require.NoError(t, o.WriteInt32(1))
	fo.SetLimits(32, 8)
	err := o.SetupConnection(ctx, api.Connection{Peer: 2})
	assert.ErrorIs(t, err, api.ErrState)
	assert.Equal(t, api.Closed, fo.State(2))
	assert.Equal(t, 64, o.MaximumTransferUnit())
	_, err = o.Finish()
	require.NoError(t, err)

	require.NoError(t, o.SetupConnection(ctx, api.Connection{Peer: 3}))
	assert.Equal(t, 32, o.MaximumTransferUnit())
	assert.Equal(t, 8, o.HeadersLength())
	assert.ErrorIs(t, o.SetupConnection(ctx, api.Connection{Peer: 3}), api.ErrAlreadyConnected)
}

func TestOutputGeometryTakenAtFirstWrite(t *testing.T) {
	o, fo, _ := newOutput(t, 100, 4, 8)

	require.NoError(t, o.InitSend())
	fo.SetLimits(20, 4)
	require.NoError(t, o.SetupConnection(context.Background(), api.Connection{Peer: 2}))
	assert.Equal(t, 20, o.MaximumTransferUnit())

	require.NoError(t, o.WriteBytes(make([]byte, 50)))
	_, err := o.Finish()
	require.NoError(t, err)

	payload := 0
	for _, n := range fo.Sizes() {
		assert.LessOrEqual(t, n, 20)
		payload += n - 4
	}
	assert.Equal(t, 50, payload)
}

func TestOutputHeadersMustLeavePayload(t *testing.T) {
	fo := fake.NewOutput(4, 4)
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(fake.OutputKind("fake", fo)))
	props := control.NewProperties()
	props.Set("app", driver.PropDriver, "fake")
	o := NewOutput(Params{Params: driver.Params{Context: "app/bytes", Registry: reg, Props: props}, Config: DefaultConfig()})

	err := o.SetupConnection(context.Background(), api.Connection{Peer: 1})
	var ae *api.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, api.ErrCodeInvalidArgument, ae.Code)
}

func TestOutputCloseAndFree(t *testing.T) {
	o, fo, _ := newOutput(t, 64, 4, 8)

	require.NoError(t, o.Close(1))
	assert.Equal(t, api.Closed, fo.State(1))
	assert.ErrorIs(t, o.Close(1), api.ErrState)

	require.NoError(t, o.Free())
	require.NoError(t, o.Free())
	assert.Equal(t, 1, fo.Freed())
	assert.ErrorIs(t, o.InitSend(), api.ErrConnClosed)
}

func TestFoldMTUKeepsUnboundedChain(t *testing.T) {
	assert.Zero(t, foldMTU(32*1024, 0))
	assert.Equal(t, 1500, foldMTU(32*1024, 1500))
	assert.Equal(t, 32*1024, foldMTU(32*1024, 64*1024))
	assert.Equal(t, 64*1024, foldMTU(0, 64*1024))
}

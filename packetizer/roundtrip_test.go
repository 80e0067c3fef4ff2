// Author: momentics <momentics@gmail.com>

package packetizer_test

import (
	"context"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
	"github.com/momentics/hioload-net/packetizer"
	"github.com/momentics/hioload-net/transport/loop"
)

type sample struct {
	Name  string
	Value float64
}

type payload struct {
	b     bool
	by    byte
	i16   int16
	u16   uint16
	i32   int32
	i64   int64
	f32   float32
	f64   float64
	s     string
	bools []bool
	i16s  []int16
	u16s  []uint16
	i32s  []int32
	i64s  []int64
	f32s  []float32
	f64s  []float64
	raw   []byte
	obj   sample
	tail  int32
}

func newPayload() payload {
	p := payload{
		b: true, by: 0xab, i16: -2, u16: 65000, i32: -123456,
		i64: math.MinInt64 + 5, f32: 3.5, f64: -2.25, s: "héllo, wörld",
		obj: sample{Name: "temp", Value: 21.5}, tail: 42,
	}
	for i := 0; i < 37; i++ {
		p.bools = append(p.bools, i%3 == 0)
		p.i16s = append(p.i16s, int16(-i*7))
		p.u16s = append(p.u16s, uint16(i*1000))
	}
	for i := 0; i < 101; i++ {
		p.i32s = append(p.i32s, int32(i*i-5000))
		p.f32s = append(p.f32s, float32(i)/3)
	}
	for i := 0; i < 300; i++ {
		p.i64s = append(p.i64s, int64(i)<<40-int64(i))
		p.f64s = append(p.f64s, float64(i)*math.Pi)
	}
	for i := 0; i < 3000; i++ {
		p.raw = append(p.raw, byte(i*31))
	}
	return p
}

func (p payload) write(o *packetizer.Output) error {
	steps := []func() error{
		o.InitSend,
		func() error { return o.WriteBool(p.b) },
		func() error { return o.WriteByte(p.by) },
		func() error { return o.WriteInt16(p.i16) },
		func() error { return o.WriteUint16(p.u16) },
		func() error { return o.WriteInt32(p.i32) },
		func() error { return o.WriteInt64(p.i64) },
		func() error { return o.WriteFloat32(p.f32) },
		func() error { return o.WriteFloat64(p.f64) },
		func() error { return o.WriteString(p.s) },
		func() error { return o.WriteBools(p.bools) },
		func() error { return o.WriteInt16s(p.i16s) },
		func() error { return o.WriteUint16s(p.u16s) },
		func() error { return o.WriteInt32s(p.i32s) },
		func() error { return o.WriteInt64s(p.i64s) },
		func() error { return o.WriteFloat32s(p.f32s) },
		func() error { return o.WriteFloat64s(p.f64s) },
		func() error { return o.WriteBytes(p.raw) },
		func() error { return o.WriteObject(p.obj) },
		func() error { return o.WriteInt32(p.tail) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	_, err := o.Finish()
	return err
}

func (p payload) read(t *testing.T, in *packetizer.Input) {
	t.Helper()
	var err error
	var got payload
	got.b, err = in.ReadBool()
	require.NoError(t, err)
	got.by, err = in.ReadByte()
	require.NoError(t, err)
	got.i16, err = in.ReadInt16()
	require.NoError(t, err)
	got.u16, err = in.ReadUint16()
	require.NoError(t, err)
	got.i32, err = in.ReadInt32()
	require.NoError(t, err)
	got.i64, err = in.ReadInt64()
	require.NoError(t, err)
	got.f32, err = in.ReadFloat32()
	require.NoError(t, err)
	got.f64, err = in.ReadFloat64()
	require.NoError(t, err)
	got.s, err = in.ReadString()
	require.NoError(t, err)

	got.bools = make([]bool, len(p.bools))
	require.NoError(t, in.ReadBools(got.bools))
	got.i16s = make([]int16, len(p.i16s))
	require.NoError(t, in.ReadInt16s(got.i16s))
	got.u16s = make([]uint16, len(p.u16s))
	require.NoError(t, in.ReadUint16s(got.u16s))
	got.i32s = make([]int32, len(p.i32s))
	require.NoError(t, in.ReadInt32s(got.i32s))
	got.i64s = make([]int64, len(p.i64s))
	require.NoError(t, in.ReadInt64s(got.i64s))
	got.f32s = make([]float32, len(p.f32s))
	require.NoError(t, in.ReadFloat32s(got.f32s))
	got.f64s = make([]float64, len(p.f64s))
	require.NoError(t, in.ReadFloat64s(got.f64s))
	got.raw = make([]byte, len(p.raw))
	require.NoError(t, in.ReadBytes(got.raw))
	require.NoError(t, in.ReadObject(&got.obj))
	got.tail, err = in.ReadInt32()
	require.NoError(t, err)
	require.NoError(t, in.Finish())

	assert.Equal(t, p, got)
}

// chain builds a packetizer over the loop transport on both ends.
func chain(t *testing.T, mtu, headers int) (*packetizer.Output, *packetizer.Input) {
	t.Helper()
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(packetizer.Kind{}))
	require.NoError(t, reg.Register(loop.Kind{Fabric: loop.NewFabric()}))

	props := control.NewProperties()
	for _, side := range []string{"ping", "pong"} {
		props.Set(side, driver.PropDriver, packetizer.Name)
		props.Set(side+"/bytes", driver.PropDriver, loop.Name)
		props.Set(side+"/bytes/loop", loop.PropMTU, strconv.Itoa(mtu))
		props.Set(side+"/bytes/loop", loop.PropHeaders, strconv.Itoa(headers))
	}
	p := driver.Params{Registry: reg, Props: props}

	out, err := driver.NewOutput(p, "ping")
	require.NoError(t, err)
	in, err := driver.NewInput(p, "pong", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		out.Free()
		in.Free()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, driver.Connect(ctx, out, 1, in, 2))
	return out.(*packetizer.Output), in.(*packetizer.Input)
}

func TestRoundTrip(t *testing.T) {
	for _, mtu := range []int{0, 1, 2, 7, 8, 64, 4096} {
		t.Run("mtu="+strconv.Itoa(mtu), func(t *testing.T) {
			headers := 0
			if mtu >= 8 {
				headers = 4
			}
			out, in := chain(t, mtu, headers)
			assert.Equal(t, mtu, out.MaximumTransferUnit())
			assert.Equal(t, headers, in.HeadersLength())

			p := newPayload()
			var g errgroup.Group
			g.Go(func() error {
				for i := 0; i < 2; i++ {
					if err := p.write(out); err != nil {
						return err
					}
				}
				return nil
			})
			for i := 0; i < 2; i++ {
				peer, ok, err := in.Poll(true)
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, api.PeerID(1), peer)
				p.read(t, in)
			}
			require.NoError(t, g.Wait())
		})
	}
}

func TestRoundTripUpcalls(t *testing.T) {
	reg := driver.NewRegistry()
	require.NoError(t, reg.Register(packetizer.Kind{}))
	require.NoError(t, reg.Register(loop.Kind{Fabric: loop.NewFabric()}))
	props := control.NewProperties()
	props.Set("", driver.PropDriver, packetizer.Name)
	props.Set("sensor/bytes", driver.PropDriver, loop.Name)
	props.Set("sink/bytes", driver.PropDriver, loop.Name)
	p := driver.Params{Registry: reg, Props: props}

	got := make(chan int32, 4)
	h := api.UpcallFunc(func(_ context.Context, in api.Input, peer api.PeerID) error {
		v, err := in.(*packetizer.Input).ReadInt32()
		if err != nil {
			return err
		}
		got <- v
		return in.Finish()
	})
	out, err := driver.NewOutput(p, "sensor")
	require.NoError(t, err)
	in, err := driver.NewInput(p, "sink", h)
	require.NoError(t, err)
	defer out.Free()
	defer in.Free()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, driver.Connect(ctx, out, 7, in, 8))

	po := out.(*packetizer.Output)
	for i := int32(1); i <= 3; i++ {
		require.NoError(t, po.InitSend())
		require.NoError(t, po.WriteInt32(i*10))
		_, err := po.Finish()
		require.NoError(t, err)
	}
	var sum int32
	for i := 0; i < 3; i++ {
		select {
		case v := <-got:
			sum += v
		case <-time.After(2 * time.Second):
			t.Fatal("upcall not delivered")
		}
	}
	assert.Equal(t, int32(60), sum)
}

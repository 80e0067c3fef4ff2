// File: packetizer/output.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package packetizer

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
	"github.com/momentics/hioload-net/pool"
)

// Output is the send side of the "bytes" driver. One goroutine writes a
// message at a time; connection setup may run concurrently.
type Output struct {
	params driver.Params
	log    *zap.Logger
	cfg    Config
	pool   *pool.BufferPool

	a2, a4, a8, an *pool.Allocator

	mu      sync.Mutex
	sub     api.Output
	mtu     int
	headers int
	peers   map[api.PeerID]api.ConnState
	freed   bool

	// live holds between the first write of a message and its Finish; the
	// message geometry is taken then and setups that would change it are
	// refused.
	live atomic.Bool

	// message state, owned by the writer
	inMessage  bool
	msgMTU     int
	dataOffset int
	buffer     *api.Buffer

	flushed   *atomic.Int64
	bytesSent *atomic.Int64
}

// NewOutput creates an unconnected output. The sub-output is created on the
// first SetupConnection.
func NewOutput(p Params) *Output {
	p.Params = p.Params.WithDefaults()
	return &Output{
		params:    p.Params,
		log:       p.Params.Logger,
		cfg:       p.Config,
		pool:      p.Params.Pool,
		a2:        p.Params.Pool.Allocator(2),
		a4:        p.Params.Pool.Allocator(4),
		a8:        p.Params.Pool.Allocator(8),
		an:        p.Params.Pool.Allocator(p.Config.SpillThreshold),
		peers:     make(map[api.PeerID]api.ConnState),
		flushed:   p.Params.Metrics.Counter(control.MetricBuffersFlushed),
		bytesSent: p.Params.Metrics.Counter(control.MetricBytesSent),
	}
}

// SetupConnection connects the sub-output to c.Peer and folds its limits.
func (o *Output) SetupConnection(ctx context.Context, c api.Connection) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.freed {
		return api.ErrConnClosed
	}
	if o.peers[c.Peer] == api.Connected {
		return api.ErrAlreadyConnected
	}
	if o.sub == nil {
		sub, err := o.params.NewSubOutput()
		if err != nil {
			return err
		}
		o.sub = sub
	}
	if err := o.sub.SetupConnection(ctx, c); err != nil {
		return err
	}

	mtu := foldMTU(o.cfg.MaxMTU, o.sub.MaximumTransferUnit())
	headers := max(o.headers, o.sub.HeadersLength())
	if o.live.Load() && (mtu != o.mtu || headers != o.headers) {
		o.sub.Close(c.Peer)
		return api.NewError(api.ErrCodeState, "buffer geometry change during a message").
			WithContext("peer", c.Peer.String()).
			WithContext("mtu", mtu).
			WithContext("headers", headers)
	}
	if mtu != 0 && headers >= mtu {
		o.sub.Close(c.Peer)
		return api.NewError(api.ErrCodeInvalidArgument, "headers leave no payload").
			WithContext("mtu", mtu).
			WithContext("headers", headers)
	}
	o.mtu, o.headers = mtu, headers
	o.peers[c.Peer] = api.Connected
	o.log.Debug("output connected",
		zap.Stringer("peer", c.Peer), zap.Int("mtu", mtu), zap.Int("headers", headers))
	return nil
}

// foldMTU caps a sub-driver mtu; zero stays unbounded.
func foldMTU(maxMTU, sub int) int {
	if sub == 0 {
		return 0
	}
	if maxMTU > 0 && sub > maxMTU {
		return maxMTU
	}
	return sub
}

func (o *Output) MaximumTransferUnit() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mtu
}

func (o *Output) HeadersLength() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.headers
}

// InitSend starts a message. A second InitSend before Finish is refused.
func (o *Output) InitSend() error {
	o.mu.Lock()
	if o.freed {
		o.mu.Unlock()
		return api.ErrConnClosed
	}
	if o.sub == nil {
		o.mu.Unlock()
		return api.ErrNotConnected
	}
	if o.inMessage {
		o.mu.Unlock()
		return api.ErrMessageInProgress
	}
	sub := o.sub
	o.mu.Unlock()

	if err := sub.InitSend(); err != nil {
		return err
	}
	o.inMessage = true
	return nil
}

// Finish flushes the live buffer and finishes the sub-output.
func (o *Output) Finish() (int64, error) {
	if !o.inMessage {
		return 0, api.ErrNoMessage
	}
	o.inMessage = false
	err := o.flush()
	o.live.Store(false)
	n, ferr := o.sub.Finish()
	if err != nil {
		return n, err
	}
	return n, ferr
}

// Close removes one peer from the sub-output.
func (o *Output) Close(peer api.PeerID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.freed {
		return api.ErrConnClosed
	}
	if o.peers[peer] != api.Connected {
		return api.StateError("close", o.peers[peer])
	}
	o.peers[peer] = api.Closed
	return o.sub.Close(peer)
}

// Free releases the live buffer and the sub-output.
func (o *Output) Free() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.freed {
		return nil
	}
	o.freed = true
	if o.buffer != nil {
		o.buffer.Free()
		o.buffer = nil
	}
	if o.sub == nil {
		return nil
	}
	return o.sub.Free()
}

func (o *Output) check() error {
	if !o.inMessage {
		return api.ErrNoMessage
	}
	if !o.live.Load() {
		o.mu.Lock()
		o.msgMTU, o.dataOffset = o.mtu, o.headers
		o.live.Store(true)
		o.mu.Unlock()
	}
	return nil
}

func (o *Output) allocate() {
	if o.buffer != nil {
		o.buffer.Free()
	}
	o.buffer = o.pool.Get(o.msgMTU)
	o.buffer.Length = o.dataOffset
	o.buffer.Base = o.dataOffset
}

// flush hands the live buffer to the sub-output and releases it.
func (o *Output) flush() error {
	b := o.buffer
	if b == nil {
		return nil
	}
	o.buffer = nil
	err := o.sub.WriteBuffer(b)
	o.flushed.Add(1)
	o.bytesSent.Add(int64(b.Length))
	b.Free()
	return err
}

func (o *Output) flushIfNeeded() error {
	if o.buffer != nil && o.buffer.Length == len(o.buffer.Data) {
		return o.flush()
	}
	return nil
}

// ensure makes room for l contiguous bytes. It reports false when the value
// must be split: it is larger than a packet payload, or it overflows the
// live buffer by more than the split threshold.
func (o *Output) ensure(l int) (bool, error) {
	if l > o.msgMTU-o.dataOffset {
		return false, nil
	}
	if o.buffer == nil {
		o.allocate()
		return true, nil
	}
	available := o.msgMTU - o.buffer.Length
	if l <= available {
		return true, nil
	}
	if l-available > o.cfg.SplitThreshold {
		return false, nil
	}
	if err := o.flush(); err != nil {
		return false, err
	}
	o.allocate()
	return true, nil
}

func (o *Output) spill(size int) *pool.Allocator {
	switch size {
	case 2:
		return o.a2
	case 4:
		return o.a4
	case 8:
		return o.a8
	}
	return o.pool.Allocator(size)
}

// writeScalar writes one value of size bytes encoded by put.
func (o *Output) writeScalar(size int, put func(b []byte)) error {
	if err := o.check(); err != nil {
		return err
	}
	if o.msgMTU == 0 {
		a := o.spill(size)
		b := a.Allocate()
		put(b)
		err := o.sub.WriteBytes(b)
		a.Free(b)
		return err
	}
	ok, err := o.ensure(size)
	if err != nil {
		return err
	}
	if ok {
		put(o.buffer.Data[o.buffer.Length : o.buffer.Length+size])
		o.buffer.Length += size
		return o.flushIfNeeded()
	}

	a := o.spill(size)
	b := a.Allocate()
	defer a.Free(b)
	put(b)
	return o.copyOut(b)
}

// copyOut appends p chunk-wise, flushing buffers as they fill.
func (o *Output) copyOut(p []byte) error {
	for len(p) > 0 {
		if o.buffer == nil {
			o.allocate()
		}
		n := copy(o.buffer.Data[o.buffer.Length:], p)
		o.buffer.Length += n
		p = p[n:]
		if err := o.flushIfNeeded(); err != nil {
			return err
		}
	}
	return nil
}

// writeArray writes n elements of size bytes each.
func (o *Output) writeArray(n, size int, put putter) error {
	if err := o.check(); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	total := n * size
	if o.msgMTU == 0 {
		if total <= o.cfg.SpillThreshold {
			b := o.an.Allocate()
			put(b, 0, n)
			err := o.sub.WriteBytes(b[:total])
			o.an.Free(b)
			return err
		}
		b := make([]byte, total)
		put(b, 0, n)
		return o.sub.WriteBytes(b)
	}

	ok, err := o.ensure(total)
	if err != nil {
		return err
	}
	if ok {
		put(o.buffer.Data[o.buffer.Length:], 0, n)
		o.buffer.Length += total
		return o.flushIfNeeded()
	}

	if size > o.msgMTU-o.dataOffset {
		for i := 0; i < n; i++ {
			if err := o.writeScalar(size, func(b []byte) { put(b, i, 1) }); err != nil {
				return err
			}
		}
		return nil
	}

	from := 0
	for n > 0 {
		if o.buffer == nil {
			o.allocate()
		}
		count := min(n, (len(o.buffer.Data)-o.buffer.Length)/size)
		if count == 0 {
			if err := o.flush(); err != nil {
				return err
			}
			continue
		}
		put(o.buffer.Data[o.buffer.Length:], from, count)
		from += count
		n -= count
		o.buffer.Length += count * size
		if err := o.flushIfNeeded(); err != nil {
			return err
		}
	}
	return nil
}

// WriteBuffer flushes the live buffer, then sends b as its own packet.
// b must reserve HeadersLength bytes at its start.
func (o *Output) WriteBuffer(b *api.Buffer) error {
	if err := o.check(); err != nil {
		return err
	}
	if err := o.flush(); err != nil {
		return err
	}
	return o.sub.WriteBuffer(b)
}

// WriteObject flushes the live buffer, then delegates v.
func (o *Output) WriteObject(v any) error {
	if err := o.check(); err != nil {
		return err
	}
	if err := o.flush(); err != nil {
		return err
	}
	return o.sub.WriteObject(v)
}

func (o *Output) WriteBytes(p []byte) error {
	if err := o.check(); err != nil {
		return err
	}
	if o.msgMTU == 0 {
		return o.sub.WriteBytes(p)
	}
	return o.writeArray(len(p), 1, putBytes(p))
}

func (o *Output) WriteBool(v bool) error { return o.WriteByte(boolByte(v)) }

func (o *Output) WriteByte(v byte) error {
	if err := o.check(); err != nil {
		return err
	}
	if o.msgMTU == 0 {
		return o.sub.WriteBytes([]byte{v})
	}
	if o.buffer == nil {
		o.allocate()
	}
	o.buffer.Data[o.buffer.Length] = v
	o.buffer.Length++
	return o.flushIfNeeded()
}

func (o *Output) WriteInt16(v int16) error { return o.WriteUint16(uint16(v)) }

func (o *Output) WriteUint16(v uint16) error {
	return o.writeScalar(2, func(b []byte) { binary.BigEndian.PutUint16(b, v) })
}

func (o *Output) WriteInt32(v int32) error {
	return o.writeScalar(4, func(b []byte) { binary.BigEndian.PutUint32(b, uint32(v)) })
}

func (o *Output) WriteInt64(v int64) error {
	return o.writeScalar(8, func(b []byte) { binary.BigEndian.PutUint64(b, uint64(v)) })
}

func (o *Output) WriteFloat32(v float32) error {
	return o.writeScalar(4, func(b []byte) { binary.BigEndian.PutUint32(b, math.Float32bits(v)) })
}

func (o *Output) WriteFloat64(v float64) error {
	return o.writeScalar(8, func(b []byte) { binary.BigEndian.PutUint64(b, math.Float64bits(v)) })
}

// WriteString writes the byte length as int32, then the UTF-8 bytes.
func (o *Output) WriteString(s string) error {
	if len(s) > math.MaxInt32 {
		return api.NewError(api.ErrCodeInvalidArgument, "string too long")
	}
	if err := o.WriteInt32(int32(len(s))); err != nil {
		return err
	}
	return o.WriteBytes([]byte(s))
}

func (o *Output) WriteBools(v []bool) error       { return o.writeArray(len(v), 1, putBools(v)) }
func (o *Output) WriteInt16s(v []int16) error     { return o.writeArray(len(v), 2, putInt16s(v)) }
func (o *Output) WriteUint16s(v []uint16) error   { return o.writeArray(len(v), 2, putUint16s(v)) }
func (o *Output) WriteInt32s(v []int32) error     { return o.writeArray(len(v), 4, putInt32s(v)) }
func (o *Output) WriteInt64s(v []int64) error     { return o.writeArray(len(v), 8, putInt64s(v)) }
func (o *Output) WriteFloat32s(v []float32) error { return o.writeArray(len(v), 4, putFloat32s(v)) }
func (o *Output) WriteFloat64s(v []float64) error { return o.writeArray(len(v), 8, putFloat64s(v)) }

var _ api.Output = (*Output)(nil)

// File: packetizer/input.go
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

// Input is the receive side of the "bytes" driver. Packets are drained
// sequentially from their header offset; values straddling two packets are
// reassembled in spill blocks.
type Input struct {
	params  driver.Params
	log     *zap.Logger
	cfg     Config
	pool    *pool.BufferPool
	handler api.UpcallHandler

	a2, a4, a8, an *pool.Allocator

	mu      sync.Mutex
	sub     api.Input
	mtu     int
	headers int
	peers   map[api.PeerID]api.ConnState
	freed   bool

	// gen advances when a message starts or finishes
	gen atomic.Uint64

	// message state, owned by the reader
	active bool
	peer   api.PeerID
	buffer *api.Buffer
	offset int
	msgMTU int
	msgHdr int

	received *atomic.Int64
}

// NewInput creates an unconnected input. With h set, messages are pushed to
// h from the upcall machinery of the chain below.
func NewInput(p Params, h api.UpcallHandler) *Input {
	p.Params = p.Params.WithDefaults()
	return &Input{
		params:   p.Params,
		log:      p.Params.Logger,
		cfg:      p.Config,
		pool:     p.Params.Pool,
		handler:  h,
		a2:       p.Params.Pool.Allocator(2),
		a4:       p.Params.Pool.Allocator(4),
		a8:       p.Params.Pool.Allocator(8),
		an:       p.Params.Pool.Allocator(p.Config.SpillThreshold),
		peers:    make(map[api.PeerID]api.ConnState),
		received: p.Params.Metrics.Counter(control.MetricMessagesReceived),
	}
}

func (in *Input) SetupConnection(ctx context.Context, c api.Connection) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.freed {
		return api.ErrConnClosed
	}
	if in.peers[c.Peer] == api.Connected {
		return api.ErrAlreadyConnected
	}
	if in.sub == nil {
		var h api.UpcallHandler
		if in.handler != nil {
			h = in
		}
		sub, err := in.params.NewSubInput(h)
		if err != nil {
			return err
		}
		in.sub = sub
	}
	if err := in.sub.SetupConnection(ctx, c); err != nil {
		return err
	}
	in.mtu = foldMTU(in.cfg.MaxMTU, in.sub.MaximumTransferUnit())
	in.headers = max(in.headers, in.sub.HeadersLength())
	in.peers[c.Peer] = api.Connected
	in.log.Debug("input connected",
		zap.Stringer("peer", c.Peer), zap.Int("mtu", in.mtu), zap.Int("headers", in.headers))
	return nil
}

func (in *Input) MaximumTransferUnit() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.mtu
}

func (in *Input) HeadersLength() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.headers
}

// begin resets the message state for a message from peer.
func (in *Input) begin(peer api.PeerID) uint64 {
	in.mu.Lock()
	in.msgMTU, in.msgHdr = in.mtu, in.headers
	in.mu.Unlock()
	in.release()
	in.active = true
	in.peer = peer
	return in.gen.Add(1)
}

func (in *Input) release() {
	if in.buffer != nil {
		in.buffer.Free()
		in.buffer = nil
	}
}

func (in *Input) subInput() (api.Input, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.freed {
		return nil, api.ErrConnClosed
	}
	if in.sub == nil {
		return nil, api.ErrNotConnected
	}
	return in.sub, nil
}

// Poll asks the sub-input for the next message.
func (in *Input) Poll(block bool) (api.PeerID, bool, error) {
	sub, err := in.subInput()
	if err != nil {
		return 0, false, err
	}
	if in.active {
		return 0, false, api.ErrMessageInProgress
	}
	peer, ok, err := sub.Poll(block)
	if err != nil || !ok {
		return 0, false, err
	}
	in.begin(peer)
	return peer, true, nil
}

// InputUpcall re-dispatches a message pushed by the sub-input.
func (in *Input) InputUpcall(ctx context.Context, _ api.Input, peer api.PeerID) error {
	g := in.begin(peer)
	err := in.handler.InputUpcall(ctx, in, peer)
	if in.gen.Load() == g {
		// returned without Finish: nothing else runs on this input yet and
		// the chain below completes the message
		in.active = false
		in.release()
	}
	return err
}

// Finish drops what is left of the message and finishes the sub-input.
func (in *Input) Finish() error {
	if !in.active {
		return api.ErrNoMessage
	}
	in.active = false
	in.release()
	in.gen.Add(1)
	in.received.Add(1)
	return in.sub.Finish()
}

func (in *Input) Close(peer api.PeerID) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.freed {
		return api.ErrConnClosed
	}
	if in.peers[peer] != api.Connected {
		return api.StateError("close", in.peers[peer])
	}
	in.peers[peer] = api.Closed
	return in.sub.Close(peer)
}

func (in *Input) Free() error {
	in.mu.Lock()
	if in.freed {
		in.mu.Unlock()
		return nil
	}
	in.freed = true
	sub := in.sub
	in.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Free()
}

func (in *Input) check() error {
	if !in.active {
		return api.ErrNoMessage
	}
	return nil
}

// next makes sure the current packet has unread bytes.
func (in *Input) next() error {
	for in.buffer == nil || in.offset >= in.buffer.Length {
		in.release()
		b := in.pool.Get(in.msgMTU)
		if err := in.sub.ReadBuffer(b); err != nil {
			b.Free()
			return err
		}
		if b.Length < in.msgHdr {
			n := b.Length
			b.Free()
			return api.SizeMismatchError(in.msgHdr, n)
		}
		b.Base = in.msgHdr
		in.buffer = b
		in.offset = in.msgHdr
	}
	return nil
}

// dropPacket discards the rest of the current packet before a read that
// starts a packet of its own.
func (in *Input) dropPacket() {
	if in.buffer != nil && in.offset < in.buffer.Length {
		in.log.Debug("discarding unread packet bytes",
			zap.Int("unread", in.buffer.Length-in.offset), zap.Stringer("peer", in.peer))
	}
	in.release()
}

func (in *Input) spill(size int) *pool.Allocator {
	switch size {
	case 2:
		return in.a2
	case 4:
		return in.a4
	case 8:
		return in.a8
	}
	return in.pool.Allocator(size)
}

func (in *Input) readScalar(size int, get func(b []byte)) error {
	if err := in.check(); err != nil {
		return err
	}
	if in.msgMTU == 0 {
		a := in.spill(size)
		b := a.Allocate()
		defer a.Free(b)
		if err := in.sub.ReadBytes(b); err != nil {
			return err
		}
		get(b)
		return nil
	}
	if err := in.next(); err != nil {
		return err
	}
	if in.buffer.Length-in.offset >= size {
		get(in.buffer.Data[in.offset : in.offset+size])
		in.offset += size
		return nil
	}
	a := in.spill(size)
	b := a.Allocate()
	defer a.Free(b)
	if err := in.copyIn(b); err != nil {
		return err
	}
	get(b)
	return nil
}

// copyIn fills p from consecutive packets.
func (in *Input) copyIn(p []byte) error {
	for len(p) > 0 {
		if err := in.next(); err != nil {
			return err
		}
		n := copy(p, in.buffer.Data[in.offset:in.buffer.Length])
		in.offset += n
		p = p[n:]
	}
	return nil
}

func (in *Input) readArray(n, size int, get getter) error {
	if err := in.check(); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	total := n * size
	if in.msgMTU == 0 {
		var b []byte
		if total <= in.cfg.SpillThreshold {
			b = in.an.Allocate()
			defer in.an.Free(b)
		} else {
			b = make([]byte, total)
		}
		if err := in.sub.ReadBytes(b[:total]); err != nil {
			return err
		}
		get(b, 0, n)
		return nil
	}

	from := 0
	for n > 0 {
		if err := in.next(); err != nil {
			return err
		}
		count := min(n, (in.buffer.Length-in.offset)/size)
		if count == 0 {
			i := from
			if err := in.readScalar(size, func(b []byte) { get(b, i, 1) }); err != nil {
				return err
			}
			from++
			n--
			continue
		}
		get(in.buffer.Data[in.offset:], from, count)
		in.offset += count * size
		from += count
		n -= count
	}
	return nil
}

// ReadBuffer reads the next packet whole into b; b.Base is set past the
// lower-layer headers.
func (in *Input) ReadBuffer(b *api.Buffer) error {
	if err := in.check(); err != nil {
		return err
	}
	in.dropPacket()
	if err := in.sub.ReadBuffer(b); err != nil {
		return err
	}
	b.Base = in.msgHdr
	return nil
}

// ReadObject drops the rest of the current packet and reads v from the
// sub-input.
func (in *Input) ReadObject(v any) error {
	if err := in.check(); err != nil {
		return err
	}
	in.dropPacket()
	return in.sub.ReadObject(v)
}

func (in *Input) ReadBytes(p []byte) error {
	if err := in.check(); err != nil {
		return err
	}
	if in.msgMTU == 0 {
		return in.sub.ReadBytes(p)
	}
	return in.readArray(len(p), 1, getBytes(p))
}

func (in *Input) ReadBool() (bool, error) {
	b, err := in.ReadByte()
	return b != 0, err
}

func (in *Input) ReadByte() (byte, error) {
	var v byte
	err := in.readScalar(1, func(b []byte) { v = b[0] })
	return v, err
}

func (in *Input) ReadInt16() (int16, error) {
	v, err := in.ReadUint16()
	return int16(v), err
}

func (in *Input) ReadUint16() (uint16, error) {
	var v uint16
	err := in.readScalar(2, func(b []byte) { v = binary.BigEndian.Uint16(b) })
	return v, err
}

func (in *Input) ReadInt32() (int32, error) {
	var v int32
	err := in.readScalar(4, func(b []byte) { v = int32(binary.BigEndian.Uint32(b)) })
	return v, err
}

func (in *Input) ReadInt64() (int64, error) {
	var v int64
	err := in.readScalar(8, func(b []byte) { v = int64(binary.BigEndian.Uint64(b)) })
	return v, err
}

func (in *Input) ReadFloat32() (float32, error) {
	var v float32
	err := in.readScalar(4, func(b []byte) { v = math.Float32frombits(binary.BigEndian.Uint32(b)) })
	return v, err
}

func (in *Input) ReadFloat64() (float64, error) {
	var v float64
	err := in.readScalar(8, func(b []byte) { v = math.Float64frombits(binary.BigEndian.Uint64(b)) })
	return v, err
}

// ReadString reads an int32 byte length and that many UTF-8 bytes.
func (in *Input) ReadString() (string, error) {
	n, err := in.ReadInt32()
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", api.ProtocolError("negative string length %d", n)
	}
	b := make([]byte, n)
	if err := in.ReadBytes(b); err != nil {
		return "", err
	}
	return string(b), nil
}

func (in *Input) ReadBools(v []bool) error       { return in.readArray(len(v), 1, getBools(v)) }
func (in *Input) ReadInt16s(v []int16) error     { return in.readArray(len(v), 2, getInt16s(v)) }
func (in *Input) ReadUint16s(v []uint16) error   { return in.readArray(len(v), 2, getUint16s(v)) }
func (in *Input) ReadInt32s(v []int32) error     { return in.readArray(len(v), 4, getInt32s(v)) }
func (in *Input) ReadInt64s(v []int64) error     { return in.readArray(len(v), 8, getInt64s(v)) }
func (in *Input) ReadFloat32s(v []float32) error { return in.readArray(len(v), 4, getFloat32s(v)) }
func (in *Input) ReadFloat64s(v []float64) error { return in.readArray(len(v), 8, getFloat64s(v)) }

var (
	_ api.Input         = (*Input)(nil)
	_ api.UpcallHandler = (*Input)(nil)
)

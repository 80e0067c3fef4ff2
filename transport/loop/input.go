// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package loop

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
	"github.com/momentics/hioload-net/internal/handshake"
	"github.com/momentics/hioload-net/internal/upcall"
	"github.com/momentics/hioload-net/internal/wire"
)

// Input receives the frames of one peer. In upcall mode an upcall pool
// pumps the lane and pushes every message to the handler.
type Input struct {
	params  driver.Params
	log     *zap.Logger
	fabric  *Fabric
	handler api.UpcallHandler
	bell    chan struct{}

	mu      sync.Mutex
	cfg     control.LoopConfig
	peer    api.PeerID
	state   api.ConnState
	l       *lane
	freed   bool
	upcalls *upcall.Pool

	// message state, owned by the reader
	active bool
	cur    frame
	hasCur bool
	off    int
}

// NewInput creates an unconnected input. A nil h selects explicit receive.
func NewInput(p driver.Params, f *Fabric, cfg control.LoopConfig, h api.UpcallHandler) *Input {
	p = p.WithDefaults()
	return &Input{
		params:  p,
		log:     p.Logger,
		fabric:  f,
		handler: h,
		bell:    make(chan struct{}, 1),
		cfg:     cfg,
	}
}

// SetupConnection publishes a lane on the fabric, hands its address to the
// peer and waits for the peer's output to pick it up.
func (in *Input) SetupConnection(ctx context.Context, c api.Connection) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	switch {
	case in.freed:
		return api.ErrConnClosed
	case in.state == api.Connected:
		return api.ErrAlreadyConnected
	case in.state == api.Closed:
		return api.StateError("setup", in.state)
	}

	l := newLane(in.cfg.QueueDepth, in.ring)
	addr := in.fabric.attach(l)
	defer in.fabric.detach(addr)

	local := localGeometry(in.cfg)
	local[propAddress] = addr
	remote, err := handshake.Exchange(ctx, c.Link, in.params.StreamName("geometry"), local)
	if err != nil {
		return err
	}
	cfg, err := foldGeometry(in.cfg, remote)
	if err != nil {
		return err
	}
	if err := handshake.Sync(ctx, c.Link, in.params.StreamName("sync")); err != nil {
		return err
	}
	in.cfg, in.l, in.peer, in.state = cfg, l, c.Peer, api.Connected
	in.log.Debug("loop input connected",
		zap.Stringer("peer", c.Peer), zap.String("address", addr), zap.Int("mtu", cfg.MTU))

	if in.handler != nil {
		in.upcalls = upcall.NewPool(in, upcall.Options{
			MaxIdle: in.params.Config.Upcall.MaxIdle,
			Logger:  in.log,
			Metrics: in.params.Metrics,
		})
		in.upcalls.Start()
	}
	return nil
}

func (in *Input) MaximumTransferUnit() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cfg.MTU
}

func (in *Input) HeadersLength() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cfg.Headers
}

// Ready is signalled whenever a frame is queued.
func (in *Input) Ready() <-chan struct{} { return in.bell }

func (in *Input) ring() {
	select {
	case in.bell <- struct{}{}:
	default:
	}
}

func (in *Input) conn() (*lane, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	switch {
	case in.freed, in.state == api.Closed:
		return nil, api.ErrConnClosed
	case in.state != api.Connected:
		return nil, api.ErrNotConnected
	}
	return in.l, nil
}

// remoteClosed records the close marker of the output.
func (in *Input) remoteClosed() {
	in.mu.Lock()
	if in.state == api.Connected {
		in.state = api.Closed
		in.log.Debug("loop peer closed", zap.Stringer("peer", in.peer))
	}
	in.mu.Unlock()
}

// Poll reports whether a message from the peer is queued.
func (in *Input) Poll(block bool) (api.PeerID, bool, error) {
	l, err := in.conn()
	if err != nil {
		return 0, false, err
	}
	if in.upcalls != nil {
		return 0, false, fmt.Errorf("loop: poll on an upcall input: %w", api.ErrNotSupported)
	}
	if in.active {
		return 0, false, api.ErrMessageInProgress
	}
	f, ok, err := l.head(context.Background(), block)
	if err != nil || !ok {
		return 0, false, err
	}
	if f.kind == closeFrame {
		in.remoteClosed()
		return 0, false, api.ErrConnClosed
	}
	in.active = true
	return in.peer, true, nil
}

// Pump waits for the next message on behalf of the upcall pool.
func (in *Input) Pump(ctx context.Context) error {
	l, err := in.conn()
	if err != nil {
		return api.ErrUpcallClosed
	}
	f, _, err := l.head(ctx, true)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return api.ErrUpcallClosed
	}
	if f.kind == closeFrame {
		in.remoteClosed()
		return api.ErrUpcallClosed
	}
	in.active = true
	return nil
}

// Deliver runs the handler on the pumped message.
func (in *Input) Deliver(ctx context.Context) error {
	return in.handler.InputUpcall(ctx, in, in.peer)
}

// Complete drops a delivered message the handler left unfinished.
func (in *Input) Complete() {
	in.active = false
	if err := in.discard(); err != nil {
		in.log.Debug("loop message dropped", zap.Error(err))
	}
}

// Finish drops the rest of the message. Inside an upcall the receive duty
// moves to another goroutine.
func (in *Input) Finish() error {
	if !in.active {
		return api.ErrNoMessage
	}
	err := in.discard()
	in.active = false
	if in.upcalls != nil {
		in.upcalls.Handoff()
	}
	return err
}

// discard consumes frames up to and including the end of the message.
func (in *Input) discard() error {
	in.consume()
	l, err := in.conn()
	if err != nil {
		return err
	}
	for {
		f, _, err := l.head(context.Background(), true)
		if err != nil {
			return err
		}
		if f.kind == closeFrame {
			in.remoteClosed()
			return api.ErrConnClosed
		}
		l.pop()
		f.release()
		if f.kind == endFrame {
			return nil
		}
	}
}

func (in *Input) consume() {
	if in.hasCur {
		in.cur.release()
		in.cur, in.hasCur, in.off = frame{}, false, 0
	}
}

// dataFrame returns the frame being read, taking the next one from the lane
// when needed.
func (in *Input) dataFrame() (frame, error) {
	if !in.active {
		return frame{}, api.ErrNoMessage
	}
	if in.hasCur {
		return in.cur, nil
	}
	l, err := in.conn()
	if err != nil {
		return frame{}, err
	}
	f, _, err := l.head(context.Background(), true)
	if err != nil {
		return frame{}, err
	}
	switch f.kind {
	case endFrame:
		return frame{}, api.ProtocolError("loop: read past the end of the message")
	case closeFrame:
		in.remoteClosed()
		return frame{}, api.ErrConnClosed
	}
	l.pop()
	in.cur, in.hasCur, in.off = f, true, 0
	return f, nil
}

// wholeFrame drops a partly read frame and returns the next one.
func (in *Input) wholeFrame() (frame, error) {
	if in.hasCur && in.off > 0 {
		in.log.Debug("discarding unread frame bytes", zap.Int("unread", len(in.cur.data())-in.off))
		in.consume()
	}
	return in.dataFrame()
}

func (in *Input) ReadBuffer(b *api.Buffer) error {
	f, err := in.wholeFrame()
	if err != nil {
		return err
	}
	defer in.consume()
	if f.kind == objectFrame {
		return api.ProtocolError("loop: expected a packet, got %s", f.kind)
	}
	data := f.data()
	n := len(data)
	if mtu := in.MaximumTransferUnit(); mtu > 0 && n > mtu {
		return api.ProtocolError("loop: packet of %d bytes exceeds mtu %d", n, mtu)
	}
	if f.kind == packetFrame && in.HeadersLength() >= 4 && n >= 4 {
		if stamped := int(binary.BigEndian.Uint32(data[:4])); stamped != n {
			return api.ProtocolError("loop: packet header says %d bytes, %d received", stamped, n)
		}
	}
	if b.Length != 0 && b.Length != n {
		return api.SizeMismatchError(b.Length, n)
	}
	if n > len(b.Data) {
		return api.SizeMismatchError(len(b.Data), n)
	}
	b.Length = copy(b.Data, data)
	return nil
}

// ReadBytes reads p from the byte frames of the message, across frame
// boundaries.
func (in *Input) ReadBytes(p []byte) error {
	if !in.active {
		return api.ErrNoMessage
	}
	for len(p) > 0 {
		f, err := in.dataFrame()
		if err != nil {
			return err
		}
		if f.kind == objectFrame {
			in.consume()
			return api.ProtocolError("loop: expected bytes, got %s", f.kind)
		}
		data := f.data()
		n := copy(p, data[in.off:])
		in.off += n
		p = p[n:]
		if in.off >= len(data) {
			in.consume()
		}
	}
	return nil
}

func (in *Input) ReadObject(v any) error {
	f, err := in.wholeFrame()
	if err != nil {
		return err
	}
	defer in.consume()
	if f.kind != objectFrame {
		return api.ProtocolError("loop: expected an object, got %s", f.kind)
	}
	return wire.DecodeObject(f.data(), v)
}

// Close ends the connection with peer and wakes every reader.
func (in *Input) Close(peer api.PeerID) error {
	in.mu.Lock()
	if in.freed || in.state != api.Connected || in.peer != peer {
		st := in.state
		if in.peer != peer {
			st = api.Unconnected
		}
		in.mu.Unlock()
		return api.StateError("close", st)
	}
	in.state = api.Closed
	l := in.l
	in.mu.Unlock()
	l.close()
	return nil
}

// Free closes the lane and joins the upcall workers. It must not be called
// from a handler of this input.
func (in *Input) Free() error {
	in.mu.Lock()
	if in.freed {
		in.mu.Unlock()
		return nil
	}
	in.freed = true
	l, pool := in.l, in.upcalls
	in.state = api.Closed
	in.mu.Unlock()
	if l != nil {
		l.close()
	}
	if pool != nil {
		pool.Close()
	}
	in.consume()
	return nil
}

var (
	_ api.Input     = (*Input)(nil)
	_ api.Readiness = (*Input)(nil)
	_ upcall.Source = (*Input)(nil)
)

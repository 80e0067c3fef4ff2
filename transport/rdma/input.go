// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package rdma

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
	"github.com/momentics/hioload-net/internal/handshake"
	"github.com/momentics/hioload-net/internal/upcall"
	"github.com/momentics/hioload-net/internal/wire"
	"github.com/momentics/hioload-net/pool"
)

// Input receives the datagrams of one peer. Receive polls never block in
// native code: a waiter sleeps on the port doorbell between polls.
type Input struct {
	kind    *Kind
	params  driver.Params
	log     *zap.Logger
	pool    *pool.BufferPool
	unit    int
	handler api.UpcallHandler

	mu      sync.Mutex
	cfg     control.RDMAConfig
	peer    api.PeerID
	state   api.ConnState
	freed   bool
	upcalls *upcall.Pool

	// native state, guarded by kind.access
	dev    Device
	port   Port
	lockID int
	closed bool
	bell   <-chan struct{}
	done   chan struct{}

	// receive state, owned by the reader
	head   *api.Buffer
	active bool
	cur    *api.Buffer
	off    int
}

func newInput(k *Kind, p driver.Params, cfg control.RDMAConfig, unit int, h api.UpcallHandler) *Input {
	return &Input{
		kind:    k,
		params:  p,
		log:     p.Logger,
		pool:    p.Pool,
		unit:    unit,
		handler: h,
		cfg:     cfg,
		done:    make(chan struct{}),
	}
}

// SetupConnection opens a port with its input lock, trades endpoints and
// limits with the peer's output and starts the upcall pool when a handler
// is set.
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

	if err := in.kind.access.Shared(in.open); err != nil {
		return err
	}
	remote, err := handshake.Exchange(ctx, c.Link, in.params.StreamName("endpoint"), localProps(in.cfg, in.port.Endpoint()))
	if err != nil {
		return multierr.Append(err, in.teardown())
	}
	cfg, ep, err := remoteProps(in.cfg, remote)
	if err != nil {
		return multierr.Append(err, in.teardown())
	}
	if err := in.kind.access.Shared(func() error { return in.port.Connect(ep) }); err != nil {
		return multierr.Append(api.IOError("rdma: connect", err), in.teardown())
	}
	if err := handshake.Sync(ctx, c.Link, in.params.StreamName("sync")); err != nil {
		return multierr.Append(err, in.teardown())
	}
	in.cfg, in.peer, in.state = cfg, c.Peer, api.Connected
	in.log.Debug("rdma input connected",
		zap.Stringer("peer", c.Peer), zap.Stringer("remote", ep), zap.Int("lock", in.lockID))

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

// open runs under the shared access lock.
func (in *Input) open() error {
	if in.closed {
		return api.ErrConnClosed
	}
	dev, err := in.kind.provider.OpenDevice(in.unit)
	if err != nil {
		return api.IOError("rdma: open device", err)
	}
	port, err := dev.OpenPort(in.cfg.ReceiveDepth)
	if err != nil {
		return api.IOError("rdma: open port", multierr.Append(err, dev.Close()))
	}
	id := port.Endpoint().Mux*2 + 2
	if err := in.kind.locks.Init(id); err != nil {
		return multierr.Combine(err, port.Close(), dev.Close())
	}
	in.dev, in.port, in.lockID, in.bell = dev, port, id, port.Doorbell()
	return nil
}

// teardown deletes the input lock, then closes the port and the device.
// Every native caller is excluded meanwhile and none runs afterwards.
func (in *Input) teardown() error {
	return in.kind.access.Exclusive(func() error {
		if in.closed {
			return nil
		}
		in.closed = true
		close(in.done)
		var err error
		if in.lockID != 0 {
			err = in.kind.locks.Delete(in.lockID)
		}
		if in.port != nil {
			err = multierr.Append(err, in.port.Close())
		}
		if in.dev != nil {
			err = multierr.Append(err, in.dev.Close())
		}
		return err
	})
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

func (in *Input) connected() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	switch {
	case in.freed, in.state == api.Closed:
		return api.ErrConnClosed
	case in.state != api.Connected:
		return api.ErrNotConnected
	}
	return nil
}

// remoteClosed records that the output went away.
func (in *Input) remoteClosed() {
	in.mu.Lock()
	if in.state == api.Connected {
		in.state = api.Closed
		in.log.Debug("rdma peer closed", zap.Stringer("peer", in.peer))
	}
	in.mu.Unlock()
}

// tryPoll makes one non-blocking native poll under the input lock and the
// main lock. A received datagram becomes the head.
func (in *Input) tryPoll() (bool, error) {
	if in.head != nil {
		return true, nil
	}
	mtu := in.MaximumTransferUnit()
	b := in.pool.Get(mtu + 1)
	var got bool
	err := in.kind.access.Shared(func() error {
		if in.closed {
			return api.ErrConnClosed
		}
		ids := []int{in.lockID, MainLock}
		if err := in.kind.locks.Lock(ids...); err != nil {
			return err
		}
		defer in.kind.locks.Unlock(ids...)
		n, ok, err := in.port.TryRecv(b.Data)
		if err != nil || !ok {
			return err
		}
		b.Length, got = n, true
		return nil
	})
	switch {
	case err != nil:
		b.Free()
		if errors.Is(err, ErrPortClosed) {
			in.remoteClosed()
			return false, api.ErrConnClosed
		}
		if errors.Is(err, api.ErrConnClosed) {
			return false, err
		}
		return false, api.IOError("rdma: poll", err)
	case !got:
		b.Free()
		return false, nil
	case b.Length == 0:
		b.Free()
		return false, api.ProtocolError("rdma: empty datagram")
	}
	in.head = b
	return true, nil
}

// next returns the head datagram, waiting on the doorbell when block is set.
func (in *Input) next(ctx context.Context, block bool) (*api.Buffer, error) {
	for {
		ok, err := in.tryPoll()
		if err != nil {
			return nil, err
		}
		if ok {
			return in.head, nil
		}
		if !block {
			return nil, nil
		}
		select {
		case <-in.bell:
		case <-in.done:
			return nil, api.ErrConnClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// take removes the head datagram.
func (in *Input) take() *api.Buffer {
	b := in.head
	in.head = nil
	return b
}

// Poll reports whether a message from the peer has arrived.
func (in *Input) Poll(block bool) (api.PeerID, bool, error) {
	if err := in.connected(); err != nil {
		return 0, false, err
	}
	if in.upcalls != nil {
		return 0, false, fmt.Errorf("rdma: poll on an upcall input: %w", api.ErrNotSupported)
	}
	if in.active {
		return 0, false, api.ErrMessageInProgress
	}
	b, err := in.next(context.Background(), block)
	if err != nil || b == nil {
		return 0, false, err
	}
	if b.Data[0] == tagClose {
		in.take().Free()
		in.remoteClosed()
		return 0, false, api.ErrConnClosed
	}
	in.active = true
	return in.peer, true, nil
}

// Pump waits for the next message on behalf of the upcall pool.
func (in *Input) Pump(ctx context.Context) error {
	b, err := in.next(ctx, true)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return api.ErrUpcallClosed
	}
	if b.Data[0] == tagClose {
		in.take().Free()
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
		in.log.Debug("rdma message dropped", zap.Error(err))
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

// discard consumes datagrams up to and including the end of the message.
func (in *Input) discard() error {
	in.consume()
	for {
		b, err := in.next(context.Background(), true)
		if err != nil {
			return err
		}
		tag := b.Data[0]
		if tag == tagClose {
			in.take().Free()
			in.remoteClosed()
			return api.ErrConnClosed
		}
		in.take().Free()
		if tag == tagEnd {
			return nil
		}
	}
}

func (in *Input) consume() {
	if in.cur != nil {
		in.cur.Free()
		in.cur, in.off = nil, 0
	}
}

// datagram returns the datagram being read, taking the next one when needed.
func (in *Input) datagram() (*api.Buffer, error) {
	if !in.active {
		return nil, api.ErrNoMessage
	}
	if in.cur != nil {
		return in.cur, nil
	}
	b, err := in.next(context.Background(), true)
	if err != nil {
		return nil, err
	}
	switch b.Data[0] {
	case tagEnd:
		return nil, api.ProtocolError("rdma: read past the end of the message")
	case tagClose:
		in.take().Free()
		in.remoteClosed()
		return nil, api.ErrConnClosed
	}
	in.cur, in.off = in.take(), 1
	return in.cur, nil
}

// ReadBuffer receives one packet into b.
func (in *Input) ReadBuffer(b *api.Buffer) error {
	if in.cur != nil && in.off > 1 {
		in.log.Debug("discarding unread datagram bytes", zap.Int("unread", in.cur.Length-in.off))
		in.consume()
	}
	d, err := in.datagram()
	if err != nil {
		return err
	}
	defer in.consume()
	if tag := d.Data[0]; tag != tagPacket {
		return api.ProtocolError("rdma: expected a packet, got %s", tagName(tag))
	}
	data := d.Data[1:d.Length]
	n := len(data)
	if in.HeadersLength() >= 4 && n >= 4 {
		if stamped := int(binary.BigEndian.Uint32(data[:4])); stamped != n {
			return api.ProtocolError("rdma: packet header says %d bytes, %d received", stamped, n)
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

// ReadBytes fills p from the byte datagrams of the message.
func (in *Input) ReadBytes(p []byte) error {
	if !in.active {
		return api.ErrNoMessage
	}
	for len(p) > 0 {
		d, err := in.datagram()
		if err != nil {
			return err
		}
		if tag := d.Data[0]; tag != tagBytes {
			in.consume()
			return api.ProtocolError("rdma: expected bytes, got %s", tagName(tag))
		}
		n := copy(p, d.Data[in.off:d.Length])
		in.off += n
		p = p[n:]
		if in.off >= d.Length {
			in.consume()
		}
	}
	return nil
}

func (in *Input) ReadObject(v any) error {
	var size [4]byte
	if err := in.ReadBytes(size[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > wire.MaxObjectSize {
		return api.ProtocolError("rdma: object of %d bytes exceeds %d", n, wire.MaxObjectSize)
	}
	data := make([]byte, n)
	if err := in.ReadBytes(data); err != nil {
		return err
	}
	return wire.DecodeObject(data, v)
}

// Close ends the connection with peer and releases the native resources.
// Upcall workers stop on their own; Free joins them.
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
	in.mu.Unlock()
	return in.teardown()
}

// Free releases the native resources, then joins the upcall workers. It
// must not be called from a handler of this input.
func (in *Input) Free() error {
	in.mu.Lock()
	if in.freed {
		in.mu.Unlock()
		return nil
	}
	in.freed = true
	in.state = api.Closed
	pool := in.upcalls
	in.mu.Unlock()

	err := in.teardown()
	if pool != nil {
		pool.Close()
	}
	return err
}

var (
	_ api.Input     = (*Input)(nil)
	_ upcall.Source = (*Input)(nil)
)

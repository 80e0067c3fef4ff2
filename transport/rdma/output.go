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
	"github.com/momentics/hioload-net/internal/wire"
	"github.com/momentics/hioload-net/pool"
)

// Output posts the datagrams of a message to the input of one peer.
type Output struct {
	kind   *Kind
	params driver.Params
	log    *zap.Logger
	pool   *pool.BufferPool
	unit   int

	mu    sync.Mutex
	cfg   control.RDMAConfig
	peer  api.PeerID
	state api.ConnState
	freed bool

	// native state, guarded by kind.access
	dev    Device
	port   Port
	remote Endpoint
	closed bool
	bell   <-chan struct{}
	done   chan struct{}

	inMessage bool
	sent      int64
}

func newOutput(k *Kind, p driver.Params, cfg control.RDMAConfig, unit int) *Output {
	return &Output{
		kind:   k,
		params: p,
		log:    p.Logger,
		pool:   p.Pool,
		unit:   unit,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

// SetupConnection opens a port, trades endpoints and limits with the peer's
// input and connects the port to it.
func (o *Output) SetupConnection(ctx context.Context, c api.Connection) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.freed:
		return api.ErrConnClosed
	case o.state == api.Connected:
		return api.ErrAlreadyConnected
	case o.state == api.Closed:
		return api.StateError("setup", o.state)
	}

	if err := o.kind.access.Shared(o.open); err != nil {
		return err
	}
	remote, err := handshake.Exchange(ctx, c.Link, o.params.StreamName("endpoint"), localProps(o.cfg, o.port.Endpoint()))
	if err != nil {
		return multierr.Append(err, o.teardown())
	}
	cfg, ep, err := remoteProps(o.cfg, remote)
	if err != nil {
		return multierr.Append(err, o.teardown())
	}
	if err := o.kind.access.Shared(func() error { return o.port.Connect(ep) }); err != nil {
		return multierr.Append(api.IOError("rdma: connect", err), o.teardown())
	}
	if err := handshake.Sync(ctx, c.Link, o.params.StreamName("sync")); err != nil {
		return multierr.Append(err, o.teardown())
	}
	o.cfg, o.remote, o.peer, o.state = cfg, ep, c.Peer, api.Connected
	o.log.Debug("rdma output connected",
		zap.Stringer("peer", c.Peer), zap.Stringer("local", o.port.Endpoint()), zap.Stringer("remote", ep))
	return nil
}

// open runs under the shared access lock.
func (o *Output) open() error {
	if o.closed {
		return api.ErrConnClosed
	}
	dev, err := o.kind.provider.OpenDevice(o.unit)
	if err != nil {
		return api.IOError("rdma: open device", err)
	}
	port, err := dev.OpenPort(o.cfg.ReceiveDepth)
	if err != nil {
		return api.IOError("rdma: open port", multierr.Append(err, dev.Close()))
	}
	o.dev, o.port, o.bell = dev, port, port.Doorbell()
	return nil
}

// teardown closes the port and the device. No native call follows.
func (o *Output) teardown() error {
	return o.kind.access.Exclusive(func() error {
		if o.closed {
			return nil
		}
		o.closed = true
		close(o.done)
		var err error
		if o.port != nil {
			err = o.port.Close()
		}
		if o.dev != nil {
			err = multierr.Append(err, o.dev.Close())
		}
		return err
	})
}

func (o *Output) MaximumTransferUnit() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.MTU
}

func (o *Output) HeadersLength() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.Headers
}

func (o *Output) connected() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.freed, o.state == api.Closed:
		return api.ErrConnClosed
	case o.state != api.Connected:
		return api.ErrNotConnected
	}
	return nil
}

func (o *Output) InitSend() error {
	if err := o.connected(); err != nil {
		return err
	}
	if o.inMessage {
		return api.ErrMessageInProgress
	}
	o.inMessage = true
	o.sent = 0
	return nil
}

// post sends one tagged datagram, waiting for a receive slot at the peer.
func (o *Output) post(tag byte, p []byte) error {
	b := o.pool.Get(len(p) + 1)
	defer b.Free()
	b.Data[0] = tag
	copy(b.Data[1:], p)
	dgram := b.Data[:len(p)+1]

	for {
		var posted bool
		err := o.kind.access.Shared(func() error {
			if o.closed {
				return api.ErrConnClosed
			}
			var err error
			posted, err = o.port.TrySend(dgram)
			return err
		})
		switch {
		case errors.Is(err, ErrPortClosed):
			return fmt.Errorf("rdma: send to %s: %w", o.remote, api.ErrConnClosed)
		case errors.Is(err, api.ErrConnClosed):
			return err
		case err != nil:
			return api.IOError("rdma: send", err)
		case posted:
			return nil
		}
		select {
		case <-o.bell:
		case <-o.done:
			return api.ErrConnClosed
		}
	}
}

func (o *Output) send(tag byte, p []byte) error {
	if !o.inMessage {
		return api.ErrNoMessage
	}
	if err := o.connected(); err != nil {
		return err
	}
	if err := o.post(tag, p); err != nil {
		return err
	}
	o.sent += int64(len(p))
	return nil
}

// WriteBuffer posts one packet. With four or more header bytes reserved the
// packet length is stamped in the first four.
func (o *Output) WriteBuffer(b *api.Buffer) error {
	if !o.inMessage {
		return api.ErrNoMessage
	}
	mtu, headers := o.MaximumTransferUnit(), o.HeadersLength()
	if b.Length > mtu {
		return fmt.Errorf("rdma: packet of %d bytes exceeds mtu %d: %w", b.Length, mtu, api.ErrInvalidArgument)
	}
	if headers >= 4 && b.Length >= 4 {
		binary.BigEndian.PutUint32(b.Data[:4], uint32(b.Length))
	}
	return o.send(tagPacket, b.Data[:b.Length])
}

// WriteBytes posts p in datagrams of at most mtu bytes.
func (o *Output) WriteBytes(p []byte) error {
	if !o.inMessage {
		return api.ErrNoMessage
	}
	mtu := o.MaximumTransferUnit()
	for len(p) > 0 {
		n := min(len(p), mtu)
		if err := o.send(tagBytes, p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (o *Output) WriteObject(v any) error {
	if !o.inMessage {
		return api.ErrNoMessage
	}
	data, err := wire.EncodeObject(v)
	if err != nil {
		return err
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	if err := o.WriteBytes(size[:]); err != nil {
		return err
	}
	return o.WriteBytes(data)
}

// Finish posts the end of the message.
func (o *Output) Finish() (int64, error) {
	if !o.inMessage {
		return 0, api.ErrNoMessage
	}
	o.inMessage = false
	if err := o.connected(); err != nil {
		return 0, err
	}
	if err := o.post(tagEnd, nil); err != nil {
		return 0, err
	}
	return o.sent, nil
}

// notifyClose tells the input that no more messages follow, when a receive
// slot is free. The input also learns it from the closed port.
func (o *Output) notifyClose() {
	err := o.kind.access.Shared(func() error {
		if o.closed {
			return api.ErrConnClosed
		}
		_, err := o.port.TrySend([]byte{tagClose})
		return err
	})
	if err != nil {
		o.log.Debug("rdma close not posted", zap.Stringer("remote", o.remote), zap.Error(err))
	}
}

// Close ends the connection with peer and releases the port.
func (o *Output) Close(peer api.PeerID) error {
	o.mu.Lock()
	if o.freed || o.state != api.Connected || o.peer != peer {
		st := o.state
		if o.peer != peer {
			st = api.Unconnected
		}
		o.mu.Unlock()
		return api.StateError("close", st)
	}
	o.state = api.Closed
	o.mu.Unlock()
	o.inMessage = false
	o.notifyClose()
	return o.teardown()
}

// Free releases the native resources. A second Free is a no-op.
func (o *Output) Free() error {
	o.mu.Lock()
	if o.freed {
		o.mu.Unlock()
		return nil
	}
	o.freed = true
	connected := o.state == api.Connected
	o.state = api.Closed
	o.mu.Unlock()
	if connected {
		o.notifyClose()
	}
	return o.teardown()
}

var _ api.Output = (*Output)(nil)

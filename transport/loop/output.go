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
	"github.com/momentics/hioload-net/internal/wire"
	"github.com/momentics/hioload-net/pool"
)

// Output sends frames to the loop input of one peer.
type Output struct {
	params driver.Params
	log    *zap.Logger
	fabric *Fabric
	pool   *pool.BufferPool

	mu    sync.Mutex
	cfg   control.LoopConfig
	peer  api.PeerID
	state api.ConnState
	w     *lane
	freed bool

	inMessage bool
	sent      int64
}

// NewOutput creates an unconnected output.
func NewOutput(p driver.Params, f *Fabric, cfg control.LoopConfig) *Output {
	p = p.WithDefaults()
	return &Output{
		params: p,
		log:    p.Logger,
		fabric: f,
		pool:   p.Pool,
		cfg:    cfg,
	}
}

// SetupConnection learns the address of the peer's input over the link and
// attaches to its lane.
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

	remote, err := handshake.Exchange(ctx, c.Link, o.params.StreamName("geometry"), localGeometry(o.cfg))
	if err != nil {
		return err
	}
	cfg, err := foldGeometry(o.cfg, remote)
	if err != nil {
		return err
	}
	w, ok := o.fabric.lookup(remote[propAddress])
	if !ok {
		return fmt.Errorf("loop: address %q: %w", remote[propAddress], api.ErrNotFound)
	}
	if err := handshake.Sync(ctx, c.Link, o.params.StreamName("sync")); err != nil {
		return err
	}
	o.cfg, o.w, o.peer, o.state = cfg, w, c.Peer, api.Connected
	o.log.Debug("loop output connected",
		zap.Stringer("peer", c.Peer), zap.Int("mtu", cfg.MTU), zap.Int("headers", cfg.Headers))
	return nil
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

// conn returns the connected lane.
func (o *Output) conn() (*lane, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.freed, o.state == api.Closed:
		return nil, api.ErrConnClosed
	case o.state != api.Connected:
		return nil, api.ErrNotConnected
	}
	return o.w, nil
}

func (o *Output) InitSend() error {
	if _, err := o.conn(); err != nil {
		return err
	}
	if o.inMessage {
		return api.ErrMessageInProgress
	}
	o.inMessage = true
	o.sent = 0
	return nil
}

// send copies p into a pooled buffer and queues it.
func (o *Output) send(kind frameKind, p []byte) error {
	if !o.inMessage {
		return api.ErrNoMessage
	}
	w, err := o.conn()
	if err != nil {
		return err
	}
	b := o.pool.Get(len(p))
	b.Length = copy(b.Data, p)
	if err := w.push(frame{kind: kind, buf: b}); err != nil {
		return err
	}
	o.sent += int64(len(p))
	return nil
}

// WriteBuffer sends one packet. With four or more header bytes reserved the
// packet length is stamped in the first four.
func (o *Output) WriteBuffer(b *api.Buffer) error {
	if !o.inMessage {
		return api.ErrNoMessage
	}
	mtu, headers := o.MaximumTransferUnit(), o.HeadersLength()
	if mtu > 0 && b.Length > mtu {
		return fmt.Errorf("loop: packet of %d bytes exceeds mtu %d: %w", b.Length, mtu, api.ErrInvalidArgument)
	}
	if headers >= 4 && b.Length >= 4 {
		binary.BigEndian.PutUint32(b.Data[:4], uint32(b.Length))
	}
	return o.send(packetFrame, b.Data[:b.Length])
}

func (o *Output) WriteBytes(p []byte) error {
	if len(p) == 0 {
		if !o.inMessage {
			return api.ErrNoMessage
		}
		return nil
	}
	return o.send(bytesFrame, p)
}

func (o *Output) WriteObject(v any) error {
	if !o.inMessage {
		return api.ErrNoMessage
	}
	data, err := wire.EncodeObject(v)
	if err != nil {
		return err
	}
	return o.send(objectFrame, data)
}

// Finish marks the end of the message.
func (o *Output) Finish() (int64, error) {
	if !o.inMessage {
		return 0, api.ErrNoMessage
	}
	o.inMessage = false
	w, err := o.conn()
	if err != nil {
		return 0, err
	}
	if err := w.push(frame{kind: endFrame}); err != nil {
		return 0, err
	}
	return o.sent, nil
}

// Close tells the input that no more messages follow.
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
	w := o.w
	o.w = nil
	o.mu.Unlock()
	o.inMessage = false
	if err := w.push(frame{kind: closeFrame}); err != nil {
		o.log.Debug("loop close after input shutdown", zap.Stringer("peer", peer))
	}
	return nil
}

// Free closes the connection if any.
func (o *Output) Free() error {
	o.mu.Lock()
	if o.freed {
		o.mu.Unlock()
		return nil
	}
	o.freed = true
	w := o.w
	o.w = nil
	connected := o.state == api.Connected
	o.state = api.Closed
	o.mu.Unlock()
	if connected {
		w.push(frame{kind: closeFrame})
	}
	return nil
}

var _ api.Output = (*Output)(nil)

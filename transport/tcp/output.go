// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
	"github.com/momentics/hioload-net/internal/handshake"
	"github.com/momentics/hioload-net/internal/wire"
)

// Output writes messages to the stream of one peer. Writes are buffered
// until Finish.
type Output struct {
	params driver.Params
	log    *zap.Logger
	cfg    control.TCPConfig

	mu    sync.Mutex
	peer  api.PeerID
	state api.ConnState
	conn  net.Conn
	bw    *bufio.Writer
	freed bool

	inMessage bool
	sent      int64
}

// NewOutput creates an unconnected output.
func NewOutput(p driver.Params, cfg control.TCPConfig) *Output {
	p = p.WithDefaults()
	return &Output{params: p, log: p.Logger, cfg: cfg}
}

// SetupConnection dials the endpoint the peer's input announces.
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

	remote, err := handshake.Exchange(ctx, c.Link, o.params.StreamName("endpoint"), api.Properties{})
	if err != nil {
		return err
	}
	conn, err := dial(ctx, remote, o.cfg)
	if err != nil {
		return err
	}
	prepare(conn, o.cfg, o.log)
	if err := handshake.Sync(ctx, c.Link, o.params.StreamName("sync")); err != nil {
		conn.Close()
		return err
	}
	o.conn, o.peer, o.state = conn, c.Peer, api.Connected
	o.bw = bufio.NewWriterSize(conn, max(o.cfg.BufferSize, 512))
	o.log.Debug("tcp output connected",
		zap.Stringer("peer", c.Peer), zap.Stringer("remote", conn.RemoteAddr()))
	return nil
}

// MaximumTransferUnit is zero: a stream has no packet bound.
func (o *Output) MaximumTransferUnit() int { return 0 }

func (o *Output) HeadersLength() int { return 0 }

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

func (o *Output) fail(op string, err error) error {
	if errors.Is(err, net.ErrClosed) {
		return api.ErrConnClosed
	}
	return api.IOError(op, err)
}

func (o *Output) InitSend() error {
	if err := o.connected(); err != nil {
		return err
	}
	if o.inMessage {
		return api.ErrMessageInProgress
	}
	if err := o.bw.WriteByte(msgStart); err != nil {
		return o.fail("tcp write", err)
	}
	o.inMessage = true
	o.sent = 0
	return nil
}

func (o *Output) check() error {
	if !o.inMessage {
		return api.ErrNoMessage
	}
	return o.connected()
}

// WriteBuffer sends b.Data[:b.Length] behind a u32 length.
func (o *Output) WriteBuffer(b *api.Buffer) error {
	if err := o.check(); err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(b.Length))
	if _, err := o.bw.Write(hdr[:]); err != nil {
		return o.fail("tcp write", err)
	}
	if _, err := o.bw.Write(b.Data[:b.Length]); err != nil {
		return o.fail("tcp write", err)
	}
	o.sent += int64(b.Length)
	return nil
}

func (o *Output) WriteBytes(p []byte) error {
	if err := o.check(); err != nil {
		return err
	}
	if _, err := o.bw.Write(p); err != nil {
		return o.fail("tcp write", err)
	}
	o.sent += int64(len(p))
	return nil
}

// WriteObject sends the gob encoding of v as a length-prefixed frame.
func (o *Output) WriteObject(v any) error {
	if err := o.check(); err != nil {
		return err
	}
	data, err := wire.EncodeObject(v)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(o.bw, data); err != nil {
		return o.fail("tcp write", err)
	}
	o.sent += int64(len(data))
	return nil
}

// Finish flushes the message to the socket.
func (o *Output) Finish() (int64, error) {
	if !o.inMessage {
		return 0, api.ErrNoMessage
	}
	o.inMessage = false
	if err := o.connected(); err != nil {
		return 0, err
	}
	if err := o.bw.Flush(); err != nil {
		return 0, o.fail("tcp flush", err)
	}
	return o.sent, nil
}

// Close flushes pending bytes and closes the stream.
func (o *Output) Close(peer api.PeerID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.freed || o.state != api.Connected || o.peer != peer {
		return api.StateError("close", o.state)
	}
	o.state = api.Closed
	o.inMessage = false
	ferr := o.bw.Flush()
	if err := o.conn.Close(); err != nil {
		return api.IOError("tcp close", err)
	}
	if ferr != nil {
		o.log.Debug("tcp close dropped buffered bytes", zap.Error(ferr))
	}
	return nil
}

func (o *Output) Free() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.freed {
		return nil
	}
	o.freed = true
	if o.state == api.Connected {
		o.state = api.Closed
		o.conn.Close()
	}
	return nil
}

var _ api.Output = (*Output)(nil)

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
	"github.com/momentics/hioload-net/internal/handshake"
	"github.com/momentics/hioload-net/internal/upcall"
	"github.com/momentics/hioload-net/internal/wire"
)

// Input reads the messages of one peer from its stream. In upcall mode an
// upcall pool blocks on the stream and pushes every message to the handler.
type Input struct {
	params  driver.Params
	log     *zap.Logger
	cfg     control.TCPConfig
	handler api.UpcallHandler

	mu      sync.Mutex
	peer    api.PeerID
	state   api.ConnState
	conn    net.Conn
	br      *bufio.Reader
	freed   bool
	upcalls *upcall.Pool

	active bool
}

// NewInput creates an unconnected input. A nil h selects explicit receive.
func NewInput(p driver.Params, cfg control.TCPConfig, h api.UpcallHandler) *Input {
	p = p.WithDefaults()
	return &Input{params: p, log: p.Logger, cfg: cfg, handler: h}
}

// SetupConnection listens on an ephemeral endpoint, announces it to the
// peer and accepts the peer's connection.
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

	ln, err := listen(in.cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()
	if _, err := handshake.Exchange(ctx, c.Link, in.params.StreamName("endpoint"), announce(ln)); err != nil {
		return err
	}
	conn, err := acceptOne(ctx, ln, in.log)
	if err != nil {
		return err
	}
	prepare(conn, in.cfg, in.log)
	if err := handshake.Sync(ctx, c.Link, in.params.StreamName("sync")); err != nil {
		conn.Close()
		return err
	}
	in.conn, in.peer, in.state = conn, c.Peer, api.Connected
	in.br = bufio.NewReaderSize(conn, max(in.cfg.BufferSize, 512))
	in.log.Debug("tcp input connected",
		zap.Stringer("peer", c.Peer), zap.Stringer("remote", conn.RemoteAddr()))

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

func (in *Input) MaximumTransferUnit() int { return 0 }

func (in *Input) HeadersLength() int { return 0 }

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

// fail maps a stream error. End of stream and a closed socket end the
// connection.
func (in *Input) fail(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		in.mu.Lock()
		if in.state == api.Connected {
			in.state = api.Closed
			in.log.Debug("tcp stream ended", zap.Stringer("peer", in.peer), zap.Error(err))
		}
		in.mu.Unlock()
		return api.ErrConnClosed
	}
	return api.IOError(op, err)
}

// pendingByDeadline peeks the stream with a short read deadline.
func (in *Input) pendingByDeadline() (bool, error) {
	in.conn.SetReadDeadline(time.Now().Add(in.cfg.PollBackoff.Std()))
	_, err := in.br.Peek(1)
	in.conn.SetReadDeadline(time.Time{})
	var ne net.Error
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return true, nil
	case errors.As(err, &ne) && ne.Timeout():
		return false, nil
	default:
		return false, err
	}
}

// readMarker consumes the start of the next message.
func (in *Input) readMarker(block bool) (bool, error) {
	if !block {
		ok, err := in.pending()
		if err != nil {
			return false, in.fail("tcp poll", err)
		}
		if !ok {
			return false, nil
		}
	}
	m, err := in.br.ReadByte()
	if err != nil {
		return false, in.fail("tcp read", err)
	}
	if m != msgStart {
		return false, api.ProtocolError("tcp: bad message marker 0x%02x", m)
	}
	return true, nil
}

func (in *Input) Poll(block bool) (api.PeerID, bool, error) {
	if err := in.connected(); err != nil {
		return 0, false, err
	}
	if in.upcalls != nil {
		return 0, false, fmt.Errorf("tcp: poll on an upcall input: %w", api.ErrNotSupported)
	}
	if in.active {
		return 0, false, api.ErrMessageInProgress
	}
	ok, err := in.readMarker(block)
	if err != nil || !ok {
		return 0, false, err
	}
	in.active = true
	return in.peer, true, nil
}

// Pump blocks on the stream on behalf of the upcall pool.
func (in *Input) Pump(ctx context.Context) error {
	if err := in.connected(); err != nil {
		return api.ErrUpcallClosed
	}
	if _, err := in.readMarker(true); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, api.ErrConnClosed) {
			in.log.Warn("tcp receive failed, closing stream", zap.Stringer("peer", in.peer), zap.Error(err))
			in.drop()
		}
		return api.ErrUpcallClosed
	}
	in.active = true
	return nil
}

// drop ends a stream that can no longer be read in step.
func (in *Input) drop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state == api.Connected {
		in.state = api.Closed
		in.conn.Close()
	}
}

func (in *Input) Deliver(ctx context.Context) error {
	return in.handler.InputUpcall(ctx, in, in.peer)
}

// Complete ends a message the handler returned from without Finish, the
// same as an explicit Finish that keeps the receive duty. Bytes left
// unread show up as a bad marker on the next pump.
func (in *Input) Complete() { in.active = false }

// Finish ends the message. Inside an upcall the receive duty moves to
// another goroutine.
func (in *Input) Finish() error {
	if !in.active {
		return api.ErrNoMessage
	}
	in.active = false
	if in.upcalls != nil {
		in.upcalls.Handoff()
	}
	return nil
}

func (in *Input) check() error {
	if !in.active {
		return api.ErrNoMessage
	}
	return in.connected()
}

// ReadBuffer reads one length-prefixed packet. On a size mismatch the
// packet is skipped so that the stream stays aligned.
func (in *Input) ReadBuffer(b *api.Buffer) error {
	if err := in.check(); err != nil {
		return err
	}
	var hdr [4]byte
	if _, err := io.ReadFull(in.br, hdr[:]); err != nil {
		return in.fail("tcp read", err)
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	want := b.Length
	if want == 0 {
		want = n
	}
	if n != want || n > len(b.Data) {
		if _, err := in.br.Discard(n); err != nil {
			return in.fail("tcp read", err)
		}
		if n != want {
			return api.SizeMismatchError(want, n)
		}
		return api.SizeMismatchError(len(b.Data), n)
	}
	if _, err := io.ReadFull(in.br, b.Data[:n]); err != nil {
		return in.fail("tcp read", err)
	}
	b.Length = n
	return nil
}

func (in *Input) ReadBytes(p []byte) error {
	if err := in.check(); err != nil {
		return err
	}
	if _, err := io.ReadFull(in.br, p); err != nil {
		return in.fail("tcp read", err)
	}
	return nil
}

func (in *Input) ReadObject(v any) error {
	if err := in.check(); err != nil {
		return err
	}
	data, err := wire.ReadFrame(in.br)
	if err != nil {
		if api.CodeOf(err) == api.ErrCodeProtocol {
			return err
		}
		return in.fail("tcp read", err)
	}
	return wire.DecodeObject(data, v)
}

func (in *Input) Close(peer api.PeerID) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.freed || in.state != api.Connected || in.peer != peer {
		return api.StateError("close", in.state)
	}
	in.state = api.Closed
	if err := in.conn.Close(); err != nil {
		return api.IOError("tcp close", err)
	}
	return nil
}

// Free closes the stream and joins the upcall workers. It must not be
// called from a handler of this input.
func (in *Input) Free() error {
	in.mu.Lock()
	if in.freed {
		in.mu.Unlock()
		return nil
	}
	in.freed = true
	if in.conn != nil {
		in.conn.Close()
	}
	in.state = api.Closed
	pool := in.upcalls
	in.mu.Unlock()
	if pool != nil {
		pool.Close()
	}
	return nil
}

var (
	_ api.Input     = (*Input)(nil)
	_ upcall.Source = (*Input)(nil)
)

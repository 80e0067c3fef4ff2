// File: internal/handshake/handshake.go
// Package handshake exchanges driver property bags over a service link.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A bag is encoded as
//
//	u32 total length | u16 count | (u16 len | key | u16 len | value)*
//
// in big-endian order, keys sorted. Both ends write and read concurrently so
// that synchronous links cannot deadlock.
package handshake

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-net/api"
)

const (
	// MaxBagSize bounds a decoded bag.
	MaxBagSize = 64 * 1024

	syncAck byte = 1
)

// StreamName builds the sub-stream name used by a driver context.
func StreamName(context, tag string) string {
	return context + ":" + tag
}

// Encode serializes props.
func Encode(props api.Properties) ([]byte, error) {
	if len(props) > math.MaxUint16 {
		return nil, fmt.Errorf("handshake: too many properties (%d)", len(props))
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	var scratch [4]byte
	bb.Write(scratch[:4]) // length, patched below
	binary.BigEndian.PutUint16(scratch[:2], uint16(len(keys)))
	bb.Write(scratch[:2])
	for _, k := range keys {
		for _, s := range [2]string{k, props[k]} {
			if len(s) > math.MaxUint16 {
				return nil, fmt.Errorf("handshake: property %q too long", k)
			}
			binary.BigEndian.PutUint16(scratch[:2], uint16(len(s)))
			bb.Write(scratch[:2])
			bb.WriteString(s)
		}
	}
	if bb.Len() > MaxBagSize {
		return nil, fmt.Errorf("handshake: bag of %d bytes exceeds %d", bb.Len(), MaxBagSize)
	}
	out := append([]byte(nil), bb.B...)
	binary.BigEndian.PutUint32(out[:4], uint32(len(out)-4))
	return out, nil
}

// Decode parses a bag body, the u32 length prefix excluded.
func Decode(body []byte) (api.Properties, error) {
	if len(body) < 2 {
		return nil, api.ProtocolError("handshake: truncated bag")
	}
	n := int(binary.BigEndian.Uint16(body))
	body = body[2:]
	props := make(api.Properties, n)
	next := func() (string, error) {
		if len(body) < 2 {
			return "", api.ProtocolError("handshake: truncated bag")
		}
		l := int(binary.BigEndian.Uint16(body))
		if len(body) < 2+l {
			return "", api.ProtocolError("handshake: truncated bag")
		}
		s := string(body[2 : 2+l])
		body = body[2+l:]
		return s, nil
	}
	for i := 0; i < n; i++ {
		k, err := next()
		if err != nil {
			return nil, err
		}
		v, err := next()
		if err != nil {
			return nil, err
		}
		props[k] = v
	}
	if len(body) != 0 {
		return nil, api.ProtocolError("handshake: %d trailing bytes", len(body))
	}
	return props, nil
}

// Exchange sends local over the named sub-stream and returns the peer's bag.
func Exchange(ctx context.Context, link api.ServiceLink, name string, local api.Properties) (api.Properties, error) {
	data, err := Encode(local)
	if err != nil {
		return nil, err
	}
	rw, err := link.Stream(ctx, name)
	if err != nil {
		return nil, api.IOError("handshake open "+name, err)
	}
	stop := bindContext(ctx, rw)
	defer stop()

	var remote api.Properties
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := rw.Write(data); err != nil {
			return api.IOError("handshake write", err)
		}
		return nil
	})
	g.Go(func() error {
		var hdr [4]byte
		if _, err := io.ReadFull(rw, hdr[:]); err != nil {
			return api.IOError("handshake read", err)
		}
		size := binary.BigEndian.Uint32(hdr[:])
		if size > MaxBagSize {
			return api.ProtocolError("handshake: bag of %d bytes exceeds %d", size, MaxBagSize)
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(rw, body); err != nil {
			return api.IOError("handshake read", err)
		}
		var err error
		remote, err = Decode(body)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, timeoutOr(ctx, err)
	}
	return remote, nil
}

// Sync exchanges one acknowledgement byte once both data paths exist.
func Sync(ctx context.Context, link api.ServiceLink, name string) error {
	rw, err := link.Stream(ctx, name)
	if err != nil {
		return api.IOError("handshake sync open", err)
	}
	stop := bindContext(ctx, rw)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		_, err := rw.Write([]byte{syncAck})
		return api.IOError("handshake sync write", err)
	})
	g.Go(func() error {
		var b [1]byte
		if _, err := io.ReadFull(rw, b[:]); err != nil {
			return api.IOError("handshake sync read", err)
		}
		if b[0] != syncAck {
			return api.ProtocolError("handshake: unexpected sync byte %d", b[0])
		}
		return nil
	})
	return timeoutOr(ctx, g.Wait())
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// bindContext unblocks streams that support deadlines once ctx is done.
func bindContext(ctx context.Context, rw io.ReadWriteCloser) func() {
	d, ok := rw.(deadliner)
	if !ok {
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() { d.SetDeadline(time.Unix(1, 0)) })
	return func() {
		stop()
		d.SetDeadline(time.Time{})
	}
}

func timeoutOr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return api.NewError(api.ErrCodeTimeout, "handshake timed out").WithCause(err)
		}
		return ctxErr
	}
	return err
}

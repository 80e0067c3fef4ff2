// File: internal/wire/wire.go
// Package wire encodes objects written through Output.WriteObject.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Objects travel as self-describing gob streams. Stream transports prefix
// them with a u32 big-endian length.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"

	"github.com/momentics/hioload-net/api"
)

// MaxObjectSize bounds a decoded object frame.
const MaxObjectSize = 64 << 20

// EncodeObject returns the gob encoding of v.
func EncodeObject(v any) ([]byte, error) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if err := gob.NewEncoder(bb).Encode(v); err != nil {
		return nil, api.NewError(api.ErrCodeInvalidArgument, "encode object").WithCause(err)
	}
	return append([]byte(nil), bb.B...), nil
}

// DecodeObject decodes data into the value v points to.
func DecodeObject(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return api.ProtocolError("decode object: %v", err)
	}
	return nil
}

// WriteFrame writes p prefixed by its u32 length.
func WriteFrame(w io.Writer, p []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

// ReadFrameLength reads a u32 length prefix.
func ReadFrameLength(r io.Reader) (int, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxObjectSize {
		return 0, api.ProtocolError("frame of %d bytes exceeds %d", n, MaxObjectSize)
	}
	return int(n), nil
}

// ReadFrame reads a length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	n, err := ReadFrameLength(r)
	if err != nil {
		return nil, err
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, fmt.Errorf("frame body: %w", err)
	}
	return p, nil
}

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package nameservice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/momentics/hioload-net/api"
)

// Request opcodes.
const (
	OpPortNew    byte = 20
	OpPortLookup byte = 23
	OpPortFree   byte = 24
	OpPortRebind byte = 27
	OpPortList   byte = 28
)

// Response opcodes.
const (
	OpPortAccepted byte = 21
	OpPortRefused  byte = 22
	OpPortKnown    byte = 25
	OpPortUnknown  byte = 26
)

// Unbind status bytes.
const (
	statusFreed    byte = 0
	statusNotBound byte = 1
)

// MaxListed bounds the names of a list reply.
const MaxListed = math.MaxUint8

const (
	maxNames  = 1 << 16
	maxIDSize = 1 << 20
)

func opName(op byte) string {
	switch op {
	case OpPortNew:
		return "new"
	case OpPortLookup:
		return "lookup"
	case OpPortFree:
		return "free"
	case OpPortRebind:
		return "rebind"
	case OpPortList:
		return "list"
	case OpPortAccepted:
		return "accepted"
	case OpPortRefused:
		return "refused"
	case OpPortKnown:
		return "known"
	case OpPortUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("opcode %d", op)
	}
}

// Request is one decoded client request.
type Request struct {
	Op byte

	// lookup
	AllowPartial bool
	Names        []string
	Timeout      time.Duration

	// new, rebind, free
	Name string
	ID   []byte

	// list
	Pattern string
}

// errShort means the request is not complete yet.
var errShort = errors.New("nameservice: short request")

func putString(bb *bytebufferpool.ByteBuffer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("nameservice: name of %d bytes: %w", len(s), api.ErrInvalidArgument)
	}
	bb.B = binary.BigEndian.AppendUint16(bb.B, uint16(len(s)))
	bb.B = append(bb.B, s...)
	return nil
}

func putBlob(bb *bytebufferpool.ByteBuffer, p []byte) {
	bb.B = binary.BigEndian.AppendUint32(bb.B, uint32(len(p)))
	bb.B = append(bb.B, p...)
}

// EncodeRequest appends r to bb.
func EncodeRequest(bb *bytebufferpool.ByteBuffer, r Request) error {
	bb.B = append(bb.B, r.Op)
	switch r.Op {
	case OpPortLookup:
		var partial byte
		if r.AllowPartial {
			partial = 1
		}
		bb.B = append(bb.B, partial)
		bb.B = binary.BigEndian.AppendUint32(bb.B, uint32(len(r.Names)))
		for _, n := range r.Names {
			if err := putString(bb, n); err != nil {
				return err
			}
		}
		bb.B = binary.BigEndian.AppendUint64(bb.B, uint64(r.Timeout.Milliseconds()))
	case OpPortNew, OpPortRebind:
		if err := putString(bb, r.Name); err != nil {
			return err
		}
		putBlob(bb, r.ID)
	case OpPortFree:
		return putString(bb, r.Name)
	case OpPortList:
		return putString(bb, r.Pattern)
	default:
		return fmt.Errorf("nameservice: encode %s: %w", opName(r.Op), api.ErrInvalidArgument)
	}
	return nil
}

// decoder reads protocol fields from r. The first failure sticks.
type decoder struct {
	r   io.Reader
	buf [8]byte
	err error
}

func (d *decoder) read(n int) []byte {
	if d.err != nil {
		return nil
	}
	if _, err := io.ReadFull(d.r, d.buf[:n]); err != nil {
		d.err = err
		return nil
	}
	return d.buf[:n]
}

func (d *decoder) u8() byte {
	if b := d.read(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.read(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) i32() int32 {
	if b := d.read(4); b != nil {
		return int32(binary.BigEndian.Uint32(b))
	}
	return 0
}

func (d *decoder) i64() int64 {
	if b := d.read(8); b != nil {
		return int64(binary.BigEndian.Uint64(b))
	}
	return 0
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(d.r, p); err != nil {
		d.err = err
		return nil
	}
	return p
}

func (d *decoder) str() string {
	n := d.u16()
	return string(d.bytes(int(n)))
}

// count reads an i32 element count bounded by limit.
func (d *decoder) count(limit int) int {
	n := d.i32()
	if d.err == nil && (n < 0 || int(n) > limit) {
		d.err = api.ProtocolError("nameservice: count %d out of range", n)
	}
	return int(n)
}

// blob reads a length-prefixed identifier. Zero length means absent.
func (d *decoder) blob() []byte {
	n := d.count(maxIDSize)
	if n == 0 || d.err != nil {
		return nil
	}
	return d.bytes(n)
}

// result maps a truncated stream to errShort for request decoding.
func (d *decoder) result() error {
	if errors.Is(d.err, io.EOF) || errors.Is(d.err, io.ErrUnexpectedEOF) {
		return errShort
	}
	return d.err
}

// DecodeRequest reads one request from r. A truncated request yields
// errShort.
func DecodeRequest(r io.Reader) (Request, error) {
	d := &decoder{r: r}
	req := Request{Op: d.u8()}
	if d.err != nil {
		return req, d.result()
	}
	switch req.Op {
	case OpPortLookup:
		req.AllowPartial = d.u8() != 0
		n := d.count(maxNames)
		for i := 0; i < n && d.err == nil; i++ {
			req.Names = append(req.Names, d.str())
		}
		req.Timeout = time.Duration(d.i64()) * time.Millisecond
	case OpPortNew, OpPortRebind:
		req.Name = d.str()
		req.ID = d.blob()
	case OpPortFree:
		req.Name = d.str()
	case OpPortList:
		req.Pattern = d.str()
	default:
		return req, api.ProtocolError("nameservice: unexpected request %s", opName(req.Op))
	}
	return req, d.result()
}

func encodeKnown(bb *bytebufferpool.ByteBuffer, ids [][]byte) {
	bb.B = append(bb.B, OpPortKnown)
	for _, id := range ids {
		putBlob(bb, id)
	}
}

func encodeUnknown(bb *bytebufferpool.ByteBuffer, missing []string) {
	bb.B = append(bb.B, OpPortUnknown)
	bb.B = binary.BigEndian.AppendUint32(bb.B, uint32(len(missing)))
	for _, n := range missing {
		_ = putString(bb, n)
	}
}

func encodeList(bb *bytebufferpool.ByteBuffer, names []string) {
	if len(names) > MaxListed {
		names = names[:MaxListed]
	}
	bb.B = append(bb.B, byte(len(names)))
	for _, n := range names {
		_ = putString(bb, n)
	}
}

// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Driver contract shared by every layer of a send or receive chain.
//
// A chain is built top-down: each driver creates its sub-driver through the
// driver registry and forwards setup, data and teardown to it. The top of a
// chain is usually a packetizer; the bottom is a transport.

package api

import (
	"context"
	"io"
)

// ServiceLink is the out-of-band side channel between two peers. Drivers use
// it during SetupConnection to exchange addresses and properties.
//
// Both ends open a sub-stream with the same name; bytes written on one end
// are read on the other.
type ServiceLink interface {
	// Stream opens (or joins) the named sub-stream.
	Stream(ctx context.Context, name string) (io.ReadWriteCloser, error)

	// Close releases every sub-stream.
	Close() error
}

// Connection names the peer being connected and the link to reach it.
type Connection struct {
	Peer PeerID
	Link ServiceLink
}

// Output is the send side of a driver.
//
// A message is framed by InitSend and Finish. Writes outside a message are
// rejected. A single goroutine drives an Output at a time.
type Output interface {
	// SetupConnection connects to peer and folds its limits into this
	// driver's mtu and header length.
	SetupConnection(ctx context.Context, c Connection) error

	// MaximumTransferUnit returns the largest packet, headers included.
	// Zero means unbounded.
	MaximumTransferUnit() int

	// HeadersLength returns the bytes lower layers reserve per packet.
	HeadersLength() int

	InitSend() error

	// Finish completes the message and returns the bytes it carried.
	Finish() (int64, error)

	// Close removes one peer.
	Close(peer PeerID) error

	// Free releases every resource. Safe to call more than once.
	Free() error

	// WriteBuffer sends b.Data[:b.Length]. The caller keeps ownership.
	WriteBuffer(b *Buffer) error
	WriteBytes(p []byte) error
	WriteObject(v any) error
}

// Input is the receive side of a driver.
//
// Poll selects the peer whose message is read next; reads drain that
// message and Finish ends it.
type Input interface {
	SetupConnection(ctx context.Context, c Connection) error
	MaximumTransferUnit() int
	HeadersLength() int

	// Poll reports whether a message is available and from which peer.
	// With block set it waits until one arrives or the input is freed.
	Poll(block bool) (PeerID, bool, error)

	// ReadBuffer fills b. A b.Length of zero accepts any packet size and is
	// set to the received length; otherwise the packet must match it.
	ReadBuffer(b *Buffer) error
	ReadBytes(p []byte) error
	ReadObject(v any) error

	Finish() error
	Close(peer PeerID) error
	Free() error
}

// Readiness is implemented by inputs that can signal pending data without
// being polled.
type Readiness interface {
	// Ready returns a channel that receives a value once data may be
	// available. Spurious wakeups are allowed.
	Ready() <-chan struct{}
}

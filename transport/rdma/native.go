// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package rdma

import (
	"errors"
	"fmt"
)

// ErrPortClosed is returned by native ports once either end is closed.
var ErrPortClosed = errors.New("rdma: port closed")

// Endpoint addresses a port on the fabric.
type Endpoint struct {
	Node int
	Port int
	Mux  int
}

func (e Endpoint) String() string { return fmt.Sprintf("%d:%d(%d)", e.Node, e.Port, e.Mux) }

// Provider opens native devices.
type Provider interface {
	OpenDevice(unit int) (Device, error)
}

// Device is an open native device.
type Device interface {
	// OpenPort opens a port with depth receive slots posted.
	OpenPort(depth int) (Port, error)
	Close() error
}

// Port is one end of a native connection. Calls never block.
type Port interface {
	Endpoint() Endpoint
	Connect(remote Endpoint) error

	// TrySend posts a copy of p to the connected port. It reports false
	// when the remote has no free receive slot.
	TrySend(p []byte) (bool, error)

	// TryRecv copies the next datagram into p. It reports false when
	// nothing has arrived, and ErrPortClosed once the remote is gone and
	// every datagram was consumed.
	TryRecv(p []byte) (int, bool, error)

	// Doorbell is signalled when a datagram arrives or a send slot frees.
	Doorbell() <-chan struct{}

	Close() error
}

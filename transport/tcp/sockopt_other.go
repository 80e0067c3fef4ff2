//go:build !linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"net"

	"go.uber.org/multierr"

	"github.com/momentics/hioload-net/control"
)

// tune sets the socket buffers and Nagle's algorithm through net.TCPConn.
func tune(c *net.TCPConn, cfg control.TCPConfig) error {
	var err error
	if cfg.BufferSize > 0 {
		err = multierr.Append(c.SetReadBuffer(cfg.BufferSize), c.SetWriteBuffer(cfg.BufferSize))
	}
	return multierr.Append(err, c.SetNoDelay(cfg.NoDelay))
}

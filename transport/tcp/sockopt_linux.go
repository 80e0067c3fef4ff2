//go:build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/control"
)

// tune sets the socket buffers and Nagle's algorithm on the raw socket.
func tune(c *net.TCPConn, cfg control.TCPConfig) error {
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		s := int(fd)
		if cfg.BufferSize > 0 {
			if serr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.BufferSize); serr != nil {
				return
			}
			if serr = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF, cfg.BufferSize); serr != nil {
				return
			}
		}
		nodelay := 0
		if cfg.NoDelay {
			nodelay = 1
		}
		serr = unix.SetsockoptInt(s, unix.IPPROTO_TCP, unix.TCP_NODELAY, nodelay)
	})
	if err != nil {
		return err
	}
	return serr
}

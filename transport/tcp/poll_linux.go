//go:build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"
)

// pending reports whether a read would not block. The socket is peeked
// with MSG_PEEK|MSG_DONTWAIT; end of stream counts as pending so that the
// next read reports it.
func (in *Input) pending() (bool, error) {
	if in.br.Buffered() > 0 {
		return true, nil
	}
	tc, ok := in.conn.(*net.TCPConn)
	if !ok {
		return in.pendingByDeadline()
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return false, err
	}
	var (
		perr error
		one  [1]byte
	)
	err = raw.Read(func(fd uintptr) bool {
		_, _, perr = unix.Recvfrom(int(fd), one[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		return true
	})
	if err != nil {
		return false, err
	}
	switch {
	case perr == nil:
		return true, nil
	case errors.Is(perr, unix.EAGAIN), errors.Is(perr, unix.EWOULDBLOCK), errors.Is(perr, unix.EINTR):
		return false, nil
	default:
		return false, perr
	}
}

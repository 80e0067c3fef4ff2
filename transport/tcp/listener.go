// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
)

// Property keys announced by the input.
const (
	PropAddress = "tcp_address"
	PropPort    = "tcp_port"
)

// listen opens the listening socket of one input. At most one connection
// is accepted at a time.
func listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, api.IOError("tcp listen "+addr, err)
	}
	return netutil.LimitListener(ln, 1), nil
}

// announce describes where ln can be reached.
func announce(ln net.Listener) api.Properties {
	a := ln.Addr().(*net.TCPAddr)
	return api.Properties{
		PropAddress: a.IP.String(),
		PropPort:    strconv.Itoa(a.Port),
	}
}

// acceptOne runs the accept loop until one connection is established, ctx
// is done or the listener fails for good.
func acceptOne(ctx context.Context, ln net.Listener, log *zap.Logger) (conn net.Conn, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tcp accept panic: %v", r)
		}
	}()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept()
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			log.Debug("tcp accept retry", zap.Error(err))
			continue
		}
		return nil, api.IOError("tcp accept", err)
	}
}

// dial connects to the address announced by the peer.
func dial(ctx context.Context, remote api.Properties, cfg control.TCPConfig) (net.Conn, error) {
	host, port := remote[PropAddress], remote[PropPort]
	if host == "" || port == "" {
		return nil, api.ProtocolError("tcp: peer announced no address")
	}
	d := net.Dialer{Timeout: time.Duration(cfg.DialTimeout)}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, api.IOError("tcp dial", err)
	}
	return conn, nil
}

// prepare applies the socket options of cfg.
func prepare(conn net.Conn, cfg control.TCPConfig, log *zap.Logger) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := tune(tc, cfg); err != nil {
		log.Warn("tcp socket options not applied", zap.Error(err))
	}
}

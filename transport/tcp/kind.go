// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
)

// Name of the driver kind.
const Name = "tcp"

// Property keys overriding the tcp configuration per context.
const (
	PropListenAddr = "listen_addr"
	PropBufferSize = "buffer_size"
)

// msgStart opens every message on the stream.
const msgStart byte = 0x4d

// Kind registers the tcp transport.
type Kind struct{}

func (Kind) Name() string { return Name }

func (Kind) NewOutput(p driver.Params) (api.Output, error) {
	p = p.WithDefaults()
	cfg, err := configFor(p)
	if err != nil {
		return nil, err
	}
	return NewOutput(p, cfg), nil
}

func (Kind) NewInput(p driver.Params, h api.UpcallHandler) (api.Input, error) {
	p = p.WithDefaults()
	cfg, err := configFor(p)
	if err != nil {
		return nil, err
	}
	return NewInput(p, cfg, h), nil
}

func configFor(p driver.Params) (control.TCPConfig, error) {
	cfg := p.Config.TCP
	cfg.ListenAddr = p.Property(PropListenAddr, cfg.ListenAddr)
	var err error
	cfg.BufferSize, err = p.IntProperty(PropBufferSize, cfg.BufferSize)
	return cfg, err
}

var _ driver.Kind = Kind{}

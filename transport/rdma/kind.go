// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package rdma

import (
	"fmt"
	"strconv"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
)

// Name of the driver kind.
const Name = "rdma"

// Property keys overriding the rdma configuration per context.
const (
	PropMTU          = "mtu"
	PropHeaders      = "headers"
	PropReceiveDepth = "receive_depth"
	PropUnit         = "rdma_unit"

	propNode = "rdma_node"
	propPort = "rdma_port"
	propMux  = "rdma_mux"
)

// datagram tags
const (
	tagPacket byte = iota + 1
	tagBytes
	tagEnd
	tagClose
)

func tagName(t byte) string {
	switch t {
	case tagPacket:
		return "packet"
	case tagBytes:
		return "bytes"
	case tagEnd:
		return "end"
	case tagClose:
		return "close"
	default:
		return "tag " + strconv.Itoa(int(t))
	}
}

// Kind registers the rdma transport. All outputs and inputs of a Kind share
// one access lock and one lock array.
type Kind struct {
	provider Provider
	access   *AccessLock
	locks    *LockArray
}

// New returns the rdma kind over provider.
func New(provider Provider) *Kind {
	return &Kind{
		provider: provider,
		access:   &AccessLock{},
		locks:    NewLockArray(),
	}
}

func (k *Kind) Name() string { return Name }

// Locks exposes the lock array shared by the inputs of this kind.
func (k *Kind) Locks() *LockArray { return k.locks }

func (k *Kind) NewOutput(p driver.Params) (api.Output, error) {
	p = p.WithDefaults()
	cfg, unit, err := configFor(p)
	if err != nil {
		return nil, err
	}
	return newOutput(k, p, cfg, unit), nil
}

func (k *Kind) NewInput(p driver.Params, h api.UpcallHandler) (api.Input, error) {
	p = p.WithDefaults()
	cfg, unit, err := configFor(p)
	if err != nil {
		return nil, err
	}
	return newInput(k, p, cfg, unit, h), nil
}

// configFor applies the context properties on top of the rdma section.
func configFor(p driver.Params) (control.RDMAConfig, int, error) {
	cfg := p.Config.RDMA
	var err error
	if cfg.MTU, err = p.IntProperty(PropMTU, cfg.MTU); err != nil {
		return cfg, 0, err
	}
	if cfg.Headers, err = p.IntProperty(PropHeaders, cfg.Headers); err != nil {
		return cfg, 0, err
	}
	if cfg.ReceiveDepth, err = p.IntProperty(PropReceiveDepth, cfg.ReceiveDepth); err != nil {
		return cfg, 0, err
	}
	unit, err := p.IntProperty(PropUnit, 0)
	if err != nil {
		return cfg, 0, err
	}
	if cfg.MTU <= 0 || cfg.Headers < 0 || cfg.Headers >= cfg.MTU || cfg.ReceiveDepth <= 0 {
		return cfg, 0, fmt.Errorf("rdma %s: mtu %d, headers %d, receive depth %d: %w",
			p.Context, cfg.MTU, cfg.Headers, cfg.ReceiveDepth, api.ErrInvalidArgument)
	}
	return cfg, unit, nil
}

func localProps(cfg control.RDMAConfig, ep Endpoint) api.Properties {
	return api.Properties{
		PropMTU:     strconv.Itoa(cfg.MTU),
		PropHeaders: strconv.Itoa(cfg.Headers),
		propNode:    strconv.Itoa(ep.Node),
		propPort:    strconv.Itoa(ep.Port),
		propMux:     strconv.Itoa(ep.Mux),
	}
}

// remoteProps folds the peer's limits into cfg and returns its endpoint.
func remoteProps(cfg control.RDMAConfig, remote api.Properties) (control.RDMAConfig, Endpoint, error) {
	var ep Endpoint
	ints := []struct {
		key string
		dst *int
	}{
		{propNode, &ep.Node}, {propPort, &ep.Port}, {propMux, &ep.Mux},
	}
	for _, f := range ints {
		v, err := strconv.Atoi(remote[f.key])
		if err != nil {
			return cfg, ep, api.ProtocolError("rdma: bad remote %s %q", f.key, remote[f.key])
		}
		*f.dst = v
	}
	mtu, err := strconv.Atoi(remote[PropMTU])
	if err != nil || mtu <= 0 {
		return cfg, ep, api.ProtocolError("rdma: bad remote mtu %q", remote[PropMTU])
	}
	headers, err := strconv.Atoi(remote[PropHeaders])
	if err != nil || headers < 0 {
		return cfg, ep, api.ProtocolError("rdma: bad remote headers %q", remote[PropHeaders])
	}
	cfg.MTU = driver.FoldMTU(cfg.MTU, mtu)
	cfg.Headers = max(cfg.Headers, headers)
	if cfg.Headers >= cfg.MTU {
		return cfg, ep, api.ProtocolError("rdma: headers %d leave no payload in mtu %d", cfg.Headers, cfg.MTU)
	}
	return cfg, ep, nil
}

var _ driver.Kind = (*Kind)(nil)

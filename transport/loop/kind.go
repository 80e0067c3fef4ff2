// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package loop

import (
	"fmt"
	"strconv"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
)

// Name of the driver kind.
const Name = "loop"

// Property keys overriding the loop configuration per context.
const (
	PropMTU        = "mtu"
	PropHeaders    = "headers"
	PropQueueDepth = "queue_depth"

	propAddress = "loop_address"
)

// Kind registers the loop transport. A nil Fabric uses DefaultFabric.
type Kind struct {
	Fabric *Fabric
}

func (k Kind) Name() string { return Name }

func (k Kind) NewOutput(p driver.Params) (api.Output, error) {
	p = p.WithDefaults()
	cfg, err := configFor(p)
	if err != nil {
		return nil, err
	}
	return NewOutput(p, k.fabric(), cfg), nil
}

func (k Kind) NewInput(p driver.Params, h api.UpcallHandler) (api.Input, error) {
	p = p.WithDefaults()
	cfg, err := configFor(p)
	if err != nil {
		return nil, err
	}
	return NewInput(p, k.fabric(), cfg, h), nil
}

func (k Kind) fabric() *Fabric {
	if k.Fabric == nil {
		return defaultFabric
	}
	return k.Fabric
}

// configFor applies the context properties on top of the loop section.
func configFor(p driver.Params) (control.LoopConfig, error) {
	cfg := p.Config.Loop
	var err error
	if cfg.MTU, err = p.IntProperty(PropMTU, cfg.MTU); err != nil {
		return cfg, err
	}
	if cfg.Headers, err = p.IntProperty(PropHeaders, cfg.Headers); err != nil {
		return cfg, err
	}
	if cfg.QueueDepth, err = p.IntProperty(PropQueueDepth, cfg.QueueDepth); err != nil {
		return cfg, err
	}
	if cfg.MTU < 0 || cfg.Headers < 0 || (cfg.MTU > 0 && cfg.Headers >= cfg.MTU) {
		return cfg, fmt.Errorf("loop %s: mtu %d, headers %d: %w", p.Context, cfg.MTU, cfg.Headers, api.ErrInvalidArgument)
	}
	return cfg, nil
}

func localGeometry(cfg control.LoopConfig) api.Properties {
	return api.Properties{
		PropMTU:     strconv.Itoa(cfg.MTU),
		PropHeaders: strconv.Itoa(cfg.Headers),
	}
}

// foldGeometry merges the limits announced by the peer into cfg.
func foldGeometry(cfg control.LoopConfig, remote api.Properties) (control.LoopConfig, error) {
	mtu, err := strconv.Atoi(remote[PropMTU])
	if err != nil || mtu < 0 {
		return cfg, api.ProtocolError("loop: bad remote mtu %q", remote[PropMTU])
	}
	headers, err := strconv.Atoi(remote[PropHeaders])
	if err != nil || headers < 0 {
		return cfg, api.ProtocolError("loop: bad remote headers %q", remote[PropHeaders])
	}
	cfg.MTU = driver.FoldMTU(cfg.MTU, mtu)
	cfg.Headers = max(cfg.Headers, headers)
	if cfg.MTU > 0 && cfg.Headers >= cfg.MTU {
		return cfg, api.ProtocolError("loop: headers %d leave no payload in mtu %d", cfg.Headers, cfg.MTU)
	}
	return cfg, nil
}

var _ driver.Kind = Kind{}

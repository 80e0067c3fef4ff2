// File: packetizer/kind.go
// Author: momentics <momentics@gmail.com>

package packetizer

import (
	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/driver"
)

// Name of the driver kind.
const Name = "bytes"

// Params extends the driver params with the heuristic tunables.
type Params struct {
	driver.Params
	Config Config
}

// Kind registers the packetizer as the "bytes" driver.
type Kind struct{}

func (Kind) Name() string { return Name }

func (Kind) NewOutput(p driver.Params) (api.Output, error) {
	pp, err := paramsFor(p)
	if err != nil {
		return nil, err
	}
	return NewOutput(pp), nil
}

func (Kind) NewInput(p driver.Params, h api.UpcallHandler) (api.Input, error) {
	pp, err := paramsFor(p)
	if err != nil {
		return nil, err
	}
	return NewInput(pp, h), nil
}

// paramsFor reads the tunables from the configuration, overridden by the
// "split_threshold" property of the driver context.
func paramsFor(p driver.Params) (Params, error) {
	p = p.WithDefaults()
	cfg := ConfigFrom(p.Config.Packetizer)
	v, err := p.IntProperty("split_threshold", cfg.SplitThreshold)
	if err != nil {
		return Params{}, err
	}
	cfg.SplitThreshold = v
	return Params{Params: p, Config: cfg}, nil
}

var _ driver.Kind = Kind{}

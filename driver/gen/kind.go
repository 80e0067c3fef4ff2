// Author: momentics <momentics@gmail.com>

package gen

import (
	"fmt"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/driver"
)

// Name of the driver kind.
const Name = "gen"

// Kind registers the splitter and poller as the "gen" driver.
type Kind struct{}

func (Kind) Name() string { return Name }

func (Kind) NewOutput(p driver.Params) (api.Output, error) {
	return NewSplitter(p), nil
}

func (Kind) NewInput(p driver.Params, h api.UpcallHandler) (api.Input, error) {
	return NewPoller(p, h), nil
}

// PeerError is the failure of one peer in a fan-out or fan-in operation.
type PeerError struct {
	Peer api.PeerID
	Err  error
}

func (e *PeerError) Error() string { return fmt.Sprintf("gen: %s: %v", e.Peer, e.Err) }

func (e *PeerError) Unwrap() error { return e.Err }

var _ driver.Kind = Kind{}

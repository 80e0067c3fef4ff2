// Author: momentics <momentics@gmail.com>

package fake

import (
	"fmt"
	"sync"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/driver"
)

// Kind is a driver kind backed by callbacks. Unset callbacks fail.
type Kind struct {
	KindName string
	OutputFn func(p driver.Params) (api.Output, error)
	InputFn  func(p driver.Params, h api.UpcallHandler) (api.Input, error)
}

func (k *Kind) Name() string { return k.KindName }

func (k *Kind) NewOutput(p driver.Params) (api.Output, error) {
	if k.OutputFn == nil {
		return nil, fmt.Errorf("fake %s: outputs: %w", k.KindName, api.ErrNotSupported)
	}
	return k.OutputFn(p)
}

func (k *Kind) NewInput(p driver.Params, h api.UpcallHandler) (api.Input, error) {
	if k.InputFn == nil {
		return nil, fmt.Errorf("fake %s: inputs: %w", k.KindName, api.ErrNotSupported)
	}
	return k.InputFn(p, h)
}

// OutputKind hands out the given outputs in order.
func OutputKind(name string, outs ...api.Output) *Kind {
	var mu sync.Mutex
	i := 0
	return &Kind{
		KindName: name,
		OutputFn: func(driver.Params) (api.Output, error) {
			mu.Lock()
			defer mu.Unlock()
			if i >= len(outs) {
				return nil, fmt.Errorf("fake %s: no output left: %w", name, api.ErrResourceExhausted)
			}
			i++
			return outs[i-1], nil
		},
	}
}

// InputKind hands out the given inputs in order and records the handler
// each one was created with.
func InputKind(name string, handlers *[]api.UpcallHandler, ins ...api.Input) *Kind {
	var mu sync.Mutex
	i := 0
	return &Kind{
		KindName: name,
		InputFn: func(_ driver.Params, h api.UpcallHandler) (api.Input, error) {
			mu.Lock()
			defer mu.Unlock()
			if i >= len(ins) {
				return nil, fmt.Errorf("fake %s: no input left: %w", name, api.ErrResourceExhausted)
			}
			if handlers != nil {
				*handlers = append(*handlers, h)
			}
			i++
			return ins[i-1], nil
		},
	}
}

var _ driver.Kind = (*Kind)(nil)

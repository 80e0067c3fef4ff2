// File: driver/driver.go
// Package driver builds driver chains from named kinds.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Every layer of a chain is created through a Registry. A Connection joins
// one output with one input; its service link is private to that pair. The kind of the
// layer below is chosen by the "driver" property of the layer's context,
// so the same code can run over tcp, loop or rdma without change.

package driver

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/internal/handshake"
	"github.com/momentics/hioload-net/pool"
	"github.com/momentics/hioload-net/servicelink"
)

// PropDriver selects the sub-driver kind of a context.
const PropDriver = "driver"

// Kind creates the outputs and inputs of one driver implementation.
type Kind interface {
	Name() string
	NewOutput(p Params) (api.Output, error)
	// NewInput creates an input. A nil handler selects explicit receive.
	NewInput(p Params, h api.UpcallHandler) (api.Input, error)
}

// Registry maps kind names to implementations.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Register adds k. Registering a name twice fails.
func (r *Registry) Register(k Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.kinds[k.Name()]; dup {
		return fmt.Errorf("driver %q: %w", k.Name(), api.ErrAlreadyExists)
	}
	r.kinds[k.Name()] = k
	return nil
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	if !ok {
		return nil, fmt.Errorf("driver %q: %w", name, api.ErrNotFound)
	}
	return k, nil
}

// Names lists registered kinds in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for n := range r.kinds {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Params carries what a driver needs to build itself and its sub-driver.
type Params struct {
	// Context names this layer, e.g. "ping/bytes".
	Context  string
	Registry *Registry
	Props    *control.Properties
	Pool     *pool.BufferPool
	Logger   *zap.Logger
	Metrics  *control.MetricsRegistry
	Config   *control.Config
}

// WithDefaults fills unset collaborators.
func (p Params) WithDefaults() Params {
	if p.Registry == nil {
		p.Registry = NewRegistry()
	}
	if p.Props == nil {
		p.Props = control.NewProperties()
	}
	if p.Pool == nil {
		p.Pool = pool.Default()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Config == nil {
		p.Config = control.DefaultConfig()
	}
	return p
}

// Sub derives the params of the layer named name below this one.
func (p Params) Sub(name string) Params {
	p.Context = control.JoinContext(p.Context, name)
	p.Logger = p.Logger.With(zap.String("driver", p.Context))
	return p
}

// Property resolves key in this context or the nearest enclosing one.
func (p Params) Property(key, def string) string {
	if p.Props == nil {
		return def
	}
	return p.Props.Get(p.Context, key, def)
}

// IntProperty resolves an integer property.
func (p Params) IntProperty(key string, def int) (int, error) {
	v := p.Property(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("driver %s: property %s=%q: %w", p.Context, key, v, api.ErrInvalidArgument)
	}
	return n, nil
}

// Chain returns the context below its top-level name. Both ends of a
// connection built from the same kinds share it.
func (p Params) Chain() string {
	if i := strings.IndexByte(p.Context, '/'); i >= 0 {
		return p.Context[i+1:]
	}
	return p.Context
}

// StreamName names the handshake sub-stream tag of this layer.
func (p Params) StreamName(tag string) string {
	return handshake.StreamName(p.Chain(), tag)
}

// SubDriver returns the kind selected by the "driver" property of this
// context.
func (p Params) SubDriver() (Kind, error) {
	name, ok := p.Props.Lookup(p.Context, PropDriver)
	if !ok {
		return nil, fmt.Errorf("driver %s: no %q property: %w", p.Context, PropDriver, api.ErrNotFound)
	}
	return p.Registry.Lookup(name)
}

// NewSubOutput creates the output of the sub-driver in context
// p.Context/<kind>.
func (p Params) NewSubOutput() (api.Output, error) {
	k, err := p.SubDriver()
	if err != nil {
		return nil, err
	}
	return k.NewOutput(p.Sub(k.Name()))
}

// NewSubInput creates the input of the sub-driver in context
// p.Context/<kind>.
func (p Params) NewSubInput(h api.UpcallHandler) (api.Input, error) {
	k, err := p.SubDriver()
	if err != nil {
		return nil, err
	}
	return k.NewInput(p.Sub(k.Name()), h)
}

// NewOutput creates a top-level output of the kind selected in context.
func NewOutput(p Params, name string) (api.Output, error) {
	p = p.WithDefaults()
	p.Context = name
	return p.NewSubOutput()
}

// NewInput creates a top-level input of the kind selected in context.
func NewInput(p Params, name string, h api.UpcallHandler) (api.Input, error) {
	p = p.WithDefaults()
	p.Context = name
	return p.NewSubInput(h)
}

// Connect joins a local output to a local input over an in-process link.
// outPeer names the output side as seen by the input, inPeer the input side
// as seen by the output. Both setups run concurrently, the way the two ends
// of a link must.
func Connect(ctx context.Context, out api.Output, outPeer api.PeerID, in api.Input, inPeer api.PeerID) error {
	a, b := servicelink.NewPipe()
	errc := make(chan error, 1)
	go func() { errc <- in.SetupConnection(ctx, api.Connection{Peer: outPeer, Link: b}) }()
	err := out.SetupConnection(ctx, api.Connection{Peer: inPeer, Link: a})
	return multierr.Append(err, <-errc)
}

// FoldMTU combines two mtus where zero means unbounded: the result is the
// smaller bound.
func FoldMTU(a, b int) int {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	default:
		return min(a, b)
	}
}

// File: facade/hioload.go
// Unified facade layer for hioload-net.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stack aggregates the collaborators every driver chain needs: the driver
// registry with all built-in kinds, scoped properties, the buffer pool, the
// logger, metrics and debug probes. Outputs and inputs created through a
// Stack are freed by Close.

package facade

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
	"github.com/momentics/hioload-net/driver/gen"
	"github.com/momentics/hioload-net/nameservice"
	"github.com/momentics/hioload-net/packetizer"
	"github.com/momentics/hioload-net/pool"
	"github.com/momentics/hioload-net/transport/loop"
	"github.com/momentics/hioload-net/transport/rdma"
	"github.com/momentics/hioload-net/transport/tcp"
)

// Options supplies collaborators that cannot come from a config file.
type Options struct {
	// Logger overrides the logger built from the log section.
	Logger *zap.Logger
	// Loop is the in-process fabric of the loop kind; nil uses the default.
	Loop *loop.Fabric
	// RDMA enables the rdma kind over the given native provider.
	RDMA rdma.Provider
}

// Stack is the entry point of an application.
type Stack struct {
	cfg      *control.Config
	log      *zap.Logger
	ownLog   bool
	props    *control.Properties
	registry *driver.Registry
	pool     *pool.BufferPool
	metrics  *control.MetricsRegistry
	probes   *control.DebugProbes
	names    *nameservice.Client

	mu      sync.Mutex
	drivers []freer
	closed  bool
}

type freer interface{ Free() error }

// Load reads the config at path and builds a stack from it.
func Load(path string, opts Options) (*Stack, error) {
	cfg, err := control.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts)
}

// New builds a stack. A nil cfg uses the defaults.
func New(cfg *control.Config, opts Options) (*Stack, error) {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Stack{
		cfg:      cfg,
		log:      opts.Logger,
		props:    control.NewProperties(),
		registry: driver.NewRegistry(),
		pool:     pool.NewBufferPool(0),
		metrics:  control.NewMetricsRegistry(),
		probes:   control.NewDebugProbes(),
	}
	if s.log == nil {
		log, err := control.NewLogger(cfg.Log)
		if err != nil {
			return nil, err
		}
		s.log, s.ownLog = log, true
	}

	kinds := []driver.Kind{packetizer.Kind{}, gen.Kind{}, tcp.Kind{}, loop.Kind{Fabric: opts.Loop}}
	if opts.RDMA != nil {
		kinds = append(kinds, rdma.New(opts.RDMA))
	}
	for _, k := range kinds {
		if err := s.registry.Register(k); err != nil {
			return nil, err
		}
	}
	s.props.Merge(cfg.Drivers)
	s.names = nameservice.NewClient(cfg.NameServer, s.log).WithMetrics(s.metrics)

	control.RegisterPoolProbe(s.probes, "pool", s.pool)
	control.RegisterRuntimeProbes(s.probes)
	s.probes.RegisterProbe("metrics", func() any { return s.metrics.GetSnapshot() })
	s.probes.RegisterProbe("drivers", func() any { return s.registry.Names() })
	s.probes.RegisterProbe("properties", func() any { return s.props.Snapshot() })

	s.log.Info("stack ready", zap.Strings("drivers", s.registry.Names()))
	return s, nil
}

// Params returns the driver parameters of this stack.
func (s *Stack) Params() driver.Params {
	return driver.Params{
		Registry: s.registry,
		Props:    s.props,
		Pool:     s.pool,
		Logger:   s.log,
		Metrics:  s.metrics,
		Config:   s.cfg,
	}
}

func (s *Stack) track(d freer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("facade: stack closed: %w", api.ErrConnClosed)
	}
	s.drivers = append(s.drivers, d)
	return nil
}

// NewOutput creates the output chain of the named context.
func (s *Stack) NewOutput(name string) (api.Output, error) {
	out, err := driver.NewOutput(s.Params(), name)
	if err != nil {
		return nil, err
	}
	if err := s.track(out); err != nil {
		return nil, multierr.Append(err, out.Free())
	}
	return out, nil
}

// NewInput creates the input chain of the named context. A nil h selects
// explicit receive.
func (s *Stack) NewInput(name string, h api.UpcallHandler) (api.Input, error) {
	in, err := driver.NewInput(s.Params(), name, h)
	if err != nil {
		return nil, err
	}
	if err := s.track(in); err != nil {
		return nil, multierr.Append(err, in.Free())
	}
	return in, nil
}

// Connect joins a local output and input of this stack.
func (s *Stack) Connect(ctx context.Context, out api.Output, outPeer api.PeerID, in api.Input, inPeer api.PeerID) error {
	return driver.Connect(ctx, out, outPeer, in, inPeer)
}

// Reload merges the driver section of the config at path into the
// properties. Chains created afterwards see the new values.
func (s *Stack) Reload(path string) error {
	cfg, err := control.LoadConfig(path)
	if err != nil {
		return err
	}
	s.props.Merge(cfg.Drivers)
	s.log.Info("driver properties reloaded", zap.String("path", path))
	return nil
}

func (s *Stack) Config() *control.Config { return s.cfg }
func (s *Stack) Logger() *zap.Logger { return s.log }
func (s *Stack) Properties() *control.Properties { return s.props }
func (s *Stack) Registry() *driver.Registry { return s.registry }
func (s *Stack) BufferPool() *pool.BufferPool { return s.pool }
func (s *Stack) Metrics() *control.MetricsRegistry { return s.metrics }
func (s *Stack) Debug() *control.DebugProbes { return s.probes }
func (s *Stack) NameService() *nameservice.Client { return s.names }

// Close frees every output and input of the stack, newest first. It must
// not be called from an upcall handler.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	drivers := s.drivers
	s.drivers = nil
	s.mu.Unlock()

	var err error
	for i := len(drivers) - 1; i >= 0; i-- {
		err = multierr.Append(err, drivers[i].Free())
	}
	if s.ownLog {
		_ = s.log.Sync()
	}
	return err
}

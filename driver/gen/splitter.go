// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package gen

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/driver"
)

// Splitter forwards every write to the sub-output of each connected peer.
// A peer that fails does not stop the others; the failures are aggregated
// into one error of *PeerError values.
type Splitter struct {
	params driver.Params
	log    *zap.Logger

	mu      sync.Mutex
	peers   map[api.PeerID]api.Output
	order   []api.PeerID
	mtu     int
	headers int
	freed   bool

	failures *atomic.Int64
}

// NewSplitter creates a splitter without peers.
func NewSplitter(p driver.Params) *Splitter {
	p = p.WithDefaults()
	return &Splitter{
		params:   p,
		log:      p.Logger,
		peers:    make(map[api.PeerID]api.Output),
		failures: p.Metrics.Counter(control.MetricSplitterFailures),
	}
}

// SetupConnection creates and connects a sub-output for c.Peer and folds
// its limits into the aggregate.
func (s *Splitter) SetupConnection(ctx context.Context, c api.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freed {
		return api.ErrConnClosed
	}
	if _, ok := s.peers[c.Peer]; ok {
		return api.ErrAlreadyConnected
	}
	sub, err := s.params.NewSubOutput()
	if err != nil {
		return err
	}
	if err := sub.SetupConnection(ctx, c); err != nil {
		return multierr.Append(err, sub.Free())
	}
	s.mtu = driver.FoldMTU(s.mtu, sub.MaximumTransferUnit())
	s.headers = max(s.headers, sub.HeadersLength())
	s.peers[c.Peer] = sub
	s.order = append(s.order, c.Peer)
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	s.log.Debug("splitter peer added",
		zap.Stringer("peer", c.Peer), zap.Int("peers", len(s.order)), zap.Int("mtu", s.mtu))
	return nil
}

func (s *Splitter) MaximumTransferUnit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mtu
}

func (s *Splitter) HeadersLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headers
}

// Peers lists the connected peers in ascending order.
func (s *Splitter) Peers() []api.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.PeerID(nil), s.order...)
}

// each runs fn on every sub-output and aggregates the failures.
func (s *Splitter) each(op string, fn func(api.Output) error) error {
	s.mu.Lock()
	if s.freed {
		s.mu.Unlock()
		return api.ErrConnClosed
	}
	peers := append([]api.PeerID(nil), s.order...)
	subs := make([]api.Output, len(peers))
	for i, p := range peers {
		subs[i] = s.peers[p]
	}
	s.mu.Unlock()

	var errs error
	for i, sub := range subs {
		if err := fn(sub); err != nil {
			s.failures.Add(1)
			s.log.Warn("splitter peer failed",
				zap.String("op", op), zap.Stringer("peer", peers[i]), zap.Error(err))
			errs = multierr.Append(errs, &PeerError{Peer: peers[i], Err: err})
		}
	}
	return errs
}

func (s *Splitter) InitSend() error {
	return s.each("init", func(o api.Output) error { return o.InitSend() })
}

func (s *Splitter) WriteBuffer(b *api.Buffer) error {
	return s.each("write buffer", func(o api.Output) error { return o.WriteBuffer(b) })
}

func (s *Splitter) WriteBytes(p []byte) error {
	return s.each("write bytes", func(o api.Output) error { return o.WriteBytes(p) })
}

func (s *Splitter) WriteObject(v any) error {
	return s.each("write object", func(o api.Output) error { return o.WriteObject(v) })
}

// Finish finishes every peer and returns the sum of their tallies.
func (s *Splitter) Finish() (int64, error) {
	var total int64
	err := s.each("finish", func(o api.Output) error {
		n, err := o.Finish()
		total += n
		return err
	})
	return total, err
}

// Close disconnects and frees the sub-output of peer. The aggregate limits
// are kept.
func (s *Splitter) Close(peer api.PeerID) error {
	s.mu.Lock()
	if s.freed {
		s.mu.Unlock()
		return api.ErrConnClosed
	}
	sub, ok := s.peers[peer]
	if !ok {
		s.mu.Unlock()
		return api.StateError("close", api.Unconnected)
	}
	delete(s.peers, peer)
	s.order = removePeer(s.order, peer)
	s.mu.Unlock()
	s.log.Debug("splitter peer removed", zap.Stringer("peer", peer))
	return multierr.Append(sub.Close(peer), sub.Free())
}

// Free frees every sub-output.
func (s *Splitter) Free() error {
	s.mu.Lock()
	if s.freed {
		s.mu.Unlock()
		return nil
	}
	s.freed = true
	subs := s.peers
	s.peers = nil
	s.order = nil
	s.mu.Unlock()

	var errs error
	for _, sub := range subs {
		errs = multierr.Append(errs, sub.Free())
	}
	return errs
}

func removePeer(order []api.PeerID, peer api.PeerID) []api.PeerID {
	for i, p := range order {
		if p == peer {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

var _ api.Output = (*Splitter)(nil)

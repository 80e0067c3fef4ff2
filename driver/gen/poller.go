// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package gen

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/driver"
)

// Poller merges the sub-inputs of many peers into one input.
//
// Explicit receive sweeps the sub-inputs round-robin, starting after the
// peer served last, and queues every peer found ready so that none is
// starved. In upcall mode the poller is the handler of each sub-input and
// passes their messages up one at a time.
type Poller struct {
	params  driver.Params
	log     *zap.Logger
	handler api.UpcallHandler

	backoff    time.Duration
	maxBackoff time.Duration

	mu      sync.Mutex
	peers   map[api.PeerID]api.Input
	order   []api.PeerID
	ready   *queue.Queue
	last    api.PeerID
	mtu     int
	headers int
	freed   bool
	changed chan struct{}

	// sub-input of the message being read
	active api.Input

	// dispatch serializes upcalls until the running one finishes its
	// message; upcall is the delivery holding it.
	dispatch sync.Mutex
	upcall   *delivery
}

type delivery struct {
	released bool
}

// NewPoller creates a poller without peers. A nil h selects explicit
// receive.
func NewPoller(p driver.Params, h api.UpcallHandler) *Poller {
	p = p.WithDefaults()
	return &Poller{
		params:     p,
		log:        p.Logger,
		handler:    h,
		backoff:    p.Config.Poller.Backoff.Std(),
		maxBackoff: p.Config.Poller.MaxBackoff.Std(),
		peers:      make(map[api.PeerID]api.Input),
		ready:      queue.New(),
		changed:    make(chan struct{}),
	}
}

// notify wakes blocked pollers after a connection change. Called with mu
// held.
func (p *Poller) notify() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// SetupConnection creates and connects a sub-input for c.Peer.
func (p *Poller) SetupConnection(ctx context.Context, c api.Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freed {
		return api.ErrConnClosed
	}
	if _, ok := p.peers[c.Peer]; ok {
		return api.ErrAlreadyConnected
	}
	var h api.UpcallHandler
	if p.handler != nil {
		h = p
	}
	sub, err := p.params.NewSubInput(h)
	if err != nil {
		return err
	}
	if err := sub.SetupConnection(ctx, c); err != nil {
		return multierr.Append(err, sub.Free())
	}
	p.mtu = driver.FoldMTU(p.mtu, sub.MaximumTransferUnit())
	p.headers = max(p.headers, sub.HeadersLength())
	p.peers[c.Peer] = sub
	p.order = append(p.order, c.Peer)
	sort.Slice(p.order, func(i, j int) bool { return p.order[i] < p.order[j] })
	p.notify()
	p.log.Debug("poller peer added", zap.Stringer("peer", c.Peer), zap.Int("peers", len(p.order)))
	return nil
}

func (p *Poller) MaximumTransferUnit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mtu
}

func (p *Poller) HeadersLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.headers
}

// Poll returns the next peer with a message. Queued ready peers go first,
// then a sweep of every sub-input. With block set it waits on the readiness
// of the sub-inputs, backing off on those that cannot signal it.
func (p *Poller) Poll(block bool) (api.PeerID, bool, error) {
	if p.handler != nil {
		return 0, false, fmt.Errorf("gen: poll on an upcall input: %w", api.ErrNotSupported)
	}
	if p.active != nil {
		return 0, false, api.ErrMessageInProgress
	}
	delay := p.backoff
	for {
		peer, ok, err := p.next()
		if err != nil || ok {
			return peer, ok, err
		}
		if !block {
			return 0, false, nil
		}
		if err := p.wait(delay); err != nil {
			return 0, false, err
		}
		delay = min(2*delay, p.maxBackoff)
	}
}

// next serves a queued peer or sweeps for one.
func (p *Poller) next() (api.PeerID, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freed {
		return 0, false, api.ErrConnClosed
	}
	if p.ready.Length() == 0 {
		if err := p.sweep(); err != nil {
			return 0, false, err
		}
	}
	for p.ready.Length() > 0 {
		peer := p.ready.Remove().(api.PeerID)
		sub, ok := p.peers[peer]
		if !ok {
			continue
		}
		p.active, p.last = sub, peer
		return peer, true, nil
	}
	return 0, false, nil
}

// sweep polls every sub-input once, starting after the last served peer.
// Peers whose connection is gone are dropped. Called with mu held.
func (p *Poller) sweep() error {
	n := len(p.order)
	start := sort.Search(n, func(i int) bool { return p.order[i] > p.last })
	peers := make([]api.PeerID, 0, n)
	peers = append(peers, p.order[start:]...)
	peers = append(peers, p.order[:start]...)

	var errs error
	for _, peer := range peers {
		sub := p.peers[peer]
		_, ok, err := sub.Poll(false)
		switch {
		case errors.Is(err, api.ErrConnClosed):
			p.log.Debug("poller peer gone", zap.Stringer("peer", peer))
			delete(p.peers, peer)
			p.order = removePeer(p.order, peer)
			errs = multierr.Append(errs, sub.Free())
		case err != nil:
			return &PeerError{Peer: peer, Err: err}
		case ok:
			p.ready.Add(peer)
		}
	}
	if errs != nil {
		p.log.Warn("poller failed to free a sub-input", zap.Error(errs))
	}
	return nil
}

// wait blocks until a sub-input signals readiness, the connection set
// changes, the poller is freed or, when some sub-input cannot signal, delay
// elapses.
func (p *Poller) wait(delay time.Duration) error {
	p.mu.Lock()
	if p.freed {
		p.mu.Unlock()
		return api.ErrConnClosed
	}
	cases := []reflect.SelectCase{{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(p.changed)}}
	polled := len(p.order) == 0
	for _, peer := range p.order {
		if r, ok := p.peers[peer].(api.Readiness); ok {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.Ready())})
		} else {
			polled = true
		}
	}
	p.mu.Unlock()

	if polled {
		t := time.NewTimer(delay)
		defer t.Stop()
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(t.C)})
	}
	reflect.Select(cases)
	return nil
}

func (p *Poller) check() error {
	if p.active == nil {
		return api.ErrNoMessage
	}
	return nil
}

func (p *Poller) ReadBuffer(b *api.Buffer) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.active.ReadBuffer(b)
}

func (p *Poller) ReadBytes(b []byte) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.active.ReadBytes(b)
}

func (p *Poller) ReadObject(v any) error {
	if err := p.check(); err != nil {
		return err
	}
	return p.active.ReadObject(v)
}

// Finish ends the message on the sub-input it came from. Inside an upcall
// it also lets the next upcall in while the handler keeps running.
func (p *Poller) Finish() error {
	if err := p.check(); err != nil {
		return err
	}
	sub, d := p.active, p.upcall
	p.active, p.upcall = nil, nil
	err := sub.Finish()
	if d != nil {
		d.released = true
		p.dispatch.Unlock()
	}
	return err
}

// InputUpcall passes a message of one sub-input up with its peer. Upcalls
// are serialized until the message is finished.
func (p *Poller) InputUpcall(ctx context.Context, in api.Input, peer api.PeerID) error {
	p.dispatch.Lock()
	d := &delivery{}
	p.active, p.upcall = in, d
	defer func() {
		if !d.released {
			p.active, p.upcall = nil, nil
			p.dispatch.Unlock()
		}
	}()
	return p.handler.InputUpcall(ctx, p, peer)
}

// Close disconnects and frees the sub-input of peer.
func (p *Poller) Close(peer api.PeerID) error {
	p.mu.Lock()
	if p.freed {
		p.mu.Unlock()
		return api.ErrConnClosed
	}
	sub, ok := p.peers[peer]
	if !ok {
		p.mu.Unlock()
		return api.StateError("close", api.Unconnected)
	}
	delete(p.peers, peer)
	p.order = removePeer(p.order, peer)
	p.notify()
	p.mu.Unlock()
	p.log.Debug("poller peer removed", zap.Stringer("peer", peer))
	return multierr.Append(sub.Close(peer), sub.Free())
}

// Free frees every sub-input and wakes blocked pollers.
func (p *Poller) Free() error {
	p.mu.Lock()
	if p.freed {
		p.mu.Unlock()
		return nil
	}
	p.freed = true
	subs := p.peers
	p.peers = nil
	p.order = nil
	p.notify()
	p.mu.Unlock()

	var errs error
	for _, sub := range subs {
		errs = multierr.Append(errs, sub.Free())
	}
	return errs
}

var (
	_ api.Input         = (*Poller)(nil)
	_ api.UpcallHandler = (*Poller)(nil)
)

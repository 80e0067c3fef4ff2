// Author: momentics <momentics@gmail.com>

package fake

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/transport/rdma"
)

// Fabric is an in-memory native fabric for the rdma driver. It records
// every native call made on a port or device after it was closed.
type Fabric struct {
	node int

	mu    sync.Mutex
	ports map[rdma.Endpoint]*Port
	next  int

	openDevices atomic.Int64
	violations  atomic.Int64
	polls       atomic.Int64
}

// NewFabric creates a fabric whose ports live on node.
func NewFabric(node int) *Fabric {
	return &Fabric{node: node, ports: make(map[rdma.Endpoint]*Port)}
}

// Violations counts native calls made after close.
func (f *Fabric) Violations() int64 { return f.violations.Load() }

// OpenDevices counts devices opened and not yet closed.
func (f *Fabric) OpenDevices() int64 { return f.openDevices.Load() }

// OpenPorts counts ports not yet closed.
func (f *Fabric) OpenPorts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ports)
}

// Polls counts TryRecv calls.
func (f *Fabric) Polls() int64 { return f.polls.Load() }

func (f *Fabric) OpenDevice(unit int) (rdma.Device, error) {
	if unit != 0 {
		return nil, fmt.Errorf("fake fabric: unit %d: %w", unit, api.ErrNotFound)
	}
	f.openDevices.Add(1)
	return &Device{fabric: f}, nil
}

func (f *Fabric) port(ep rdma.Endpoint) *Port {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ports[ep]
}

// Device is an open fake device.
type Device struct {
	fabric *Fabric
	closed atomic.Bool
}

func (d *Device) OpenPort(depth int) (rdma.Port, error) {
	if d.closed.Load() {
		d.fabric.violations.Add(1)
		return nil, rdma.ErrPortClosed
	}
	f := d.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	p := &Port{
		fabric: f,
		ep:     rdma.Endpoint{Node: f.node, Port: f.next, Mux: f.next},
		depth:  depth,
		bell:   make(chan struct{}, 1),
	}
	f.ports[p.ep] = p
	return p, nil
}

func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		d.fabric.violations.Add(1)
		return rdma.ErrPortClosed
	}
	d.fabric.openDevices.Add(-1)
	return nil
}

// Port is a fake native port with a bounded inbox.
type Port struct {
	fabric *Fabric
	ep     rdma.Endpoint
	depth  int
	bell   chan struct{}

	mu        sync.Mutex
	remote    rdma.Endpoint
	connected bool
	inbox     [][]byte
	closed    bool
	peerGone  bool
}

func (p *Port) Endpoint() rdma.Endpoint { return p.ep }

func (p *Port) Doorbell() <-chan struct{} { return p.bell }

func (p *Port) ring() {
	select {
	case p.bell <- struct{}{}:
	default:
	}
}

// live reports false, counting a violation, once the port is closed.
func (p *Port) live() bool {
	if p.closed {
		p.fabric.violations.Add(1)
		return false
	}
	return true
}

func (p *Port) Connect(remote rdma.Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.live() {
		return rdma.ErrPortClosed
	}
	p.remote, p.connected = remote, true
	return nil
}

func (p *Port) TrySend(b []byte) (bool, error) {
	p.mu.Lock()
	if !p.live() {
		p.mu.Unlock()
		return false, rdma.ErrPortClosed
	}
	if !p.connected {
		p.mu.Unlock()
		return false, api.ErrNotConnected
	}
	remote := p.remote
	p.mu.Unlock()

	r := p.fabric.port(remote)
	if r == nil {
		return false, rdma.ErrPortClosed
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, rdma.ErrPortClosed
	}
	if len(r.inbox) >= r.depth {
		r.mu.Unlock()
		return false, nil
	}
	r.inbox = append(r.inbox, append([]byte(nil), b...))
	r.mu.Unlock()
	r.ring()
	return true, nil
}

func (p *Port) TryRecv(b []byte) (int, bool, error) {
	p.fabric.polls.Add(1)
	p.mu.Lock()
	if !p.live() {
		p.mu.Unlock()
		return 0, false, rdma.ErrPortClosed
	}
	if len(p.inbox) == 0 {
		gone := p.peerGone
		p.mu.Unlock()
		if gone {
			return 0, false, rdma.ErrPortClosed
		}
		return 0, false, nil
	}
	d := p.inbox[0]
	if len(d) > len(b) {
		p.mu.Unlock()
		return 0, false, api.SizeMismatchError(len(b), len(d))
	}
	p.inbox = p.inbox[1:]
	remote := p.remote
	p.mu.Unlock()

	// a freed slot lets the sender go on
	if s := p.fabric.port(remote); s != nil {
		s.ring()
	}
	return copy(b, d), true, nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	if !p.live() {
		p.mu.Unlock()
		return rdma.ErrPortClosed
	}
	p.closed = true
	p.inbox = nil
	p.mu.Unlock()

	f := p.fabric
	f.mu.Lock()
	delete(f.ports, p.ep)
	var peers []*Port
	for _, q := range f.ports {
		peers = append(peers, q)
	}
	f.mu.Unlock()
	for _, q := range peers {
		q.mu.Lock()
		hit := q.connected && q.remote == p.ep
		if hit {
			q.peerGone = true
		}
		q.mu.Unlock()
		if hit {
			q.ring()
		}
	}
	return nil
}

var (
	_ rdma.Provider = (*Fabric)(nil)
	_ rdma.Device   = (*Device)(nil)
	_ rdma.Port     = (*Port)(nil)
)

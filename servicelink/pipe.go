// File: servicelink/pipe.go
// Author: momentics <momentics@gmail.com>

package servicelink

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/momentics/hioload-net/api"
)

type pipeHub struct {
	mu      sync.Mutex
	streams map[string][2]net.Conn
	closed  bool
}

// Pipe is one end of an in-process service link.
type Pipe struct {
	hub  *pipeHub
	side int
}

// NewPipe returns the two ends of an in-process link.
func NewPipe() (*Pipe, *Pipe) {
	hub := &pipeHub{streams: make(map[string][2]net.Conn)}
	return &Pipe{hub: hub, side: 0}, &Pipe{hub: hub, side: 1}
}

// Stream returns this end of the named sub-stream, creating the pair on
// first use by either end. Sub-streams are synchronous: a write completes
// when the other end reads it.
func (p *Pipe) Stream(_ context.Context, name string) (io.ReadWriteCloser, error) {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	if p.hub.closed {
		return nil, api.ErrConnClosed
	}
	pair, ok := p.hub.streams[name]
	if !ok {
		a, b := net.Pipe()
		pair = [2]net.Conn{a, b}
		p.hub.streams[name] = pair
	}
	return pair[p.side], nil
}

// Close closes every sub-stream of both ends.
func (p *Pipe) Close() error {
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()
	if p.hub.closed {
		return nil
	}
	p.hub.closed = true
	for _, pair := range p.hub.streams {
		pair[0].Close()
		pair[1].Close()
	}
	return nil
}

var _ api.ServiceLink = (*Pipe)(nil)

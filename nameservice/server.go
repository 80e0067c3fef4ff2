// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package nameservice

import (
	"bytes"
	"context"
	"errors"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/momentics/hioload-net/control"
)

// pending is a lookup parked until its names are bound or it times out.
type pending struct {
	conn         gnet.Conn
	names        []string
	allowPartial bool
	deadline     time.Time // zero waits forever
}

// Server is a name server on a gnet event loop.
type Server struct {
	gnet.BuiltinEventEngine

	addr      string
	multicore bool
	tick      time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	bindings map[string][]byte
	parked   []*pending

	eng    gnet.Engine
	booted chan struct{}
}

// NewServer creates a server for cfg. A nil log discards.
func NewServer(cfg control.NameServerConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	tick := cfg.TickInterval.Std()
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	return &Server{
		addr:      cfg.Addr,
		multicore: cfg.Multicore,
		tick:      tick,
		log:       log.Named("nameserver"),
		bindings:  make(map[string][]byte),
		booted:    make(chan struct{}),
	}
}

// Serve runs the event loop until Stop.
func (s *Server) Serve() error {
	return gnet.Run(s, "tcp://"+s.addr,
		gnet.WithMulticore(s.multicore),
		gnet.WithTicker(true),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(s.log.Sugar()),
	)
}

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.booted }

// Stop shuts the event loop down.
func (s *Server) Stop(ctx context.Context) error {
	select {
	case <-s.booted:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.eng.Stop(ctx)
}

func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.eng = eng
	s.log.Info("name server started", zap.String("addr", s.addr), zap.Bool("multicore", s.multicore))
	close(s.booted)
	return gnet.None
}

func (s *Server) OnShutdown(gnet.Engine) {
	s.mu.Lock()
	n := len(s.parked)
	s.parked = nil
	s.mu.Unlock()
	s.log.Info("name server stopped", zap.Int("dropped_lookups", n))
}

func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	s.mu.Lock()
	s.parked = dropConn(s.parked, c)
	s.mu.Unlock()
	if err != nil {
		s.log.Debug("client connection closed", zap.Error(err))
	}
	return gnet.None
}

func dropConn(ps []*pending, c gnet.Conn) []*pending {
	out := ps[:0]
	for _, p := range ps {
		if p.conn != c {
			out = append(out, p)
		}
	}
	return out
}

// OnTraffic serves one request per read cycle.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	buf, err := c.Peek(c.InboundBuffered())
	if err != nil {
		return gnet.None
	}
	r := bytes.NewReader(buf)
	req, err := DecodeRequest(r)
	switch {
	case errors.Is(err, errShort):
		return gnet.None
	case err != nil:
		s.log.Warn("bad request", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
		return gnet.Close
	}
	if _, err := c.Discard(len(buf) - r.Len()); err != nil {
		return gnet.Close
	}

	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if !s.serve(c, req, bb) {
		return gnet.None
	}
	if _, err := c.Write(bb.B); err != nil {
		s.log.Debug("reply failed", zap.String("op", opName(req.Op)), zap.Error(err))
		return gnet.Close
	}
	return gnet.None
}

// serve applies req and writes the reply into bb. It reports false for a
// lookup that was parked.
func (s *Server) serve(c gnet.Conn, req Request, bb *bytebufferpool.ByteBuffer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch req.Op {
	case OpPortNew:
		if _, ok := s.bindings[req.Name]; ok {
			bb.B = append(bb.B, OpPortRefused)
			s.log.Debug("bind refused", zap.String("name", req.Name))
			return true
		}
		s.bindings[req.Name] = req.ID
		bb.B = append(bb.B, OpPortAccepted)
		s.wakeLocked()
	case OpPortRebind:
		s.bindings[req.Name] = req.ID
		bb.B = append(bb.B, OpPortAccepted)
		s.wakeLocked()
	case OpPortFree:
		if _, ok := s.bindings[req.Name]; !ok {
			bb.B = append(bb.B, statusNotBound)
			return true
		}
		delete(s.bindings, req.Name)
		bb.B = append(bb.B, statusFreed)
	case OpPortList:
		var names []string
		for n := range s.bindings {
			if ok, _ := path.Match(req.Pattern, n); ok {
				names = append(names, n)
			}
		}
		sort.Strings(names)
		encodeList(bb, names)
	case OpPortLookup:
		if ids, ok := s.resolveLocked(req.Names); ok {
			encodeKnown(bb, ids)
			return true
		}
		p := &pending{conn: c, names: req.Names, allowPartial: req.AllowPartial}
		if req.Timeout > 0 {
			p.deadline = time.Now().Add(req.Timeout)
		}
		s.parked = append(s.parked, p)
		s.log.Debug("lookup parked", zap.Strings("names", req.Names), zap.Duration("timeout", req.Timeout))
		return false
	}
	return true
}

// resolveLocked returns the identifiers of names, nil for the unbound ones,
// and whether all were bound.
func (s *Server) resolveLocked(names []string) ([][]byte, bool) {
	ids := make([][]byte, len(names))
	all := true
	for i, n := range names {
		id, ok := s.bindings[n]
		ids[i] = id
		all = all && ok
	}
	return ids, all
}

func (s *Server) missingLocked(names []string) []string {
	var out []string
	for _, n := range names {
		if _, ok := s.bindings[n]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// wakeLocked answers the parked lookups that can be answered now.
func (s *Server) wakeLocked() {
	s.sweepLocked(time.Time{})
}

// sweepLocked answers parked lookups that are resolved, and with a non-zero
// now, those past their deadline.
func (s *Server) sweepLocked(now time.Time) {
	keep := s.parked[:0]
	for _, p := range s.parked {
		bb := bytebufferpool.Get()
		ids, ok := s.resolveLocked(p.names)
		switch {
		case ok:
			encodeKnown(bb, ids)
		case now.IsZero() || p.deadline.IsZero() || now.Before(p.deadline):
			bytebufferpool.Put(bb)
			keep = append(keep, p)
			continue
		case p.allowPartial:
			encodeKnown(bb, ids)
		default:
			encodeUnknown(bb, s.missingLocked(p.names))
		}
		reply := append([]byte(nil), bb.B...)
		bytebufferpool.Put(bb)
		if err := p.conn.AsyncWrite(reply, nil); err != nil {
			s.log.Debug("parked reply failed", zap.Strings("names", p.names), zap.Error(err))
		}
	}
	for i := len(keep); i < len(s.parked); i++ {
		s.parked[i] = nil
	}
	s.parked = keep
}

// OnTick expires parked lookups.
func (s *Server) OnTick() (time.Duration, gnet.Action) {
	s.mu.Lock()
	s.sweepLocked(time.Now())
	s.mu.Unlock()
	return s.tick, gnet.None
}

// Bindings returns a copy of the current bindings.
func (s *Server) Bindings() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.bindings))
	for k, v := range s.bindings {
		out[k] = v
	}
	return out
}

var _ gnet.EventHandler = (*Server)(nil)

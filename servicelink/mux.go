// File: servicelink/mux.go
// Author: momentics <momentics@gmail.com>
//
// Named sub-streams multiplexed over a single connection.

package servicelink

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"

	"github.com/xtaci/smux"
	"go.uber.org/zap"

	"github.com/momentics/hioload-net/api"
)

// Role tells which end of the connection opens the sub-streams.
type Role int

const (
	// Initiator opens a smux stream per name and announces the name.
	Initiator Role = iota
	// Acceptor accepts the streams and matches them by name.
	Acceptor
)

// Mux carries named sub-streams over conn. Each name maps to one smux
// stream with its own flow-control window, so a stream nobody reads does
// not hold up the others. It is safe for concurrent use.
type Mux struct {
	sess *smux.Session
	role Role
	log  *zap.Logger

	mu      sync.Mutex
	streams map[string]*muxStream

	wg sync.WaitGroup
}

// NewMux starts a smux session on conn. Exactly one end must be the
// Initiator. A nil logger discards output.
func NewMux(conn net.Conn, role Role, log *zap.Logger) (*Mux, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := smux.DefaultConfig()
	cfg.Version = 2
	var (
		sess *smux.Session
		err  error
	)
	if role == Initiator {
		sess, err = smux.Client(conn, cfg)
	} else {
		sess, err = smux.Server(conn, cfg)
	}
	if err != nil {
		return nil, api.IOError("servicelink session", err)
	}
	m := &Mux{
		sess:    sess,
		role:    role,
		log:     log,
		streams: make(map[string]*muxStream),
	}
	if role == Acceptor {
		m.wg.Add(1)
		go m.serveAccept()
	}
	return m, nil
}

// Stream returns the named sub-stream. On the Acceptor the stream is
// bound once the Initiator opens it; reads and writes wait until then.
func (m *Mux) Stream(ctx context.Context, name string) (io.ReadWriteCloser, error) {
	if len(name) > math.MaxUint16 {
		return nil, fmt.Errorf("servicelink: stream name too long (%d bytes)", len(name))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.sess.IsClosed() {
		return nil, api.ErrConnClosed
	}
	m.mu.Lock()
	s, ok := m.streams[name]
	if !ok {
		s = newMuxStream(m, name)
		m.streams[name] = s
	}
	m.mu.Unlock()
	if ok || m.role == Acceptor {
		return s, nil
	}

	st, err := m.sess.OpenStream()
	if err != nil {
		m.forget(name, s)
		return nil, m.fail("servicelink open", err)
	}
	hdr := make([]byte, 2+len(name))
	binary.BigEndian.PutUint16(hdr, uint16(len(name)))
	copy(hdr[2:], name)
	if _, err := st.Write(hdr); err != nil {
		st.Close()
		m.forget(name, s)
		return nil, m.fail("servicelink open", err)
	}
	s.bind(st)
	return s, nil
}

func (m *Mux) forget(name string, s *muxStream) {
	m.mu.Lock()
	if m.streams[name] == s {
		delete(m.streams, name)
	}
	m.mu.Unlock()
}

func (m *Mux) fail(op string, err error) error {
	if m.sess.IsClosed() {
		return api.ErrConnClosed
	}
	return api.IOError(op, err)
}

// serveAccept reads the name of every stream the Initiator opens.
func (m *Mux) serveAccept() {
	defer m.wg.Done()
	for {
		st, err := m.sess.AcceptStream()
		if err != nil {
			if !m.sess.IsClosed() && !errors.Is(err, io.EOF) {
				m.log.Debug("service link accept failed", zap.Error(err))
			}
			return
		}
		var hdr [2]byte
		if _, err := io.ReadFull(st, hdr[:]); err != nil {
			st.Close()
			continue
		}
		name := make([]byte, binary.BigEndian.Uint16(hdr[:]))
		if _, err := io.ReadFull(st, name); err != nil {
			st.Close()
			continue
		}

		m.mu.Lock()
		s, ok := m.streams[string(name)]
		if !ok {
			s = newMuxStream(m, string(name))
			m.streams[string(name)] = s
		}
		m.mu.Unlock()
		if !s.bind(st) {
			m.log.Warn("service link stream opened twice", zap.String("name", string(name)))
			st.Close()
		}
	}
}

// Close ends the session and every sub-stream.
func (m *Mux) Close() error {
	err := m.sess.Close()
	m.wg.Wait()
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

type muxStream struct {
	mux   *Mux
	name  string
	ready chan struct{}
	once  sync.Once
	st    *smux.Stream
}

func newMuxStream(m *Mux, name string) *muxStream {
	return &muxStream{mux: m, name: name, ready: make(chan struct{})}
}

// bind attaches the smux stream. It reports false when one is attached.
func (s *muxStream) bind(st *smux.Stream) bool {
	bound := false
	s.once.Do(func() {
		s.st = st
		close(s.ready)
		bound = true
	})
	return bound
}

func (s *muxStream) wait() (*smux.Stream, error) {
	select {
	case <-s.ready:
		return s.st, nil
	case <-s.mux.sess.CloseChan():
		select {
		case <-s.ready:
			return s.st, nil
		default:
			return nil, io.EOF
		}
	}
}

func (s *muxStream) Read(p []byte) (int, error) {
	st, err := s.wait()
	if err != nil {
		return 0, err
	}
	return st.Read(p)
}

func (s *muxStream) Write(p []byte) (int, error) {
	st, err := s.wait()
	if err != nil {
		return 0, api.ErrConnClosed
	}
	n, err := st.Write(p)
	if err != nil {
		return n, s.mux.fail("servicelink send", err)
	}
	return n, nil
}

// Close is a no-op: sub-streams live as long as the mux.
func (s *muxStream) Close() error { return nil }

var _ api.ServiceLink = (*Mux)(nil)

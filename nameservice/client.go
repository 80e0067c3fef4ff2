// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package nameservice

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
)

// LookupError reports names still unbound when a lookup timed out.
type LookupError struct {
	Missing []string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("nameservice: could not find %d port(s): [%s]", len(e.Missing), strings.Join(e.Missing, ", "))
}

// Timeout marks the error as a timeout, like net.Error.
func (e *LookupError) Timeout() bool { return true }

// Is matches api.ErrTimeout.
func (e *LookupError) Is(target error) bool { return target == api.ErrTimeout }

// Client talks to a name server, one connection per request.
type Client struct {
	addr    string
	timeout time.Duration
	log     *zap.Logger
	dialer  net.Dialer
	group   singleflight.Group
	metrics *control.MetricsRegistry
}

// NewClient creates a client for the server in cfg. A nil log discards.
func NewClient(cfg control.NameServerConfig, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		addr:    cfg.Addr,
		timeout: cfg.Timeout.Std(),
		log:     log.Named("nameservice"),
		dialer:  net.Dialer{Timeout: cfg.Timeout.Std()},
	}
}

// WithMetrics counts lookups in m.
func (c *Client) WithMetrics(m *control.MetricsRegistry) *Client {
	c.metrics = m
	return c
}

// roundTrip sends req on a fresh connection and hands the reply to read.
// wait extends the deadline for requests the server may park.
func (c *Client) roundTrip(ctx context.Context, req Request, wait time.Duration, read func(d *decoder) error) error {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if err := EncodeRequest(bb, req); err != nil {
		return err
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return api.IOError("nameservice: dial "+c.addr, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(c.timeout + wait)); err != nil {
		return api.IOError("nameservice: deadline", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := conn.Write(bb.B); err != nil {
		return c.fail(ctx, opName(req.Op), err)
	}
	d := &decoder{r: bufio.NewReader(conn)}
	if err := read(d); err != nil {
		return err
	}
	if d.err != nil {
		return c.fail(ctx, opName(req.Op), d.err)
	}
	return nil
}

func (c *Client) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return api.NewError(api.ErrCodeTimeout, "nameservice: "+op).WithCause(err)
	}
	return api.IOError("nameservice: "+op, err)
}

// Lookup resolves names, waiting up to timeout for unbound ones; zero waits
// for as long as ctx allows. With allowPartial the names still unbound at
// the timeout come back nil, otherwise the lookup fails with *LookupError.
func (c *Client) Lookup(ctx context.Context, names []string, timeout time.Duration, allowPartial bool) ([][]byte, error) {
	start := time.Now()
	c.metrics.Add(control.MetricNameLookups, 1)
	req := Request{Op: OpPortLookup, AllowPartial: allowPartial, Names: names, Timeout: timeout}
	wait := timeout
	if timeout <= 0 {
		wait = 24 * time.Hour
	}
	var ids [][]byte
	err := c.roundTrip(ctx, req, wait, func(d *decoder) error {
		switch op := d.u8(); {
		case d.err != nil:
			return nil
		case op == OpPortUnknown:
			n := d.count(maxNames)
			missing := make([]string, 0, n)
			for i := 0; i < n && d.err == nil; i++ {
				missing = append(missing, d.str())
			}
			if d.err != nil {
				return nil
			}
			c.log.Debug("lookup timed out", zap.Strings("missing", missing), zap.Duration("after", time.Since(start)))
			return &LookupError{Missing: missing}
		case op == OpPortKnown:
			ids = make([][]byte, len(names))
			for i := range names {
				ids[i] = d.blob()
			}
			return nil
		default:
			return api.ProtocolError("nameservice: lookup got %s", opName(op))
		}
	})
	if err != nil {
		return nil, err
	}
	c.log.Debug("lookup done", zap.Strings("names", names), zap.Duration("after", time.Since(start)))
	return ids, nil
}

// Resolve looks up a single name. Concurrent resolutions of one name share
// a request.
func (c *Client) Resolve(ctx context.Context, name string, timeout time.Duration) ([]byte, error) {
	v, err, _ := c.group.Do(name, func() (any, error) {
		ids, err := c.Lookup(ctx, []string{name}, timeout, false)
		if err != nil {
			return nil, err
		}
		return ids[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// bindReply reads the answer to a bind.
func bindReply(op string, accept ...byte) func(d *decoder) error {
	return func(d *decoder) error {
		r := d.u8()
		if d.err != nil {
			return nil
		}
		for _, a := range accept {
			if r == a {
				return nil
			}
		}
		if r == OpPortRefused {
			return fmt.Errorf("nameservice: %s: name is not unique: %w", op, api.ErrAlreadyExists)
		}
		return api.ProtocolError("nameservice: %s got %s", op, opName(r))
	}
}

// Bind registers id under name. A bound name is refused.
func (c *Client) Bind(ctx context.Context, name string, id []byte) error {
	req := Request{Op: OpPortNew, Name: name, ID: id}
	if err := c.roundTrip(ctx, req, 0, bindReply("bind "+name, OpPortAccepted)); err != nil {
		return err
	}
	c.log.Debug("bound", zap.String("name", name))
	return nil
}

// Rebind registers id under name, replacing any earlier binding.
func (c *Client) Rebind(ctx context.Context, name string, id []byte) error {
	req := Request{Op: OpPortRebind, Name: name, ID: id}
	return c.roundTrip(ctx, req, 0, func(d *decoder) error {
		if r := d.u8(); d.err == nil && r != OpPortAccepted {
			return api.ProtocolError("nameservice: rebind %s got %s", name, opName(r))
		}
		return nil
	})
}

// Unbind removes the binding of name.
func (c *Client) Unbind(ctx context.Context, name string) error {
	req := Request{Op: OpPortFree, Name: name}
	return c.roundTrip(ctx, req, 0, func(d *decoder) error {
		switch r := d.u8(); {
		case d.err != nil, r == statusFreed:
			return nil
		case r == statusNotBound:
			return fmt.Errorf("nameservice: %q is not bound: %w", name, api.ErrNotFound)
		default:
			return api.ProtocolError("nameservice: unbind got status %d", r)
		}
	})
}

// List returns the bound names matching the glob pattern, at most
// MaxListed of them.
func (c *Client) List(ctx context.Context, pattern string) ([]string, error) {
	var names []string
	err := c.roundTrip(ctx, Request{Op: OpPortList, Pattern: pattern}, 0, func(d *decoder) error {
		n := int(d.u8())
		for i := 0; i < n && d.err == nil; i++ {
			names = append(names, d.str())
		}
		return nil
	})
	return names, err
}

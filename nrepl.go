// Package nrepl connects to Clojure nREPL servers.
//
// Dial wires the wire codec, transport, request correlator and session
// manager into a ready client:
//
//	c, err := nrepl.Dial(ctx, nrepl.Config{Addr: "localhost:7888"})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	res, err := c.Eval(ctx, "(+ 1 2)", 0)
//
// Connector wraps the same steps behind a lazy, reconnecting handle.
package nrepl

import (
	"context"
	"log/slog"

	"github.com/zylisp/nrepl/client"
	"github.com/zylisp/nrepl/correlator"
	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/session"
	"github.com/zylisp/nrepl/transport/tcp"
)

// Option configures Dial and NewConnector.
type Option func(*options)

type options struct {
	log     *slog.Logger
	resolve Resolver
}

func buildOptions(opts []Option) options {
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// Dial connects to cfg.Addr and opens a session. Failures match
// protocol.ErrConnection or protocol.ErrSession.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*client.Client, error) {
	o := buildOptions(opts)

	addr, err := ParseAddr(cfg.Addr)
	if err != nil {
		return nil, protocol.ConnectionError(err)
	}

	corr := correlator.New(correlator.WithLogger(o.log))
	tr, err := tcp.Dial(ctx, addr, corr,
		tcp.WithLogger(o.log),
		tcp.WithDialTimeout(cfg.DialTimeout))
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(corr, tr,
		session.WithTimeout(cfg.HandshakeTimeout),
		session.WithSession(cfg.Session),
		session.WithLogger(o.log))
	if _, err := sessions.Open(ctx); err != nil {
		_ = tr.Close()
		return nil, err
	}

	o.log.Info("nrepl connected", slog.String("addr", addr), slog.String("session", sessions.ID()))
	return client.New(tr, corr, sessions,
		client.WithTimeout(cfg.Timeout),
		client.WithLogger(o.log)), nil
}

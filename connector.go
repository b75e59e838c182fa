package nrepl

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/zylisp/nrepl/client"
	"github.com/zylisp/nrepl/protocol"
)

// Resolver finds the server address when Config.Addr is empty, e.g. by
// reading a port file.
type Resolver func(ctx context.Context) (string, error)

// WithResolver sets the address resolver used by a Connector.
func WithResolver(r Resolver) Option {
	return func(o *options) {
		o.resolve = r
	}
}

// Connector dials on first use and redials after the connection is lost.
// It is safe for concurrent use.
type Connector struct {
	cfg     Config
	log     *slog.Logger
	resolve Resolver

	mu     sync.Mutex
	client *client.Client
}

// NewConnector returns a Connector for cfg. No connection is made until
// the first call that needs one.
func NewConnector(cfg Config, opts ...Option) *Connector {
	o := buildOptions(opts)
	return &Connector{cfg: cfg, log: o.log, resolve: o.resolve}
}

// Client returns a connected client, dialing if there is none or the last
// one lost its connection.
func (c *Connector) Client(ctx context.Context) (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		select {
		case <-c.client.Done():
			c.log.Info("nrepl connection lost, reconnecting")
			_ = c.client.Close()
			c.client = nil
		default:
			return c.client, nil
		}
	}

	cfg := c.cfg
	if cfg.Addr == "" {
		if c.resolve == nil {
			return nil, protocol.ConnectionError(errors.New("no nREPL address configured"))
		}
		addr, err := c.resolve(ctx)
		if err != nil {
			return nil, protocol.ConnectionError(errors.Wrap(err, "resolve nREPL address"))
		}
		cfg.Addr = addr
	}

	cl, err := Dial(ctx, cfg, WithLogger(c.log))
	if err != nil {
		return nil, err
	}
	c.client = cl
	return cl, nil
}

// Eval evaluates code with the configured default timeout.
func (c *Connector) Eval(ctx context.Context, code string) (*client.EvalResult, error) {
	cl, err := c.Client(ctx)
	if err != nil {
		return nil, err
	}
	return cl.Eval(ctx, code, 0)
}

// EvalEphemeral evaluates code outside the session with the configured
// default timeout.
func (c *Connector) EvalEphemeral(ctx context.Context, code string) (*client.EvalResult, error) {
	cl, err := c.Client(ctx)
	if err != nil {
		return nil, err
	}
	return cl.EvalEphemeral(ctx, code, 0)
}

// LoadFile loads the source file at path.
func (c *Connector) LoadFile(ctx context.Context, path string) (*client.EvalResult, error) {
	cl, err := c.Client(ctx)
	if err != nil {
		return nil, err
	}
	return cl.LoadFile(ctx, path, 0)
}

// Namespace returns the session's current namespace.
func (c *Connector) Namespace(ctx context.Context) (string, error) {
	cl, err := c.Client(ctx)
	if err != nil {
		return "", err
	}
	return cl.Namespace(ctx)
}

// Close closes the current connection, if any. A later call reconnects.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

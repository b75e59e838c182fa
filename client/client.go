// Package client provides the synchronous nREPL evaluation client.
//
// A Client evaluates code in one session over one transport and blocks until
// the server reports the evaluation done. A remote exception is not a Go
// error: it is reported in EvalResult.Error together with the output
// produced before it.
package client

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/zylisp/nrepl/correlator"
	"github.com/zylisp/nrepl/operations"
	"github.com/zylisp/nrepl/protocol"
	"github.com/zylisp/nrepl/session"
)

// DefaultTimeout applies to evaluations called with a timeout <= 0.
const DefaultTimeout = 30 * time.Second

// closeTimeout bounds the session close performed by Close.
const closeTimeout = 2 * time.Second

// Conn is the transport a Client sends on.
type Conn interface {
	correlator.Sender

	// Done is closed once the connection is gone.
	Done() <-chan struct{}

	Close() error
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the default evaluation timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithStateHook registers fn to observe every evaluation state transition.
// fn runs on the evaluating goroutine.
func WithStateHook(fn func(id string, s State)) Option {
	return func(c *Client) {
		c.hook = fn
	}
}

// Client evaluates code against one nREPL connection. It is safe for
// concurrent use; evaluations sharing the session are not queued, so callers
// that need ordering must serialize them.
type Client struct {
	conn     Conn
	corr     *correlator.Correlator
	sessions *session.Manager
	timeout  time.Duration
	log      *slog.Logger
	hook     func(id string, s State)
}

// New creates a client over conn. corr must be the dispatcher conn delivers
// responses to, and sessions the manager for conn.
func New(conn Conn, corr *correlator.Correlator, sessions *session.Manager, opts ...Option) *Client {
	c := &Client{
		conn:     conn,
		corr:     corr,
		sessions: sessions,
		timeout:  DefaultTimeout,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the id of the open session, or "" before first use.
func (c *Client) Session() string { return c.sessions.ID() }

// Done is closed once the underlying connection is gone.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// Eval evaluates code in the client's session and waits for the result.
// A timeout <= 0 uses the client default.
//
// Errors match protocol.ErrTimeout, ErrProtocol, ErrConnection, ErrSession
// or ErrClosed. After a timeout the connection stays usable.
func (c *Client) Eval(ctx context.Context, code string, timeout time.Duration, opts ...operations.EvalOption) (*EvalResult, error) {
	sid, err := c.sessions.Open(ctx)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, operations.Eval(sid, code, opts...), timeout)
}

// EvalEphemeral evaluates code without the client's session. The server
// runs it in a throwaway session, so definitions and namespace changes do
// not persist. Errors match the same categories as Eval.
func (c *Client) EvalEphemeral(ctx context.Context, code string, timeout time.Duration) (*EvalResult, error) {
	return c.run(ctx, operations.Eval("", code), timeout)
}

// LoadFile loads the source file at path into the session.
func (c *Client) LoadFile(ctx context.Context, path string, timeout time.Duration) (*EvalResult, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read source file")
	}
	sid, err := c.sessions.Open(ctx)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, operations.LoadFile(sid, string(contents), path), timeout)
}

// Namespace returns the session's current namespace.
func (c *Client) Namespace(ctx context.Context) (string, error) {
	res, err := c.Eval(ctx, "*ns*", 0)
	if err != nil {
		return "", err
	}
	if res.Error != nil {
		return "", errors.Errorf("reading namespace: %s", res.Error)
	}
	if res.Namespace != "" {
		return res.Namespace, nil
	}
	return res.Value, nil
}

// Interrupt asks the server to stop the evaluation started by request id.
// It returns the status flags of the reply, e.g. "session-idle" when
// nothing was running.
func (c *Client) Interrupt(ctx context.Context, id string) ([]string, error) {
	sid, err := c.sessions.Open(ctx)
	if err != nil {
		return nil, err
	}
	h, err := c.corr.Submit(ctx, c.conn, operations.Interrupt(sid, id))
	if err != nil {
		return nil, err
	}
	reply, err := h.Await(ctx, c.timeout, nil)
	if err != nil {
		return nil, err
	}
	return reply.Status, nil
}

// Description is the server's answer to describe.
type Description struct {
	Ops      []string
	Versions map[string]string
}

// Supports reports whether the server advertises op.
func (d *Description) Supports(op string) bool {
	for _, o := range d.Ops {
		if o == op {
			return true
		}
	}
	return false
}

// Describe asks the server which operations it supports.
func (c *Client) Describe(ctx context.Context) (*Description, error) {
	h, err := c.corr.Submit(ctx, c.conn, operations.Describe())
	if err != nil {
		return nil, err
	}
	reply, err := h.Await(ctx, c.timeout, nil)
	if err != nil {
		return nil, err
	}

	d := &Description{Versions: make(map[string]string)}
	for _, msg := range reply.Messages {
		for op := range msg.Map(protocol.KeyOps) {
			d.Ops = append(d.Ops, op)
		}
		for name, v := range msg.Map(protocol.KeyVersions) {
			if s := protocol.Message(asMap(v)).Str("version-string"); s != "" {
				d.Versions[name] = s
			}
		}
	}
	sort.Strings(d.Ops)
	return d, nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// Close ends the session, if this client opened one, and closes the
// connection.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := c.sessions.Close(ctx); err != nil {
		c.log.Debug("nrepl session close failed", slog.String("err", err.Error()))
	}
	return c.conn.Close()
}

// run drives one evaluation through its state machine.
func (c *Client) run(ctx context.Context, req protocol.Message, timeout time.Duration) (*EvalResult, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	ev := &evaluation{hook: c.hook}
	h, err := c.corr.Submit(ctx, c.conn, req)
	if err != nil {
		return nil, err
	}
	ev.id = h.ID()
	ev.to(Sent)

	reply, err := h.Await(ctx, timeout, func() { ev.to(Accumulating) })
	if err != nil {
		if errors.Is(err, protocol.ErrTimeout) {
			ev.to(TimedOut)
			c.log.Warn("nrepl eval timed out", slog.String("id", ev.id), slog.Duration("timeout", timeout))
		}
		return nil, err
	}

	res := assemble(reply)
	ev.to(res.State)
	c.log.Debug("nrepl eval finished",
		slog.String("id", ev.id),
		slog.String("state", res.State.String()),
		slog.Int("values", len(res.Values)))
	return res, nil
}

// assemble builds the caller's result from the accumulated fragments.
func assemble(reply *correlator.Reply) *EvalResult {
	res := &EvalResult{
		ID:        reply.ID,
		Out:       reply.Out,
		Err:       reply.Err,
		Values:    reply.Values,
		Namespace: reply.Namespace,
		Status:    reply.Status,
		State:     Completed,
	}
	if n := len(reply.Values); n > 0 {
		res.Value = reply.Values[n-1]
		res.HasValue = true
	}

	if reply.Exception != "" || reply.RootException != "" || reply.HasStatus(protocol.StatusEvalError) ||
		reply.HasStatus(protocol.StatusError) {
		res.Error = &EvalError{
			Class:     reply.Exception,
			RootClass: reply.RootException,
			Message:   strings.TrimSpace(reply.Err),
			Status:    reply.Status,
		}
		res.State = Errored
	}
	return res
}

// Package tcp implements the nREPL byte-stream transport over TCP.
package tcp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/zylisp/nrepl/protocol"
)

const (
	// DefaultDialTimeout applies when no dial timeout option is given.
	DefaultDialTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds a single frame write. A write that stalls
	// this long means the server stopped reading.
	DefaultWriteTimeout = 10 * time.Second
)

// Dispatcher receives everything the read loop decodes.
type Dispatcher interface {
	// Dispatch is called for every decoded message, in wire order, from the
	// read loop goroutine.
	Dispatch(msg protocol.Message)

	// Fail is called once when the connection faults or is closed.
	Fail(err error)
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.dialTimeout = d
	}
}

// WithWriteTimeout bounds each frame write. Zero disables the bound.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) {
		t.writeTimeout = d
	}
}

// WithCodec selects the wire format. Only bencode is supported by nREPL
// servers over TCP.
func WithCodec(format string) Option {
	return func(t *Transport) {
		t.format = format
	}
}

// Transport owns one connection to an nREPL server.
// Sends are serialized; a single goroutine reads and dispatches responses.
type Transport struct {
	conn         net.Conn
	codec        protocol.Codec
	dispatcher   Dispatcher
	log          *slog.Logger
	dialTimeout  time.Duration
	writeTimeout time.Duration
	format       string

	writeMu sync.Mutex
	closing atomic.Bool
	done    chan struct{}

	errMu sync.Mutex
	err   error
}

func newTransport(d Dispatcher, opts []Option) *Transport {
	t := &Transport{
		dispatcher:   d,
		log:          slog.Default(),
		dialTimeout:  DefaultDialTimeout,
		writeTimeout: DefaultWriteTimeout,
		format:       protocol.FormatBencode,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial connects to the server at addr (host:port) and starts the read loop.
// Failures match protocol.ErrConnection.
func Dial(ctx context.Context, addr string, d Dispatcher, opts ...Option) (*Transport, error) {
	t := newTransport(d, opts)

	dialCtx := ctx
	if t.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.dialTimeout)
		defer cancel()
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, protocol.ConnectionError(errors.Wrapf(err, "dial %s", addr))
	}
	if err := t.start(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	t.log.Debug("nrepl connected", slog.String("addr", addr))
	return t, nil
}

// New wraps an established connection and starts the read loop.
func New(conn net.Conn, d Dispatcher, opts ...Option) (*Transport, error) {
	t := newTransport(d, opts)
	if err := t.start(conn); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) start(conn net.Conn) error {
	codec, err := protocol.NewCodec(t.format, conn)
	if err != nil {
		return protocol.ConnectionError(errors.Wrap(err, "create codec"))
	}
	t.conn = conn
	t.codec = codec
	go t.readLoop()
	return nil
}

// Addr returns the remote address.
func (t *Transport) Addr() string {
	return t.conn.RemoteAddr().String()
}

// Send writes one message. Concurrent sends never interleave on the wire.
// A ctx that ends before the write starts fails only this send, matching
// protocol.ErrTimeout on deadline. Once bytes may be on the wire a failed
// write leaves the stream in an unknown state, so it closes the transport.
func (t *Transport) Send(ctx context.Context, msg protocol.Message) error {
	if err := t.Err(); err != nil {
		return err
	}
	if err := sendCanceled(ctx); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := sendCanceled(ctx); err != nil {
		return err
	}
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if err := t.codec.Encode(msg); err != nil {
		if t.closing.Load() {
			return protocol.ClosedError(errors.New("transport closed"))
		}
		fault := protocol.ClosedError(errors.Wrap(err, "write"))
		t.fail(fault)
		return fault
	}
	return nil
}

// sendCanceled reports why ctx ended, or nil while it is live.
func sendCanceled(ctx context.Context) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.TimeoutError(errors.Wrap(err, "send"))
	default:
		return errors.Wrap(err, "send")
	}
}

// Done is closed when the read loop has exited.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns the fault that closed the transport, or nil while it is open.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// Close closes the connection and waits for the read loop to exit. Pending
// requests fail with an error matching protocol.ErrClosed. Close must not be
// called from the dispatcher.
func (t *Transport) Close() error {
	t.closing.Store(true)
	t.fail(protocol.ClosedError(errors.New("transport closed")))
	<-t.done
	return nil
}

func (t *Transport) readLoop() {
	defer close(t.done)

	for {
		var msg protocol.Message
		if err := t.codec.Decode(&msg); err != nil {
			t.fail(t.readFault(err))
			return
		}
		t.log.Debug("nrepl recv",
			slog.String("id", msg.ID()),
			slog.Any("keys", msg.Keys()),
			slog.Any("status", msg.Status()))
		t.dispatcher.Dispatch(msg)
	}
}

// readFault maps a read loop error onto the error taxonomy.
func (t *Transport) readFault(err error) error {
	if t.closing.Load() {
		return protocol.ClosedError(errors.New("transport closed"))
	}
	// A write fault already closed the connection and was reported there.
	if prior := t.Err(); prior != nil {
		return prior
	}
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		t.log.Error("nrepl protocol fault", slog.String("err", err.Error()))
		return perr
	}
	if err == io.EOF {
		return protocol.ClosedError(errors.New("server closed the connection"))
	}
	t.log.Error("nrepl read failed", slog.String("err", err.Error()))
	return protocol.ClosedError(errors.Wrap(err, "read"))
}

// fail records the first fault, closes the connection and fails every
// pending request through the dispatcher.
func (t *Transport) fail(err error) {
	t.errMu.Lock()
	if t.err != nil {
		t.errMu.Unlock()
		return
	}
	t.err = err
	t.errMu.Unlock()

	_ = t.codec.Close()
	t.dispatcher.Fail(err)
}

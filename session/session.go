// Package session manages the nREPL session that scopes evaluations on one
// connection.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zylisp/nrepl/correlator"
	"github.com/zylisp/nrepl/operations"
	"github.com/zylisp/nrepl/protocol"
)

// DefaultTimeout bounds the clone handshake.
const DefaultTimeout = 10 * time.Second

// Submitter sends a request and returns a handle to await its reply.
// *correlator.Correlator implements it.
type Submitter interface {
	Submit(ctx context.Context, s correlator.Sender, msg protocol.Message) (*correlator.Handle, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds the clone and close handshakes.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithSession reuses an existing server session instead of cloning one.
func WithSession(id string) Option {
	return func(m *Manager) {
		m.id = id
		m.external = id != ""
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// Manager owns the single session used on one transport.
type Manager struct {
	submitter Submitter
	sender    correlator.Sender
	timeout   time.Duration
	log       *slog.Logger

	mu       sync.Mutex
	id       string
	external bool
	opening  *handshake
}

// handshake is a clone in flight. id and err are set before done closes.
type handshake struct {
	done chan struct{}
	id   string
	err  error
}

// NewManager creates a manager that performs its handshakes through
// submitter over sender.
func NewManager(submitter Submitter, sender correlator.Sender, opts ...Option) *Manager {
	m := &Manager{
		submitter: submitter,
		sender:    sender,
		timeout:   DefaultTimeout,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ID returns the current session id, or "" before Open.
func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// Open returns the session id, cloning a new session on first use.
// Concurrent callers share one handshake, bounded by the manager timeout
// rather than any caller's ctx. A caller whose ctx ends stops waiting
// without cancelling the handshake for the others. Failures match
// protocol.ErrSession and keep their cause.
func (m *Manager) Open(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.id != "" {
		id := m.id
		m.mu.Unlock()
		return id, nil
	}
	hs := m.opening
	if hs == nil {
		hs = &handshake{done: make(chan struct{})}
		m.opening = hs
		go m.clone(hs)
	}
	m.mu.Unlock()

	select {
	case <-hs.done:
		return hs.id, hs.err
	case <-ctx.Done():
		err := errors.Wrap(ctx.Err(), "await clone")
		if errors.Is(err, context.DeadlineExceeded) {
			err = protocol.TimeoutError(err)
		}
		return "", protocol.SessionError(err)
	}
}

// clone runs one handshake and publishes its outcome.
func (m *Manager) clone(hs *handshake) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	hs.id, hs.err = m.handshake(ctx)

	m.mu.Lock()
	if hs.err == nil {
		m.id = hs.id
	}
	m.opening = nil
	m.mu.Unlock()
	close(hs.done)

	if hs.err == nil {
		m.log.Debug("nrepl session opened", slog.String("session", hs.id))
	}
}

func (m *Manager) handshake(ctx context.Context) (string, error) {
	h, err := m.submitter.Submit(ctx, m.sender, operations.Clone(""))
	if err != nil {
		return "", protocol.SessionError(errors.Wrap(err, "send clone"))
	}
	reply, err := h.Await(ctx, m.timeout, nil)
	if err != nil {
		return "", protocol.SessionError(errors.Wrap(err, "await clone"))
	}
	if reply.HasStatus(protocol.StatusError) || reply.HasStatus(protocol.StatusUnknownOp) {
		return "", protocol.SessionError(errors.Errorf("clone failed with status %s", strings.Join(reply.Status, ",")))
	}
	if reply.NewSession == "" {
		return "", protocol.SessionError(errors.New("server returned no session id"))
	}
	return reply.NewSession, nil
}

// Close ends the session on the server. Sessions supplied with WithSession
// belong to someone else and are left open.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.id == "" || m.external {
		m.id = ""
		m.external = false
		return nil
	}
	id := m.id
	m.id = ""

	h, err := m.submitter.Submit(ctx, m.sender, operations.Close(id))
	if err != nil {
		return protocol.SessionError(errors.Wrapf(err, "close session %s", id))
	}
	if _, err := h.Await(ctx, m.timeout, nil); err != nil {
		return protocol.SessionError(errors.Wrapf(err, "close session %s", id))
	}
	m.log.Debug("nrepl session closed", slog.String("session", id))
	return nil
}

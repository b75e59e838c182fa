// Package correlator matches nREPL response fragments to the requests that
// produced them.
//
// Every submitted request gets a fresh id and a pending entry. The transport's
// read loop hands each decoded message to Dispatch, which folds the fragment
// into the entry with the same id and wakes the waiting caller once the
// terminal "done" status arrives.
package correlator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zylisp/nrepl/operations"
	"github.com/zylisp/nrepl/protocol"
)

// DefaultInterruptTimeout bounds the best-effort interrupt sent when a caller
// gives up on a request.
const DefaultInterruptTimeout = 2 * time.Second

// Sender writes one message to the server.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Reply is the accumulated response to one request.
type Reply struct {
	ID string

	// Out and Err hold the concatenated stdout and stderr text.
	Out string
	Err string

	// Values holds every printed value in arrival order.
	Values []string

	// Namespace is the last namespace reported by the server.
	Namespace string

	// Exception and RootException carry the class names of an exception
	// raised during evaluation.
	Exception     string
	RootException string

	// NewSession is set by clone responses.
	NewSession string

	// Status is the union of all status flags seen, in arrival order.
	Status []string

	// Messages holds every fragment as received.
	Messages []protocol.Message
}

// HasStatus reports whether any fragment carried flag.
func (r *Reply) HasStatus(flag string) bool {
	for _, s := range r.Status {
		if s == flag {
			return true
		}
	}
	return false
}

type pending struct {
	id      string
	session string

	reply   Reply
	out     strings.Builder
	errOut  strings.Builder
	started chan struct{}
	done    chan struct{}
	err     error
}

func newPending(id, session string) *pending {
	return &pending{
		id:      id,
		session: session,
		reply:   Reply{ID: id},
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// merge folds one fragment into the accumulator. Callers hold the
// correlator lock.
func (p *pending) merge(msg protocol.Message) {
	if len(p.reply.Messages) == 0 {
		close(p.started)
	}
	p.reply.Messages = append(p.reply.Messages, msg)

	if s := msg.Str(protocol.KeyOut); s != "" {
		p.out.WriteString(s)
	}
	if s := msg.Str(protocol.KeyErr); s != "" {
		p.errOut.WriteString(s)
	}
	if msg.Has(protocol.KeyValue) {
		p.reply.Values = append(p.reply.Values, msg.Str(protocol.KeyValue))
	}
	if s := msg.Str(protocol.KeyNS); s != "" {
		p.reply.Namespace = s
	}
	if s := msg.Str(protocol.KeyEx); s != "" {
		p.reply.Exception = s
	}
	if s := msg.Str(protocol.KeyRootEx); s != "" {
		p.reply.RootException = s
	}
	if s := msg.Str(protocol.KeyNewSession); s != "" {
		p.reply.NewSession = s
	}
	for _, s := range msg.Status() {
		if !p.reply.HasStatus(s) {
			p.reply.Status = append(p.reply.Status, s)
		}
	}
}

// snapshot copies the accumulated reply. Callers hold the correlator lock.
func (p *pending) snapshot() *Reply {
	r := p.reply
	r.Out = p.out.String()
	r.Err = p.errOut.String()
	r.Values = append([]string(nil), p.reply.Values...)
	r.Status = append([]string(nil), p.reply.Status...)
	r.Messages = append([]protocol.Message(nil), p.reply.Messages...)
	return &r
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Correlator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithIDFunc replaces the request id generator. Ids must be non-empty.
func WithIDFunc(fn func() string) Option {
	return func(c *Correlator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithInterruptTimeout bounds the interrupt sent after a timeout.
func WithInterruptTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		c.interruptTimeout = d
	}
}

// Correlator tracks in-flight requests by id.
type Correlator struct {
	log              *slog.Logger
	newID            func() string
	interruptTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pending
	err     error
}

// New creates an empty correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		log:              slog.Default(),
		newID:            uuid.NewString,
		interruptTimeout: DefaultInterruptTimeout,
		pending:          make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit assigns a fresh id to msg, records it as pending and sends it.
// The caller's msg is not modified.
func (c *Correlator) Submit(ctx context.Context, s Sender, msg protocol.Message) (*Handle, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	id := c.newID()
	for _, taken := c.pending[id]; taken; _, taken = c.pending[id] {
		id = c.newID()
	}
	p := newPending(id, msg.Session())
	c.pending[id] = p
	c.mu.Unlock()

	req := msg.Clone()
	req[protocol.KeyID] = id
	c.log.Debug("nrepl send", slog.String("id", id), slog.String("op", req.Op()))

	if err := s.Send(ctx, req); err != nil {
		c.remove(id)
		return nil, err
	}
	return &Handle{c: c, p: p, sender: s}, nil
}

// Dispatch routes one response fragment to its pending request. Fragments
// for unknown ids are dropped; they are late replies to requests that were
// already completed or abandoned.
func (c *Correlator) Dispatch(msg protocol.Message) {
	id := msg.ID()

	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		c.log.Debug("dropping fragment for unknown request",
			slog.String("id", id), slog.Any("status", msg.Status()))
		return
	}
	p.merge(msg)
	if msg.Done() {
		delete(c.pending, id)
		close(p.done)
	}
}

// Fail completes every pending request with err and makes later submissions
// fail with the same error. Only the first call has an effect.
func (c *Correlator) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return
	}
	c.err = err
	if len(c.pending) > 0 {
		c.log.Debug("failing pending requests", slog.Int("count", len(c.pending)), slog.String("err", err.Error()))
	}
	for id, p := range c.pending {
		p.err = err
		delete(c.pending, id)
		close(p.done)
	}
}

// Err returns the error passed to Fail, if any.
func (c *Correlator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// remove drops id from the table and reports whether it was still pending.
func (c *Correlator) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// Handle refers to one submitted request.
type Handle struct {
	c      *Correlator
	p      *pending
	sender Sender
}

// ID returns the id assigned to the request.
func (h *Handle) ID() string { return h.p.id }

// Started is closed once the first fragment has arrived.
func (h *Handle) Started() <-chan struct{} { return h.p.started }

// Done is closed once the request has completed or failed.
func (h *Handle) Done() <-chan struct{} { return h.p.done }

// Await blocks until the request completes, the timeout elapses or ctx is
// done. A timeout <= 0 waits on ctx alone. If onStart is non-nil it is
// called once, from the awaiting goroutine, when the first fragment arrives.
//
// When the caller gives up, the request is removed and an interrupt is sent
// for it in the background; the returned error then matches
// protocol.ErrTimeout on deadline or wraps ctx.Err() on cancellation.
func (h *Handle) Await(ctx context.Context, timeout time.Duration, onStart func()) (*Reply, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	started := h.p.started
	if onStart == nil {
		started = nil
	}

	for {
		select {
		case <-started:
			started = nil
			onStart()
		case <-h.p.done:
			if started != nil {
				select {
				case <-started:
					onStart()
				default:
				}
			}
			return h.result()
		case <-expired:
			if reply, completed, err := h.abandon(); completed {
				return reply, err
			}
			return nil, protocol.TimeoutError(errors.Errorf("request %s: no terminal status after %s", h.p.id, timeout))
		case <-ctx.Done():
			if reply, completed, err := h.abandon(); completed {
				return reply, err
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, protocol.TimeoutError(errors.Wrapf(ctx.Err(), "request %s", h.p.id))
			}
			return nil, errors.Wrapf(ctx.Err(), "request %s", h.p.id)
		}
	}
}

func (h *Handle) result() (*Reply, error) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.p.err != nil {
		return nil, h.p.err
	}
	return h.p.snapshot(), nil
}

// abandon removes the request and fires an interrupt for it. If the request
// completed in the meantime its result is returned instead.
func (h *Handle) abandon() (*Reply, bool, error) {
	if !h.c.remove(h.p.id) {
		// Completion and failure both close done before removing the entry.
		reply, err := h.result()
		return reply, true, err
	}
	h.interrupt()
	return nil, false, nil
}

// interrupt sends a best-effort interrupt for the request. Interrupts need
// a session, so session-less requests are left to run.
func (h *Handle) interrupt() {
	if h.p.session == "" {
		return
	}
	id := h.c.newID()
	msg := operations.Interrupt(h.p.session, h.p.id)
	msg[protocol.KeyID] = id

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.c.interruptTimeout)
		defer cancel()
		if err := h.sender.Send(ctx, msg); err != nil {
			h.c.log.Warn("interrupt failed", slog.String("id", h.p.id), slog.String("err", err.Error()))
			return
		}
		h.c.log.Debug("interrupt sent", slog.String("id", h.p.id), slog.String("interrupt", id))
	}()
}

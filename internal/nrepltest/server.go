// Package nrepltest provides a scripted nREPL server for tests.
//
// The server speaks real bencode over TCP (or an in-memory pipe) and
// implements clone, close, describe, eval, load-file and interrupt. What an
// evaluation produces is decided by an EvalFunc, so tests can script output,
// values, exceptions and evaluations that never finish.
package nrepltest

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zylisp/nrepl/operations"
	"github.com/zylisp/nrepl/protocol"
)

// EvalFunc evaluates code, reporting fragments through emit. It should
// return promptly once ctx is done; ctx is cancelled when the evaluation is
// interrupted or the server stops. The server adds id, session and the
// terminal "done" status itself.
type EvalFunc func(ctx context.Context, code string, emit func(protocol.Message))

// CloneFunc overrides the response to a clone request. The returned
// fragments are sent as is, after id is filled in.
type CloneFunc func(req protocol.Message) []protocol.Message

// Option configures a Server.
type Option func(*Server)

// WithClone overrides clone handling.
func WithClone(fn CloneFunc) Option {
	return func(s *Server) {
		s.clone = fn
	}
}

// Server is a minimal nREPL server.
type Server struct {
	eval  EvalFunc
	clone CloneFunc

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu         sync.Mutex
	conns      map[net.Conn]bool
	sessions   map[string]bool
	running    map[string]context.CancelFunc // request id -> cancel
	requests   []protocol.Message
	interrupts []string
}

// NewServer creates a server that evaluates with eval. A nil eval uses
// Canned.
func NewServer(eval EvalFunc, opts ...Option) *Server {
	if eval == nil {
		eval = Canned
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		eval:     eval,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]bool),
		sessions: make(map[string]bool),
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens on a random loopback port and accepts connections in the
// background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the host:port the server listens on.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Pipe serves one in-memory connection and returns the client end.
func (s *Server) Pipe() net.Conn {
	client, server := net.Pipe()
	s.track(server)
	s.wg.Add(1)
	go s.handleConnection(server)
	return client
}

// Stop closes the listener and every connection and cancels running
// evaluations.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes every open connection without stopping the server.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Requests returns every request received so far.
func (s *Server) Requests() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.requests...)
}

// RequestsFor returns the received requests with the given op.
func (s *Server) RequestsFor(op string) []protocol.Message {
	var out []protocol.Message
	for _, r := range s.Requests() {
		if r.Op() == op {
			out = append(out, r)
		}
	}
	return out
}

// Interrupts returns the ids named by interrupt requests that stopped a
// running evaluation.
func (s *Server) Interrupts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.interrupts...)
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}
		s.track(conn)
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// conn serializes writes to one client.
type conn struct {
	mu    sync.Mutex
	codec protocol.Codec
}

func (c *conn) send(msg protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.codec.Encode(msg)
}

func (s *Server) handleConnection(nc net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = nc.Close()
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
	}()

	c := &conn{codec: protocol.NewBencodeCodec(nc)}
	var evals sync.WaitGroup
	defer evals.Wait()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	for {
		var req protocol.Message
		if err := c.codec.Decode(&req); err != nil {
			return
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		s.handle(ctx, c, req, &evals)
	}
}

func (s *Server) handle(connCtx context.Context, c *conn, req protocol.Message, evals *sync.WaitGroup) {
	reply := func(m protocol.Message) {
		m[protocol.KeyID] = req.ID()
		if sid := req.Session(); sid != "" && !m.Has(protocol.KeySession) {
			m[protocol.KeySession] = sid
		}
		c.send(m)
	}

	switch req.Op() {
	case operations.OpClone:
		if s.clone != nil {
			for _, m := range s.clone(req) {
				m[protocol.KeyID] = req.ID()
				c.send(m)
			}
			return
		}
		id := uuid.NewString()
		s.mu.Lock()
		s.sessions[id] = true
		s.mu.Unlock()
		reply(protocol.Message{protocol.KeyNewSession: id, protocol.KeyStatus: []any{protocol.StatusDone}})

	case operations.OpClose:
		s.mu.Lock()
		delete(s.sessions, req.Session())
		s.mu.Unlock()
		reply(protocol.Message{protocol.KeyStatus: []any{protocol.StatusDone, protocol.StatusSessionClosed}})

	case operations.OpDescribe:
		ops := make(map[string]any, len(operations.Supported))
		for _, op := range operations.Supported {
			ops[op] = map[string]any{}
		}
		reply(protocol.Message{
			protocol.KeyOps: ops,
			protocol.KeyVersions: map[string]any{
				"nrepl": map[string]any{"major": int64(1), "minor": int64(3), "version-string": "1.3.0"},
			},
			protocol.KeyStatus: []any{protocol.StatusDone},
		})

	case operations.OpEval, operations.OpLoadFile:
		if !s.knownSession(req.Session()) {
			reply(protocol.Message{protocol.KeyStatus: []any{protocol.StatusError, protocol.StatusUnknownSession, protocol.StatusDone}})
			return
		}
		code := req.Str(protocol.KeyCode)
		if req.Op() == operations.OpLoadFile {
			code = req.Str(protocol.KeyFile)
		}
		ctx, cancel := context.WithCancel(connCtx)
		s.mu.Lock()
		s.running[req.ID()] = cancel
		s.mu.Unlock()

		evals.Add(1)
		go func() {
			defer evals.Done()
			defer cancel()
			s.eval(ctx, code, func(m protocol.Message) { reply(m.Clone()) })

			s.mu.Lock()
			delete(s.running, req.ID())
			s.mu.Unlock()
			if ctx.Err() != nil && connCtx.Err() == nil {
				reply(protocol.Message{protocol.KeyStatus: []any{protocol.StatusInterrupted}})
			}
			reply(protocol.Message{protocol.KeyStatus: []any{protocol.StatusDone}})
		}()

	case operations.OpInterrupt:
		target := req.Str(protocol.KeyInterruptID)
		s.mu.Lock()
		cancel, ok := s.running[target]
		if ok {
			s.interrupts = append(s.interrupts, target)
		}
		s.mu.Unlock()
		if !ok {
			reply(protocol.Message{protocol.KeyStatus: []any{protocol.StatusSessionIdle, protocol.StatusDone}})
			return
		}
		cancel()
		reply(protocol.Message{protocol.KeyStatus: []any{protocol.StatusDone}})

	default:
		reply(protocol.Message{protocol.KeyStatus: []any{protocol.StatusError, protocol.StatusUnknownOp, protocol.StatusDone}})
	}
}

// knownSession accepts evaluations without a session, as nREPL does by
// creating an ephemeral one.
func (s *Server) knownSession(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// AddSession registers an externally created session id.
func (s *Server) AddSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = true
}

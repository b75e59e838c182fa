package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error categories. Every error returned by this module that originates on
// the client side matches exactly one of them under errors.Is.
var (
	// ErrConnection: the byte stream could not be established or maintained.
	ErrConnection = errors.New("nrepl: connection error")
	// ErrProtocol: malformed wire data.
	ErrProtocol = errors.New("nrepl: protocol error")
	// ErrSession: the session handshake failed.
	ErrSession = errors.New("nrepl: session error")
	// ErrTimeout: no terminal status arrived before the deadline.
	ErrTimeout = errors.New("nrepl: timeout")
	// ErrClosed: the connection closed while a request was pending.
	ErrClosed = errors.New("nrepl: connection closed")
)

// ProtocolError reports wire data that could not be decoded.
// Truncated distinguishes a stream that ended inside a structure from one
// that is structurally invalid.
type ProtocolError struct {
	Truncated bool
	Err       error
}

func (e *ProtocolError) Error() string {
	what := "malformed message"
	if e.Truncated {
		what = "truncated message"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrProtocol, what)
	}
	return fmt.Sprintf("%s: %s: %v", ErrProtocol, what, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// kindError attaches one of the error categories to a cause.
type kindError struct {
	kind  error
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.Error()
	}
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() error { return e.cause }

func (e *kindError) Is(target error) bool { return target == e.kind }

func newKindError(kind, cause error) error {
	return &kindError{kind: kind, cause: cause}
}

// ConnectionError categorizes cause as ErrConnection.
func ConnectionError(cause error) error { return newKindError(ErrConnection, cause) }

// SessionError categorizes cause as ErrSession.
func SessionError(cause error) error { return newKindError(ErrSession, cause) }

// TimeoutError categorizes cause as ErrTimeout.
func TimeoutError(cause error) error { return newKindError(ErrTimeout, cause) }

// ClosedError categorizes cause as ErrClosed.
func ClosedError(cause error) error { return newKindError(ErrClosed, cause) }

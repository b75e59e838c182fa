package client

import (
	"fmt"
	"strings"
)

// State is the lifecycle position of one evaluation.
type State int

const (
	Idle State = iota
	Sent
	Accumulating
	Completed
	TimedOut
	Errored
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sent:
		return "sent"
	case Accumulating:
		return "accumulating"
	case Completed:
		return "completed"
	case TimedOut:
		return "timed-out"
	case Errored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EvalResult is the outcome of one evaluation.
type EvalResult struct {
	// ID is the request id the server saw.
	ID string

	// Out is everything printed to stdout during evaluation.
	Out string

	// Err is everything printed to stderr, including exception reports.
	Err string

	// Values are the printed values of each top-level form, in order.
	Values []string

	// Value is the last printed value; HasValue is false when there is none.
	Value    string
	HasValue bool

	// Namespace is the namespace the session ended up in.
	Namespace string

	// Status is every status flag the server reported.
	Status []string

	// Error is set when the evaluated code raised.
	Error *EvalError

	// State is Completed or Errored.
	State State
}

// EvalError describes an exception raised by the evaluated code.
type EvalError struct {
	// Class and RootClass are the exception and root cause classes, as
	// reported by the server (e.g. "class java.lang.ArithmeticException").
	Class     string
	RootClass string

	// Message is the server's error report, taken from stderr.
	Message string

	Status []string
}

func (e *EvalError) String() string {
	class := e.RootClass
	if class == "" {
		class = e.Class
	}
	switch {
	case class != "" && e.Message != "":
		return class + ": " + e.Message
	case class != "":
		return class
	case e.Message != "":
		return e.Message
	default:
		return "evaluation failed with status " + strings.Join(e.Status, ",")
	}
}

// evaluation tracks the state of one request for the state hook.
type evaluation struct {
	id    string
	state State
	hook  func(id string, s State)
}

func (e *evaluation) to(s State) {
	if e.state == s {
		return
	}
	e.state = s
	if e.hook != nil {
		e.hook(e.id, s)
	}
}

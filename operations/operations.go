// Package operations builds the nREPL requests this client sends.
//
// Requests are returned without an id; the correlator assigns one when the
// request is submitted.
package operations

import (
	"path/filepath"

	"github.com/zylisp/nrepl/protocol"
)

// Operation names.
const (
	OpClone     = "clone"
	OpClose     = "close"
	OpDescribe  = "describe"
	OpEval      = "eval"
	OpInterrupt = "interrupt"
	OpLoadFile  = "load-file"
)

// Supported lists every operation this client knows how to issue.
var Supported = []string{OpClone, OpClose, OpDescribe, OpEval, OpInterrupt, OpLoadFile}

// Clone requests a new session. A non-empty parent session is copied,
// otherwise the server starts from a fresh one.
func Clone(parent string) protocol.Message {
	msg := protocol.Message{protocol.KeyOp: OpClone}
	if parent != "" {
		msg[protocol.KeySession] = parent
	}
	return msg
}

// Close ends a session.
func Close(session string) protocol.Message {
	return protocol.Message{
		protocol.KeyOp:      OpClose,
		protocol.KeySession: session,
	}
}

// Describe asks the server for its supported operations and versions.
func Describe() protocol.Message {
	return protocol.Message{protocol.KeyOp: OpDescribe}
}

// EvalOption adjusts an eval or load-file request.
type EvalOption func(protocol.Message)

// InNamespace evaluates the code in ns instead of the session's current one.
func InNamespace(ns string) EvalOption {
	return func(m protocol.Message) {
		if ns != "" {
			m[protocol.KeyNS] = ns
		}
	}
}

// AtLocation attaches source location metadata used in stack traces.
func AtLocation(file string, line, column int) EvalOption {
	return func(m protocol.Message) {
		if file != "" {
			m[protocol.KeyFile] = file
		}
		if line > 0 {
			m[protocol.KeyLine] = int64(line)
		}
		if column > 0 {
			m[protocol.KeyColumn] = int64(column)
		}
	}
}

// Eval evaluates code in session.
func Eval(session, code string, opts ...EvalOption) protocol.Message {
	msg := protocol.Message{
		protocol.KeyOp:   OpEval,
		protocol.KeyCode: code,
	}
	if session != "" {
		msg[protocol.KeySession] = session
	}
	for _, opt := range opts {
		opt(msg)
	}
	return msg
}

// LoadFile loads the contents of a source file. path is reported to the
// server so that errors point at the right file.
func LoadFile(session, contents, path string) protocol.Message {
	msg := protocol.Message{
		protocol.KeyOp:   OpLoadFile,
		protocol.KeyFile: contents,
	}
	if session != "" {
		msg[protocol.KeySession] = session
	}
	if path != "" {
		msg[protocol.KeyFilePath] = path
		msg[protocol.KeyFileName] = filepath.Base(path)
	}
	return msg
}

// Interrupt asks the server to stop the evaluation started by request id in
// session.
func Interrupt(session, id string) protocol.Message {
	return protocol.Message{
		protocol.KeyOp:          OpInterrupt,
		protocol.KeySession:     session,
		protocol.KeyInterruptID: id,
	}
}

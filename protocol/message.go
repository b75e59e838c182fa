package protocol

import "sort"

// Message represents a protocol message exchanged between client and server.
// nREPL messages are bencode dictionaries, so a Message is a map from string
// keys to wire values: string, int64, []any or a nested map[string]any.
type Message map[string]any

// Well-known message keys.
const (
	KeyOp          = "op"
	KeyID          = "id"
	KeySession     = "session"
	KeyNewSession  = "new-session"
	KeyCode        = "code"
	KeyNS          = "ns"
	KeyStatus      = "status"
	KeyValue       = "value"
	KeyOut         = "out"
	KeyErr         = "err"
	KeyEx          = "ex"
	KeyRootEx      = "root-ex"
	KeyInterruptID = "interrupt-id"
	KeyFile        = "file"
	KeyFilePath    = "file-path"
	KeyFileName    = "file-name"
	KeyLine        = "line"
	KeyColumn      = "column"
	KeyOps         = "ops"
	KeyVersions    = "versions"
)

// Status flags reported by the server.
const (
	// StatusDone is the terminal marker: no further fragments follow.
	StatusDone                = "done"
	StatusError               = "error"
	StatusEvalError           = "eval-error"
	StatusInterrupted         = "interrupted"
	StatusUnknownOp           = "unknown-op"
	StatusUnknownSession      = "unknown-session"
	StatusSessionIdle         = "session-idle"
	StatusSessionClosed       = "session-closed"
	StatusInterruptIDMismatch = "interrupt-id-mismatch"
	StatusNeedInput           = "need-input"
)

// Op returns the operation name of a request.
func (m Message) Op() string { return m.Str(KeyOp) }

// ID returns the correlation id.
func (m Message) ID() string { return m.Str(KeyID) }

// Session returns the session id the message is scoped to.
func (m Message) Session() string { return m.Str(KeySession) }

// Str returns the string stored under key, or "" if it is absent or not a string.
func (m Message) Str(key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// Has reports whether key is present.
func (m Message) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Int returns the integer stored under key.
func (m Message) Int(key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	default:
		return 0, false
	}
}

// Strings returns the string elements of the list stored under key.
// Non-string elements are skipped.
func (m Message) Strings(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Map returns the nested dictionary stored under key.
func (m Message) Map(key string) Message {
	switch v := m[key].(type) {
	case map[string]any:
		return Message(v)
	case Message:
		return v
	default:
		return nil
	}
}

// Keys returns the message keys in sorted order.
func (m Message) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Status returns the status flags of a response.
func (m Message) Status() []string { return m.Strings(KeyStatus) }

// HasStatus reports whether the status list contains flag.
func (m Message) HasStatus(flag string) bool {
	for _, s := range m.Status() {
		if s == flag {
			return true
		}
	}
	return false
}

// Done reports whether the message carries the terminal status.
func (m Message) Done() bool { return m.HasStatus(StatusDone) }

// Clone returns a shallow copy of the message.
func (m Message) Clone() Message {
	out := make(Message, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

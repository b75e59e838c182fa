package operations

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zylisp/nrepl/protocol"
)

func TestBuilders(t *testing.T) {
	tests := []struct {
		name string
		got  protocol.Message
		want protocol.Message
	}{
		{
			name: "clone fresh",
			got:  Clone(""),
			want: protocol.Message{"op": "clone"},
		},
		{
			name: "clone from parent",
			got:  Clone("s1"),
			want: protocol.Message{"op": "clone", "session": "s1"},
		},
		{
			name: "close",
			got:  Close("s1"),
			want: protocol.Message{"op": "close", "session": "s1"},
		},
		{
			name: "describe",
			got:  Describe(),
			want: protocol.Message{"op": "describe"},
		},
		{
			name: "eval",
			got:  Eval("s1", "(+ 1 2)"),
			want: protocol.Message{"op": "eval", "session": "s1", "code": "(+ 1 2)"},
		},
		{
			name: "eval without session",
			got:  Eval("", "1"),
			want: protocol.Message{"op": "eval", "code": "1"},
		},
		{
			name: "eval with namespace and location",
			got:  Eval("s1", "x", InNamespace("app.core"), AtLocation("src/app/core.clj", 10, 3)),
			want: protocol.Message{
				"op": "eval", "session": "s1", "code": "x", "ns": "app.core",
				"file": "src/app/core.clj", "line": int64(10), "column": int64(3),
			},
		},
		{
			name: "eval ignores empty options",
			got:  Eval("s1", "x", InNamespace(""), AtLocation("", 0, 0)),
			want: protocol.Message{"op": "eval", "session": "s1", "code": "x"},
		},
		{
			name: "load-file",
			got:  LoadFile("s1", "(ns a)", "/src/a.clj"),
			want: protocol.Message{
				"op": "load-file", "session": "s1", "file": "(ns a)",
				"file-path": "/src/a.clj", "file-name": "a.clj",
			},
		},
		{
			name: "interrupt",
			got:  Interrupt("s1", "42"),
			want: protocol.Message{"op": "interrupt", "session": "s1", "interrupt-id": "42"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

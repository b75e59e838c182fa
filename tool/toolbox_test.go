package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zylisp/nrepl/client"
	"github.com/zylisp/nrepl/protocol"
)

// stubEvaluator records the code it is asked to evaluate.
type stubEvaluator struct {
	codes     []string
	ephemeral []string
	loaded []string
	res    *client.EvalResult
	ns     string
	err    error
}

func (s *stubEvaluator) Eval(_ context.Context, code string) (*client.EvalResult, error) {
	s.codes = append(s.codes, code)
	if s.err != nil {
		return nil, s.err
	}
	if s.res != nil {
		return s.res, nil
	}
	return &client.EvalResult{Values: []string{"nil"}, Value: "nil", HasValue: true}, nil
}

func (s *stubEvaluator) EvalEphemeral(_ context.Context, code string) (*client.EvalResult, error) {
	s.ephemeral = append(s.ephemeral, code)
	if s.err != nil {
		return nil, s.err
	}
	if s.res != nil {
		return s.res, nil
	}
	return &client.EvalResult{Values: []string{"nil"}, Value: "nil", HasValue: true}, nil
}

func (s *stubEvaluator) LoadFile(_ context.Context, path string) (*client.EvalResult, error) {
	s.loaded = append(s.loaded, path)
	if s.err != nil {
		return nil, s.err
	}
	return &client.EvalResult{Values: []string{"#'user/f"}}, nil
}

func (s *stubEvaluator) Namespace(context.Context) (string, error) {
	return s.ns, s.err
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name string
		res  *client.EvalResult
		want string
	}{
		{
			name: "nothing",
			res:  &client.EvalResult{},
			want: NoOutput,
		},
		{
			name: "value",
			res:  &client.EvalResult{Values: []string{"3"}},
			want: "Result: 3",
		},
		{
			name: "several values",
			res:  &client.EvalResult{Values: []string{"nil", "2", "6"}},
			want: "Result: nil 2 6",
		},
		{
			name: "output and value",
			res:  &client.EvalResult{Out: "hi\n", Values: []string{"nil"}},
			want: "Output:\nhi\n\nResult: nil",
		},
		{
			name: "stderr",
			res: &client.EvalResult{
				Err:   "Divide by zero\n",
				Error: &client.EvalError{Class: "class java.lang.ArithmeticException", Message: "Divide by zero"},
			},
			want: "Errors:\nDivide by zero\n",
		},
		{
			name: "exception without stderr",
			res: &client.EvalResult{
				Out:   "partial",
				Error: &client.EvalError{Class: "class clojure.lang.ExceptionInfo"},
			},
			want: "Output:\npartial\nErrors:\nclass clojure.lang.ExceptionInfo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Format(tt.res))
		})
	}
}

func TestToolCode(t *testing.T) {
	tests := []struct {
		name string
		call func(*Toolbox, context.Context) string
		code string
	}{
		{
			name: "eval",
			call: func(tb *Toolbox, ctx context.Context) string { return tb.EvalClojure(ctx, "(+ 1 2)") },
			code: "(+ 1 2)",
		},
		{
			name: "require",
			call: func(tb *Toolbox, ctx context.Context) string { return tb.RequireNamespace(ctx, "clojure.set") },
			code: "(require 'clojure.set)",
		},
		{
			name: "dir",
			call: func(tb *Toolbox, ctx context.Context) string { return tb.DirNamespace(ctx, "clojure.string") },
			code: "(dir clojure.string)",
		},
		{
			name: "apropos escapes quotes",
			call: func(tb *Toolbox, ctx context.Context) string { return tb.Apropos(ctx, `say "hi"`) },
			code: `(apropos "say \"hi\"")`,
		},
		{
			name: "source",
			call: func(tb *Toolbox, ctx context.Context) string { return tb.Source(ctx, "filter") },
			code: "(source filter)",
		},
		{
			name: "find-doc escapes backslashes",
			call: func(tb *Toolbox, ctx context.Context) string { return tb.FindDoc(ctx, `\d+`) },
			code: `(find-doc "\\d+")`,
		},
		{
			name: "doc",
			call: func(tb *Toolbox, ctx context.Context) string { return tb.Doc(ctx, "map") },
			code: "(doc map)",
		},
		{
			name: "list namespaces",
			call: func(tb *Toolbox, ctx context.Context) string { return tb.ListNamespaces(ctx) },
			code: "(sort (map str (all-ns)))",
		},
		{
			name: "inspect var",
			call: func(tb *Toolbox, ctx context.Context) string { return tb.InspectVar(ctx, "clojure.core/map") },
			code: "(meta (var clojure.core/map))",
		},
		{
			name: "classpath",
			call: func(tb *Toolbox, ctx context.Context) string { return tb.ShowClasspath(ctx) },
			code: `(System/getProperty "java.class.path")`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubEvaluator{}
			out := tt.call(New(stub), context.Background())
			assert.Equal(t, "Result: nil", out)
			assert.Equal(t, []string{tt.code}, stub.codes)
		})
	}
}

func TestEvalClojureError(t *testing.T) {
	stub := &stubEvaluator{err: protocol.TimeoutError(errors.New("no terminal status after 30s"))}
	out := New(stub).EvalClojure(context.Background(), "(loop [] (recur))")
	assert.Equal(t, "Error evaluating Clojure code: nrepl: timeout: no terminal status after 30s", out)
}

func TestEvalClojureSimple(t *testing.T) {
	tests := []struct {
		name string
		stub *stubEvaluator
		want string
	}{
		{
			name: "last value",
			stub: &stubEvaluator{res: &client.EvalResult{Out: "hi\n", Values: []string{"1", "2"}, Value: "2", HasValue: true}},
			want: "2",
		},
		{
			name: "no value",
			stub: &stubEvaluator{res: &client.EvalResult{Err: "Divide by zero\n", Error: &client.EvalError{Message: "Divide by zero"}}},
			want: NoResult,
		},
		{
			name: "client error",
			stub: &stubEvaluator{err: protocol.ConnectionError(errors.New("dial 127.0.0.1:1: refused"))},
			want: "Error: nrepl: connection error: dial 127.0.0.1:1: refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.stub).EvalClojureSimple(context.Background(), "(f)"))
			assert.Equal(t, []string{"(f)"}, tt.stub.ephemeral)
			assert.Empty(t, tt.stub.codes)
		})
	}
}

func TestGetNamespace(t *testing.T) {
	tb := New(&stubEvaluator{ns: "my.app"})
	assert.Equal(t, "Current namespace: my.app", tb.GetNamespace(context.Background()))

	tb = New(&stubEvaluator{err: errors.New("refused")})
	assert.Equal(t, "Error getting namespace: refused", tb.GetNamespace(context.Background()))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.clj")
	require.NoError(t, os.WriteFile(path, []byte("(defn f [])"), 0o644))

	stub := &stubEvaluator{}
	tb := New(stub)
	assert.Equal(t, "Result: #'user/f", tb.LoadFile(context.Background(), path))
	assert.Equal(t, []string{path}, stub.loaded)

	missing := filepath.Join(t.TempDir(), "missing.clj")
	assert.Equal(t, "File not found: "+missing, tb.LoadFile(context.Background(), missing))

	stub.err = errors.New("closed")
	assert.Equal(t, "Error loading file "+path+": closed", tb.LoadFile(context.Background(), path))
}

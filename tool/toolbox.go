// Package tool exposes nREPL evaluation as text-in, text-out tools for
// LLM tool-calling runtimes.
//
// Every tool returns a string. Client faults are rendered as an error
// message instead of failing the call, and remote exceptions are shown as
// ordinary output.
package tool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zylisp/nrepl/client"
)

// NoOutput is returned for evaluations that printed and returned nothing.
const NoOutput = "Evaluation completed with no output"

// Evaluator runs code against a REPL. *nrepl.Connector implements it.
type Evaluator interface {
	Eval(ctx context.Context, code string) (*client.EvalResult, error)
	EvalEphemeral(ctx context.Context, code string) (*client.EvalResult, error)
	LoadFile(ctx context.Context, path string) (*client.EvalResult, error)
	Namespace(ctx context.Context) (string, error)
}

// Option configures a Toolbox.
type Option func(*Toolbox)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Toolbox) {
		if l != nil {
			t.log = l
		}
	}
}

// Toolbox implements the REPL tools on top of an Evaluator.
type Toolbox struct {
	eval Evaluator
	log  *slog.Logger
}

// New creates a Toolbox.
func New(e Evaluator, opts ...Option) *Toolbox {
	t := &Toolbox{eval: e, log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Format renders an evaluation result as the text a tool returns: an
// "Output:" section, a "Result:" line with every value, and an "Errors:"
// section, each present only when non-empty.
func Format(res *client.EvalResult) string {
	var parts []string
	if res.Out != "" {
		parts = append(parts, "Output:\n"+res.Out)
	}
	if len(res.Values) > 0 {
		parts = append(parts, "Result: "+strings.Join(res.Values, " "))
	}
	switch {
	case res.Err != "":
		parts = append(parts, "Errors:\n"+res.Err)
	case res.Error != nil:
		parts = append(parts, "Errors:\n"+res.Error.String())
	}
	if len(parts) == 0 {
		return NoOutput
	}
	return strings.Join(parts, "\n")
}

// EvalClojure evaluates code in the REPL session.
func (t *Toolbox) EvalClojure(ctx context.Context, code string) string {
	res, err := t.eval.Eval(ctx, code)
	if err != nil {
		t.log.Warn("eval failed", slog.String("err", err.Error()))
		return fmt.Sprintf("Error evaluating Clojure code: %v", err)
	}
	return Format(res)
}

// NoResult is returned by EvalClojureSimple when the code produced no value.
const NoResult = "No result"

// EvalClojureSimple evaluates code outside the REPL session and returns only
// its last value.
func (t *Toolbox) EvalClojureSimple(ctx context.Context, code string) string {
	res, err := t.eval.EvalEphemeral(ctx, code)
	if err != nil {
		t.log.Warn("eval failed", slog.String("err", err.Error()))
		return fmt.Sprintf("Error: %v", err)
	}
	if !res.HasValue {
		return NoResult
	}
	return res.Value
}

// GetNamespace reports the session's current namespace.
func (t *Toolbox) GetNamespace(ctx context.Context) string {
	ns, err := t.eval.Namespace(ctx)
	if err != nil {
		return fmt.Sprintf("Error getting namespace: %v", err)
	}
	return "Current namespace: " + ns
}

// LoadFile loads a Clojure source file into the REPL.
func (t *Toolbox) LoadFile(ctx context.Context, path string) string {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "File not found: " + path
		}
		return fmt.Sprintf("Error loading file %s: %v", path, err)
	}
	res, err := t.eval.LoadFile(ctx, path)
	if err != nil {
		return fmt.Sprintf("Error loading file %s: %v", path, err)
	}
	return Format(res)
}

// RequireNamespace loads namespace ns into the REPL.
func (t *Toolbox) RequireNamespace(ctx context.Context, ns string) string {
	return t.EvalClojure(ctx, fmt.Sprintf("(require '%s)", ns))
}

// DirNamespace lists the public vars of namespace ns.
func (t *Toolbox) DirNamespace(ctx context.Context, ns string) string {
	return t.EvalClojure(ctx, fmt.Sprintf("(dir %s)", ns))
}

// Apropos finds public definitions whose names match pattern.
func (t *Toolbox) Apropos(ctx context.Context, pattern string) string {
	return t.EvalClojure(ctx, fmt.Sprintf("(apropos %s)", quote(pattern)))
}

// Source shows the source code of symbol.
func (t *Toolbox) Source(ctx context.Context, symbol string) string {
	return t.EvalClojure(ctx, fmt.Sprintf("(source %s)", symbol))
}

// FindDoc finds documentation matching pattern.
func (t *Toolbox) FindDoc(ctx context.Context, pattern string) string {
	return t.EvalClojure(ctx, fmt.Sprintf("(find-doc %s)", quote(pattern)))
}

// Doc shows the documentation of symbol.
func (t *Toolbox) Doc(ctx context.Context, symbol string) string {
	return t.EvalClojure(ctx, fmt.Sprintf("(doc %s)", symbol))
}

// ListNamespaces lists every loaded namespace, sorted.
func (t *Toolbox) ListNamespaces(ctx context.Context) string {
	return t.EvalClojure(ctx, "(sort (map str (all-ns)))")
}

// InspectVar shows the metadata of the var called name.
func (t *Toolbox) InspectVar(ctx context.Context, name string) string {
	return t.EvalClojure(ctx, fmt.Sprintf("(meta (var %s))", name))
}

// ShowClasspath shows the JVM classpath of the REPL process.
func (t *Toolbox) ShowClasspath(ctx context.Context) string {
	return t.EvalClojure(ctx, `(System/getProperty "java.class.path")`)
}

var stringEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// quote renders s as a Clojure string literal.
func quote(s string) string {
	return `"` + stringEscaper.Replace(s) + `"`
}

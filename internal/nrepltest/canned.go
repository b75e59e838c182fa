package nrepltest

import (
	"context"
	"strings"

	"github.com/zylisp/nrepl/protocol"
)

// Forms understood by Canned.
const (
	CodeAdd         = "(+ 1 2)"
	CodePrintln     = `(println "hi")`
	CodeDivideZero  = "(/ 1 0)"
	CodeNamespace   = "*ns*"
	CodeInfinite    = "(loop [] (recur))"
	CodeTwoForms    = `(print "a") (+ 1 1) (* 2 3)`
	CodeMissingForm = "(undefined-fn)"
)

// Canned answers a handful of fixed forms the way a Clojure nREPL server
// would. Anything else is echoed back as its own value.
func Canned(ctx context.Context, code string, emit func(protocol.Message)) {
	value := func(v string) {
		emit(protocol.Message{protocol.KeyValue: v, protocol.KeyNS: "user"})
	}

	switch strings.TrimSpace(code) {
	case CodeAdd:
		value("3")
	case CodePrintln:
		emit(protocol.Message{protocol.KeyOut: "hi\n"})
		value("nil")
	case CodeDivideZero:
		emit(protocol.Message{protocol.KeyErr: "Execution error (ArithmeticException) at user/eval1 (REPL:1).\nDivide by zero\n"})
		emit(protocol.Message{
			protocol.KeyEx:     "class java.lang.ArithmeticException",
			protocol.KeyRootEx: "class java.lang.ArithmeticException",
			protocol.KeyStatus: []any{protocol.StatusEvalError},
		})
	case CodeMissingForm:
		emit(protocol.Message{protocol.KeyErr: "Syntax error compiling at (REPL:1:1).\nUnable to resolve symbol: undefined-fn in this context\n"})
		emit(protocol.Message{
			protocol.KeyEx:     "class clojure.lang.Compiler$CompilerException",
			protocol.KeyRootEx: "class java.lang.RuntimeException",
			protocol.KeyStatus: []any{protocol.StatusEvalError},
		})
	case CodeNamespace:
		value("#namespace[user]")
	case CodeTwoForms:
		emit(protocol.Message{protocol.KeyOut: "a"})
		value("nil")
		value("2")
		value("6")
	case CodeInfinite:
		<-ctx.Done()
	default:
		value(code)
	}
}

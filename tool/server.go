package tool

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ServerName is the implementation name reported to MCP clients.
const ServerName = "nrepl-tool"

type codeArgs struct {
	Code string `json:"code" jsonschema:"the Clojure code to evaluate"`
}

type namespaceArgs struct {
	Namespace string `json:"namespace" jsonschema:"the namespace, e.g. clojure.string"`
}

type symbolArgs struct {
	Symbol string `json:"symbol" jsonschema:"the symbol, e.g. map or clojure.string/join"`
}

type patternArgs struct {
	Pattern string `json:"pattern" jsonschema:"a string or regular expression to search for"`
}

type varArgs struct {
	Var string `json:"var_name" jsonschema:"the var to inspect, optionally namespace qualified"`
}

type fileArgs struct {
	Path string `json:"file_path" jsonschema:"path to the Clojure source file"`
}

// NewServer returns an MCP server exposing every Toolbox tool.
func NewServer(tb *Toolbox, version string) *mcp.Server {
	s := mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: version}, nil)

	addText(s, "eval_clojure", "Evaluate Clojure code in the nREPL session and return its output, result values and errors.",
		func(ctx context.Context, in codeArgs) string { return tb.EvalClojure(ctx, in.Code) })
	addText(s, "eval_clojure_simple", "Evaluate Clojure code outside the REPL session and return only its last value.",
		func(ctx context.Context, in codeArgs) string { return tb.EvalClojureSimple(ctx, in.Code) })
	addText(s, "get_namespace", "Get the current namespace of the REPL session.",
		func(ctx context.Context, _ any) string { return tb.GetNamespace(ctx) })
	addText(s, "require_namespace", "Require a namespace in the REPL.",
		func(ctx context.Context, in namespaceArgs) string { return tb.RequireNamespace(ctx, in.Namespace) })
	addText(s, "dir_namespace", "List the public vars of a namespace, sorted.",
		func(ctx context.Context, in namespaceArgs) string { return tb.DirNamespace(ctx, in.Namespace) })
	addText(s, "apropos", "Find public definitions matching a pattern across all loaded namespaces.",
		func(ctx context.Context, in patternArgs) string { return tb.Apropos(ctx, in.Pattern) })
	addText(s, "source", "Show the source code of a symbol.",
		func(ctx context.Context, in symbolArgs) string { return tb.Source(ctx, in.Symbol) })
	addText(s, "find_doc", "Find documentation for symbols matching a pattern.",
		func(ctx context.Context, in patternArgs) string { return tb.FindDoc(ctx, in.Pattern) })
	addText(s, "doc", "Show the documentation of a symbol.",
		func(ctx context.Context, in symbolArgs) string { return tb.Doc(ctx, in.Symbol) })
	addText(s, "list_namespaces", "List all loaded namespaces.",
		func(ctx context.Context, _ any) string { return tb.ListNamespaces(ctx) })
	addText(s, "inspect_var", "Show the metadata of a var.",
		func(ctx context.Context, in varArgs) string { return tb.InspectVar(ctx, in.Var) })
	addText(s, "show_classpath", "Show the JVM classpath of the REPL.",
		func(ctx context.Context, _ any) string { return tb.ShowClasspath(ctx) })
	addText(s, "load_file", "Load a Clojure source file into the REPL.",
		func(ctx context.Context, in fileArgs) string { return tb.LoadFile(ctx, in.Path) })

	return s
}

// addText registers a tool whose whole result is one text block.
func addText[In any](s *mcp.Server, name, description string, fn func(context.Context, In) string) {
	mcp.AddTool(s, &mcp.Tool{Name: name, Description: description},
		func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: fn(ctx, in)}},
			}, nil, nil
		})
}

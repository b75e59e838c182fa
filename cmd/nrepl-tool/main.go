// Command nrepl-tool exposes a running Clojure nREPL server as MCP tools over
// stdio, or evaluates a single expression with -e.
//
// The server address comes from -addr or NREPL_ADDR. When neither is set it
// is read from .nrepl-port (or .shadow-cljs/nrepl.port for -type cljs) in
// -dir or the nearest parent directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pkg/errors"

	"github.com/zylisp/nrepl"
	"github.com/zylisp/nrepl/portfile"
	"github.com/zylisp/nrepl/tool"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "nrepl-tool:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := nrepl.ConfigFromEnv()
	if err != nil {
		return err
	}

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "nREPL address: nrepl://host:port, host:port or a port (default: read the port file)")
	flag.StringVar(&cfg.ReplType, "type", cfg.ReplType, "REPL type for port file discovery: clj or cljs")
	flag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "evaluation timeout")
	flag.DurationVar(&cfg.PortWait, "wait", cfg.PortWait, "wait up to this long for the port file to appear")
	dir := flag.String("dir", ".", "directory to start the port file search from")
	expr := flag.String("e", "", "evaluate this code, print the result and exit")
	verbose := flag.Bool("v", false, "log debug output to stderr")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		return err
	}
	kind, err := portfile.ParseKind(cfg.ReplType)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	// stdout carries MCP traffic.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	resolve := func(ctx context.Context) (string, error) {
		if cfg.PortWait <= 0 {
			return portfile.Discover(*dir, kind)
		}
		logger.Info("waiting for port file", slog.String("file", kind.File()), slog.Duration("wait", cfg.PortWait))
		ctx, cancel := context.WithTimeout(ctx, cfg.PortWait)
		defer cancel()
		return portfile.Wait(ctx, *dir, kind)
	}
	conn := nrepl.NewConnector(cfg, nrepl.WithLogger(logger), nrepl.WithResolver(resolve))
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tb := tool.New(conn, tool.WithLogger(logger))
	if *expr != "" {
		fmt.Println(tb.EvalClojure(ctx, *expr))
		return nil
	}

	logger.Info("serving MCP on stdio", slog.String("version", version))
	if err := tool.NewServer(tb, version).Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "serve MCP")
	}
	return nil
}

package nrepl

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zylisp/nrepl/internal/nrepltest"
	"github.com/zylisp/nrepl/operations"
	"github.com/zylisp/nrepl/protocol"
)

var envVars = []string{
	"NREPL_ADDR",
	"NREPL_REPL_TYPE",
	"NREPL_TIMEOUT",
	"NREPL_DIAL_TIMEOUT",
	"NREPL_HANDSHAKE_TIMEOUT",
	"NREPL_SESSION",
	"NREPL_PORT_WAIT",
}

func clearEnv(t *testing.T) {
	for _, name := range envVars {
		t.Setenv(name, "")
	}
}

func startServer(t *testing.T, opts ...nrepltest.Option) *nrepltest.Server {
	t.Helper()
	server := nrepltest.NewServer(nil, opts...)
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)
	return server
}

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "nrepl://localhost:7888", want: "localhost:7888"},
		{in: "nrepl://127.0.0.1:7888", want: "127.0.0.1:7888"},
		{in: "tcp://example.com:1667", want: "example.com:1667"},
		{in: "nrepl://:7888", want: "localhost:7888"},
		{in: "localhost:7888", want: "localhost:7888"},
		{in: ":7888", want: "localhost:7888"},
		{in: "[::1]:7888", want: "[::1]:7888"},
		{in: "7888", want: "localhost:7888"},
		{in: " 7888\n", want: "localhost:7888"},
		{in: "", wantErr: true},
		{in: "http://localhost:7888", wantErr: true},
		{in: "nrepl://localhost", wantErr: true},
		{in: "localhost", wantErr: true},
		{in: "0", wantErr: true},
		{in: "65536", wantErr: true},
		{in: "localhost:port", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddr(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfigFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("NREPL_ADDR", "nrepl://localhost:7888")
	t.Setenv("NREPL_REPL_TYPE", "cljs")
	t.Setenv("NREPL_TIMEOUT", "2m")
	t.Setenv("NREPL_DIAL_TIMEOUT", "1s")
	t.Setenv("NREPL_HANDSHAKE_TIMEOUT", "3s")
	t.Setenv("NREPL_SESSION", "abc")
	t.Setenv("NREPL_PORT_WAIT", "20s")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Config{
		Addr:             "nrepl://localhost:7888",
		ReplType:         ReplClojureScript,
		Timeout:          2 * time.Minute,
		DialTimeout:      time.Second,
		HandshakeTimeout: 3 * time.Second,
		Session:          "abc",
		PortWait:         20 * time.Second,
	}, cfg)
}

func TestConfigFromEnvInvalid(t *testing.T) {
	tests := []struct {
		env, value, want string
	}{
		{env: "NREPL_REPL_TYPE", value: "scheme", want: "repl type"},
		{env: "NREPL_ADDR", value: "http://localhost:1"},
		{env: "NREPL_TIMEOUT", value: "soon", want: `invalid duration "soon"`},
		{env: "NREPL_DIAL_TIMEOUT", value: "5", want: "missing unit"},
		{env: "NREPL_PORT_WAIT", value: "later", want: "decode environment"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.env, tt.value)
			_, err := ConfigFromEnv()
			require.Error(t, err)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestDial(t *testing.T) {
	server := startServer(t)

	cfg := DefaultConfig()
	cfg.Addr = server.Addr()
	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	assert.NotEmpty(t, c.Session(), "Dial opens the session")
	res, err := c.Eval(context.Background(), nrepltest.CodeAdd, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "3", res.Value)
}

func TestDialExternalSession(t *testing.T) {
	server := startServer(t)
	server.AddSession("shared")

	cfg := DefaultConfig()
	cfg.Addr = server.Addr()
	cfg.Session = "shared"
	c, err := Dial(context.Background(), cfg)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Eval(context.Background(), nrepltest.CodeAdd, time.Second)
	require.NoError(t, err)
	assert.Empty(t, server.RequestsFor(operations.OpClone))
	assert.Equal(t, "shared", server.RequestsFor(operations.OpEval)[0].Session())
}

func TestDialErrors(t *testing.T) {
	refused := nrepltest.NewServer(nil)
	require.NoError(t, refused.Start())
	refusedAddr := refused.Addr()
	refused.Stop()

	noSession := startServer(t, nrepltest.WithClone(func(protocol.Message) []protocol.Message {
		return []protocol.Message{{"status": []any{"error", "done"}}}
	}))

	tests := []struct {
		name string
		addr string
		kind error
	}{
		{name: "bad address", addr: "http://nowhere:1", kind: protocol.ErrConnection},
		{name: "refused", addr: refusedAddr, kind: protocol.ErrConnection},
		{name: "clone fails", addr: noSession.Addr(), kind: protocol.ErrSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Addr = tt.addr
			cfg.HandshakeTimeout = time.Second
			_, err := Dial(context.Background(), cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestConnectorIsLazy(t *testing.T) {
	server := startServer(t)

	resolved := 0
	conn := NewConnector(DefaultConfig(), WithResolver(func(context.Context) (string, error) {
		resolved++
		return server.Addr(), nil
	}))
	defer conn.Close()

	assert.Empty(t, server.Requests())

	res, err := conn.Eval(context.Background(), nrepltest.CodeAdd)
	require.NoError(t, err)
	assert.Equal(t, "3", res.Value)

	ns, err := conn.Namespace(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user", ns)

	assert.Equal(t, 1, resolved)
	assert.Len(t, server.RequestsFor(operations.OpClone), 1)
}

func TestConnectorReconnects(t *testing.T) {
	server := startServer(t)

	cfg := DefaultConfig()
	cfg.Addr = server.Addr()
	conn := NewConnector(cfg)
	defer conn.Close()

	first, err := conn.Client(context.Background())
	require.NoError(t, err)

	server.DropConnections()
	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not notice the dropped connection")
	}

	res, err := conn.Eval(context.Background(), nrepltest.CodeAdd)
	require.NoError(t, err)
	assert.Equal(t, "3", res.Value)

	second, err := conn.Client(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Len(t, server.RequestsFor(operations.OpClone), 2)
}

func TestConnectorErrors(t *testing.T) {
	t.Run("no address", func(t *testing.T) {
		conn := NewConnector(DefaultConfig())
		_, err := conn.Eval(context.Background(), nrepltest.CodeAdd)
		assert.True(t, errors.Is(err, protocol.ErrConnection), "got %v", err)
	})

	t.Run("resolver fails", func(t *testing.T) {
		conn := NewConnector(DefaultConfig(), WithResolver(func(context.Context) (string, error) {
			return "", errors.New("no port file")
		}))
		_, err := conn.Eval(context.Background(), nrepltest.CodeAdd)
		assert.True(t, errors.Is(err, protocol.ErrConnection), "got %v", err)
		assert.Contains(t, err.Error(), "no port file")
	})
}

func TestConnectorClose(t *testing.T) {
	server := startServer(t)

	cfg := DefaultConfig()
	cfg.Addr = server.Addr()
	conn := NewConnector(cfg)

	require.NoError(t, conn.Close(), "closing an unused connector")

	_, err := conn.Eval(context.Background(), nrepltest.CodeAdd)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return server.Sessions() == 0 }, time.Second, 10*time.Millisecond)

	_, err = conn.Eval(context.Background(), nrepltest.CodeAdd)
	require.NoError(t, err, "a closed connector reconnects on demand")
	conn.Close()
}

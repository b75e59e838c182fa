package nrepl

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/pkg/errors"
)

// REPL types accepted in Config.ReplType.
const (
	ReplClojure       = "clj"
	ReplClojureScript = "cljs"
)

// Config for connecting to an nREPL server. Defaults can be loaded via
// envdecode.
type Config struct {
	// Addr of the server: "nrepl://host:port", "tcp://host:port",
	// "host:port" or a bare port. ENV: NREPL_ADDR
	Addr string `env:"NREPL_ADDR"`

	// ReplType selects the port file used for discovery, "clj" or "cljs".
	// ENV: NREPL_REPL_TYPE
	ReplType string `env:"NREPL_REPL_TYPE,default=clj"`

	// Timeout is the default per-evaluation timeout. ENV: NREPL_TIMEOUT
	Timeout time.Duration `env:"NREPL_TIMEOUT,default=30s"`

	// DialTimeout bounds connection setup. ENV: NREPL_DIAL_TIMEOUT
	DialTimeout time.Duration `env:"NREPL_DIAL_TIMEOUT,default=5s"`

	// HandshakeTimeout bounds the session clone. ENV: NREPL_HANDSHAKE_TIMEOUT
	HandshakeTimeout time.Duration `env:"NREPL_HANDSHAKE_TIMEOUT,default=10s"`

	// Session reuses an existing server session instead of cloning one.
	// ENV: NREPL_SESSION
	Session string `env:"NREPL_SESSION"`

	// PortWait is how long to wait for a port file to appear when Addr is
	// empty. Zero means do not wait. ENV: NREPL_PORT_WAIT
	PortWait time.Duration `env:"NREPL_PORT_WAIT,default=0s"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		ReplType:         ReplClojure,
		Timeout:          30 * time.Second,
		DialTimeout:      5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// ConfigFromEnv builds a Config from NREPL_* environment variables.
// A value that does not parse, such as NREPL_TIMEOUT=soon, is an error.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode environment")
	}
	return cfg, cfg.Validate()
}

// Validate checks field values. An empty Addr is valid; it is resolved at
// connect time.
func (c Config) Validate() error {
	switch c.ReplType {
	case ReplClojure, ReplClojureScript:
	default:
		return errors.Errorf("repl type must be %q or %q, got %q", ReplClojure, ReplClojureScript, c.ReplType)
	}
	if c.Timeout < 0 || c.DialTimeout < 0 || c.HandshakeTimeout < 0 || c.PortWait < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.Addr != "" {
		if _, err := ParseAddr(c.Addr); err != nil {
			return err
		}
	}
	return nil
}

// ParseAddr normalizes an nREPL address to host:port. A missing host means
// localhost.
func ParseAddr(addr string) (string, error) {
	s := strings.TrimSpace(addr)
	if s == "" {
		return "", errors.New("empty nREPL address")
	}

	var host, port string
	switch {
	case strings.Contains(s, "://"):
		u, err := url.Parse(s)
		if err != nil {
			return "", errors.Wrapf(err, "invalid nREPL address %q", addr)
		}
		if u.Scheme != "nrepl" && u.Scheme != "tcp" {
			return "", errors.Errorf("invalid nREPL address %q: unsupported scheme %q", addr, u.Scheme)
		}
		host, port = u.Hostname(), u.Port()
	case isDigits(s):
		port = s
	default:
		var err error
		host, port, err = net.SplitHostPort(s)
		if err != nil {
			return "", errors.Wrapf(err, "invalid nREPL address %q", addr)
		}
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", errors.Errorf("invalid nREPL address %q: bad port %q", addr, port)
	}
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

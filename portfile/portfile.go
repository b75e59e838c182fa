// Package portfile discovers the port of a running nREPL server from the
// port file its build tool writes into the project directory.
package portfile

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Kind selects which port file to look for.
type Kind string

const (
	Clojure       Kind = "clj"
	ClojureScript Kind = "cljs"
)

// ErrNotFound is returned when no port file exists in the search path.
var ErrNotFound = errors.New("port file not found")

// pollInterval rechecks parent directories, which are not watched.
const pollInterval = 500 * time.Millisecond

// ParseKind accepts "clj" and "cljs".
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Clojure, ClojureScript:
		return k, nil
	}
	return "", errors.Errorf("unknown REPL type %q, want %q or %q", s, Clojure, ClojureScript)
}

// File returns the port file path relative to a project directory.
func (k Kind) File() string {
	if k == ClojureScript {
		return filepath.Join(".shadow-cljs", "nrepl.port")
	}
	return ".nrepl-port"
}

func (k Kind) replName() string {
	if k == ClojureScript {
		return "ClojureScript"
	}
	return "Clojure"
}

// Find searches dir and its parents for the port file and returns its path.
func Find(dir string, kind Kind) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrap(err, "resolve start directory")
	}
	for {
		path := filepath.Join(dir, kind.File())
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", errors.Wrapf(ErrNotFound, "no %s file in the current directory or any parent; make sure your %s REPL is running",
		kind.File(), kind.replName())
}

// Read parses the port number stored in path.
func Read(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "read port file %s", path)
	}
	s := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(string(b)), "%"))
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, errors.Errorf("port file %s: invalid port %q", path, s)
	}
	return port, nil
}

// Discover returns "localhost:<port>" read from the nearest port file.
func Discover(dir string, kind Kind) (string, error) {
	path, err := Find(dir, kind)
	if err != nil {
		return "", err
	}
	port, err := Read(path)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort("localhost", strconv.Itoa(port)), nil
}

// Wait is Discover that blocks until a readable port file appears or ctx is
// done. Files created in dir are noticed immediately; files in parent
// directories are picked up by polling.
func Wait(ctx context.Context, dir string, kind Kind) (string, error) {
	addr, err := Discover(dir, kind)
	if err == nil {
		return addr, nil
	}

	w, werr := fsnotify.NewWatcher()
	if werr != nil {
		return "", errors.Wrap(werr, "create file watcher")
	}
	defer w.Close()

	if werr := w.Add(dir); werr != nil {
		return "", errors.Wrapf(werr, "watch %s", dir)
	}
	// .shadow-cljs may not exist yet; it is added once created.
	sub := filepath.Join(dir, filepath.Dir(kind.File()))
	if sub != filepath.Clean(dir) {
		_ = w.Add(sub)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", errors.Wrapf(ctx.Err(), "waiting for %s: %v", kind.File(), err)
		case ev, ok := <-w.Events:
			if !ok {
				return "", errors.Errorf("waiting for %s: watcher closed", kind.File())
			}
			if ev.Has(fsnotify.Create) && filepath.Clean(ev.Name) == sub {
				_ = w.Add(sub)
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return "", errors.Errorf("waiting for %s: watcher closed", kind.File())
			}
			err = werr
			continue
		case <-ticker.C:
		}

		if addr, err = Discover(dir, kind); err == nil {
			return addr, nil
		}
	}
}

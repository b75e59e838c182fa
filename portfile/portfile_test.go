package portfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePortFile(t *testing.T, dir string, kind Kind, content string) string {
	t.Helper()
	path := filepath.Join(dir, kind.File())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("clj")
	require.NoError(t, err)
	assert.Equal(t, Clojure, k)

	k, err = ParseKind("cljs")
	require.NoError(t, err)
	assert.Equal(t, ClojureScript, k)

	_, err = ParseKind("bb")
	assert.Error(t, err)
}

func TestKindFile(t *testing.T) {
	assert.Equal(t, ".nrepl-port", Clojure.File())
	assert.Equal(t, filepath.Join(".shadow-cljs", "nrepl.port"), ClojureScript.File())
}

func TestRead(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{name: "plain", content: "7888", want: 7888},
		{name: "trailing newline", content: "7888\n", want: 7888},
		{name: "shell prompt marker", content: "7888%", want: 7888},
		{name: "marker and spaces", content: "  7888% \n", want: 7888},
		{name: "empty", content: "", wantErr: true},
		{name: "not a number", content: "port", wantErr: true},
		{name: "zero", content: "0", wantErr: true},
		{name: "too large", content: "70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePortFile(t, t.TempDir(), Clojure, tt.content)
			got, err := Read(path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindSearchesParents(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "src", "app", "core")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	want := writePortFile(t, root, Clojure, "7888")

	got, err := Find(nested, Clojure)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// The nearest file wins.
	closer := writePortFile(t, filepath.Join(root, "src"), Clojure, "9999")
	got, err = Find(nested, Clojure)
	require.NoError(t, err)
	assert.Equal(t, closer, got)
}

func TestFindByKind(t *testing.T) {
	dir := t.TempDir()
	writePortFile(t, dir, ClojureScript, "9000")

	_, err := Find(dir, Clojure)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	assert.Contains(t, err.Error(), "Clojure REPL")

	addr, err := Discover(dir, ClojureScript)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", addr)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writePortFile(t, dir, Clojure, "7888%")

	addr, err := Discover(dir, Clojure)
	require.NoError(t, err)
	assert.Equal(t, "localhost:7888", addr)

	writePortFile(t, dir, Clojure, "garbage")
	_, err = Discover(dir, Clojure)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestWaitExistingFile(t *testing.T) {
	dir := t.TempDir()
	writePortFile(t, dir, Clojure, "7888")

	addr, err := Wait(context.Background(), dir, Clojure)
	require.NoError(t, err)
	assert.Equal(t, "localhost:7888", addr)
}

func TestWaitForFile(t *testing.T) {
	for _, kind := range []Kind{Clojure, ClojureScript} {
		t.Run(string(kind), func(t *testing.T) {
			dir := t.TempDir()
			go func() {
				time.Sleep(100 * time.Millisecond)
				path := filepath.Join(dir, kind.File())
				_ = os.MkdirAll(filepath.Dir(path), 0o755)
				_ = os.WriteFile(path, []byte("7888"), 0o644)
			}()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			addr, err := Wait(ctx, dir, kind)
			require.NoError(t, err)
			assert.Equal(t, "localhost:7888", addr)
		})
	}
}

func TestWaitTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Wait(ctx, t.TempDir(), Clojure)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

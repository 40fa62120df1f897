package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitFor = 5 * time.Second

// start runs a watcher over dir and returns the channel of batches.
func start(t *testing.T, dir string, cfg *Config) <-chan []string {
	t.Helper()
	batches := make(chan []string, 8)
	w, err := New(dir, cfg, func(ctx context.Context, changed []string) error {
		batches <- changed
		return nil
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("watcher did not stop")
		}
	})
	// Give Run time to register the tree.
	time.Sleep(50 * time.Millisecond)
	return batches
}

func next(t *testing.T, batches <-chan []string) []string {
	t.Helper()
	select {
	case b := <-batches:
		return b
	case <-time.After(waitFor):
		t.Fatal("no batch delivered")
		return nil
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWatcher_DebouncesBurst(t *testing.T) {
	dir := t.TempDir()
	batches := start(t, dir, &Config{Debounce: 50 * time.Millisecond})

	write(t, filepath.Join(dir, "a.js"), "1")
	write(t, filepath.Join(dir, "a.js"), "2")
	write(t, filepath.Join(dir, "b.js"), "3")

	assert.Equal(t, []string{"a.js", "b.js"}, next(t, batches))
}

func TestWatcher_NewDirectoriesAreWatched(t *testing.T) {
	dir := t.TempDir()
	batches := start(t, dir, &Config{Debounce: 50 * time.Millisecond})

	require.NoError(t, os.Mkdir(filepath.Join(dir, "src"), 0o755))
	time.Sleep(100 * time.Millisecond)
	write(t, filepath.Join(dir, "src", "orders.js"), "x")

	assert.Contains(t, next(t, batches), "src/orders.js")
}

func TestWatcher_SkipsIgnoredAndBackups(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "node_modules", "lib"), 0o755))
	batches := start(t, dir, &Config{Debounce: 50 * time.Millisecond, Extensions: []string{".js"}})

	write(t, filepath.Join(dir, "node_modules", "lib", "index.js"), "x")
	write(t, filepath.Join(dir, "a.js.backup-1700000000000"), "x")
	write(t, filepath.Join(dir, ".fixd-123"), "x")
	write(t, filepath.Join(dir, "notes.md"), "x")
	write(t, filepath.Join(dir, "c.js"), "x")

	assert.Equal(t, []string{"c.js"}, next(t, batches))
}

func TestWatcher_HandlerErrorKeepsWatching(t *testing.T) {
	dir := t.TempDir()
	calls := make(chan []string, 4)
	w, err := New(dir, &Config{Debounce: 30 * time.Millisecond}, func(ctx context.Context, changed []string) error {
		calls <- changed
		return errors.New("scan failed")
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	write(t, filepath.Join(dir, "a.js"), "1")
	assert.Equal(t, []string{"a.js"}, next(t, calls))

	write(t, filepath.Join(dir, "b.js"), "2")
	assert.Equal(t, []string{"b.js"}, next(t, calls))
}

func TestNew_Validation(t *testing.T) {
	noop := func(context.Context, []string) error { return nil }

	_, err := New(t.TempDir(), nil, nil, nil)
	assert.Error(t, err)

	_, err = New(filepath.Join(t.TempDir(), "missing"), nil, noop, nil)
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "f.js")
	write(t, file, "x")
	_, err = New(file, nil, noop, nil)
	assert.Error(t, err)

	w, err := New(t.TempDir(), nil, noop, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultDebounce, w.debounce)
	assert.True(t, filepath.IsAbs(w.Root()))
	require.NoError(t, w.watcher.Close())
}

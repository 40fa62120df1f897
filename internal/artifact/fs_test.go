package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T, files map[string]string, opts ...FSOption) (*FSStore, string) {
	t.Helper()
	root := t.TempDir()
	for p, c := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(c), 0o644))
	}
	s, err := NewFSStore(root, opts...)
	require.NoError(t, err)
	return s, root
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}

func TestFSStore_ReadWrite(t *testing.T) {
	ctx := context.Background()
	s, root := newTestFS(t, map[string]string{"src/a.ts": "one"})

	got, err := s.Read(ctx, "src/a.ts")
	require.NoError(t, err)
	assert.Equal(t, "one", got)

	require.NoError(t, s.Write(ctx, "src/a.ts", "two"))
	data, err := os.ReadFile(filepath.Join(root, "src", "a.ts"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	_, err = s.Read(ctx, "missing.ts")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStore_RejectsEscapes(t *testing.T) {
	s, _ := newTestFS(t, nil)
	_, err := s.Read(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrOutsideRoot)
}

func TestFSStore_List(t *testing.T) {
	s, root := newTestFS(t, map[string]string{
		"app/page.tsx":              "x",
		"app/api/webhook.ts":        "x",
		"lib/util.js":               "x",
		"README.md":                 "x",
		"node_modules/pkg/index.js": "x",
		"generated/types.ts":        "x",
		"lib/util.js.backup-1700":   "x",
	}, WithExtensions(".ts", ".tsx", ".js"))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("generated/\n"), 0o644))

	// reopen so the new ignore file is picked up
	s, err := NewFSStore(root, WithExtensions(".ts", ".tsx", ".js"))
	require.NoError(t, err)

	paths, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"app/api/webhook.ts", "app/page.tsx", "lib/util.js"}, paths)
}

func TestFSStore_ListMaxSize(t *testing.T) {
	s, _ := newTestFS(t, map[string]string{"big.js": "0123456789", "small.js": "0"}, WithMaxFileSize(5))
	paths, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"small.js"}, paths)
}

func TestFSStore_SnapshotNaming(t *testing.T) {
	ctx := context.Background()
	s, root := newTestFS(t, map[string]string{"a.js": "orig"}, WithClock(fixedClock(1700000000000)))

	first, err := s.Snapshot(ctx, "a.js")
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", first.ID)
	assert.Equal(t, "a.js.backup-1700000000000", first.BackupPath)
	assert.Equal(t, Hash("orig"), first.Hash)

	// same millisecond: suffix is bumped rather than overwritten
	second, err := s.Snapshot(ctx, "a.js")
	require.NoError(t, err)
	assert.Equal(t, "1700000000001", second.ID)

	data, err := os.ReadFile(filepath.Join(root, "a.js.backup-1700000000000"))
	require.NoError(t, err)
	assert.Equal(t, "orig", string(data))
}

func TestFSStore_RestoreMostRecentAndByID(t *testing.T) {
	ctx := context.Background()
	clock := int64(1000)
	s, _ := newTestFS(t, map[string]string{"a.js": "v1"}, WithClock(func() time.Time { return time.UnixMilli(clock) }))

	snap1, err := s.Snapshot(ctx, "a.js")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, "a.js", "v2"))
	clock = 2000
	_, err = s.Snapshot(ctx, "a.js")
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, "a.js", "v3"))

	snaps, err := s.Snapshots(ctx, "a.js")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "1000", snaps[0].ID)
	assert.Equal(t, "2000", snaps[1].ID)

	restored, err := s.Restore(ctx, "a.js", "")
	require.NoError(t, err)
	assert.Equal(t, "2000", restored.ID)
	got, _ := s.Read(ctx, "a.js")
	assert.Equal(t, "v2", got)

	_, err = s.Restore(ctx, "a.js", snap1.ID)
	require.NoError(t, err)
	got, _ = s.Read(ctx, "a.js")
	assert.Equal(t, "v1", got)

	_, err = s.Restore(ctx, "a.js", "42")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStore_RestoreWithoutSnapshot(t *testing.T) {
	s, _ := newTestFS(t, map[string]string{"a.js": "v1"})
	_, err := s.Restore(context.Background(), "a.js", "")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestFSStore_ReadOnly(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFS(t, map[string]string{"a.js": "v1"}, ReadOnly())

	assert.ErrorIs(t, s.Write(ctx, "a.js", "v2"), ErrReadOnly)
	_, err := s.Snapshot(ctx, "a.js")
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestFSStore_SnapshotMissing(t *testing.T) {
	s, _ := newTestFS(t, nil)
	_, err := s.Snapshot(context.Background(), "nope.js")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStore_CancelledContext(t *testing.T) {
	s, _ := newTestFS(t, map[string]string{"a.js": "v1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Read(ctx, "a.js")
	assert.ErrorIs(t, err, context.Canceled)
}

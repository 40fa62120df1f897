package artifact

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store. Backups are kept alongside the files
// under the same <path>.backup-<millis> names FSStore uses.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]string
	now   func() time.Time
}

// NewMemoryStore creates a store seeded with files.
func NewMemoryStore(files map[string]string) *MemoryStore {
	m := &MemoryStore{files: make(map[string]string, len(files)), now: time.Now}
	for p, c := range files {
		m.files[clean(p)] = c
	}
	return m
}

// SetClock overrides time.Now for snapshot naming.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func clean(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// Read returns the artifact content.
func (m *MemoryStore) Read(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.files[clean(p)]
	if !ok {
		return "", fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return c, nil
}

// Write overwrites the artifact content.
func (m *MemoryStore) Write(ctx context.Context, p, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[clean(p)] = content
	return nil
}

// List returns every non-backup path, sorted.
func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.files))
	for p := range m.files {
		if !IsBackup(p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Files returns a copy of all entries including backups.
func (m *MemoryStore) Files() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.files))
	for k, v := range m.files {
		out[k] = v
	}
	return out
}

// Snapshot copies the artifact to a backup entry.
func (m *MemoryStore) Snapshot(ctx context.Context, p string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := clean(p)
	content, ok := m.files[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	millis := m.now().UnixMilli()
	for {
		if _, exists := m.files[BackupName(key, millis)]; !exists {
			break
		}
		millis++
	}
	backup := BackupName(key, millis)
	m.files[backup] = content
	return &Snapshot{
		ID:           strconv.FormatInt(millis, 10),
		ArtifactPath: key,
		BackupPath:   backup,
		TakenAt:      time.UnixMilli(millis).UTC(),
		Hash:         Hash(content),
		Size:         int64(len(content)),
	}, nil
}

// Snapshots lists backups for the artifact, oldest first.
func (m *MemoryStore) Snapshots(ctx context.Context, p string) ([]*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotsLocked(clean(p)), nil
}

func (m *MemoryStore) snapshotsLocked(key string) []*Snapshot {
	var snaps []*Snapshot
	for name, content := range m.files {
		millis, ok := parseBackup(name)
		if !ok || BackupName(key, millis) != name {
			continue
		}
		snaps = append(snaps, &Snapshot{
			ID:           strconv.FormatInt(millis, 10),
			ArtifactPath: key,
			BackupPath:   name,
			TakenAt:      time.UnixMilli(millis).UTC(),
			Hash:         Hash(content),
			Size:         int64(len(content)),
		})
	}
	sortSnapshots(snaps)
	return snaps
}

// Restore copies a snapshot back over the artifact.
func (m *MemoryStore) Restore(ctx context.Context, p, snapshotID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := clean(p)
	snap, err := pickSnapshot(m.snapshotsLocked(key), p, snapshotID)
	if err != nil {
		return nil, err
	}
	m.files[key] = m.files[snap.BackupPath]
	return snap, nil
}

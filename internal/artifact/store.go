package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned when an artifact or snapshot does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrNoSnapshot is returned by Restore when a path has no snapshots.
	ErrNoSnapshot = errors.New("no snapshot available")

	// ErrSnapshotCorrupt is returned when a written backup does not read
	// back identically.
	ErrSnapshotCorrupt = errors.New("snapshot verification failed")

	// ErrReadOnly is returned for writes against a read-only store.
	ErrReadOnly = errors.New("artifact store is read-only")

	// ErrOutsideRoot is returned for paths escaping the store root.
	ErrOutsideRoot = errors.New("path escapes artifact root")
)

// Store is the target artifact set.
type Store interface {
	// Read returns the artifact content.
	Read(ctx context.Context, path string) (string, error)

	// Write overwrites the artifact content.
	Write(ctx context.Context, path, content string) error

	// List returns artifact paths eligible for scanning, sorted.
	List(ctx context.Context) ([]string, error)

	// Snapshot backs up the artifact and verifies the backup is readable.
	Snapshot(ctx context.Context, path string) (*Snapshot, error)

	// Restore copies a snapshot back over the artifact. An empty id selects
	// the most recent snapshot.
	Restore(ctx context.Context, path, snapshotID string) (*Snapshot, error)

	// Snapshots lists the artifact's snapshots, oldest first.
	Snapshots(ctx context.Context, path string) ([]*Snapshot, error)
}

// ReadAll reads every listed artifact of s.
func ReadAll(ctx context.Context, s Store) (map[string]string, error) {
	paths, err := s.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := s.Read(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		out[p] = content
	}
	return out, nil
}

// Snapshot is a point-in-time backup of one artifact.
type Snapshot struct {
	ID           string    `json:"id"`
	ArtifactPath string    `json:"artifact_path"`
	BackupPath   string    `json:"backup_path"`
	TakenAt      time.Time `json:"taken_at"`
	Hash         string    `json:"hash"`
	Size         int64     `json:"size"`
}

// Hash returns the hex sha256 of content.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

var backupSuffix = regexp.MustCompile(`\.backup-(\d+)$`)

// BackupName returns the backup path for an artifact at a given instant.
func BackupName(path string, millis int64) string {
	return fmt.Sprintf("%s.backup-%d", path, millis)
}

// IsBackup reports whether path names a snapshot file.
func IsBackup(path string) bool {
	return backupSuffix.MatchString(path)
}

// parseBackup extracts the millisecond id from a backup path.
func parseBackup(path string) (int64, bool) {
	m := backupSuffix.FindStringSubmatch(path)
	if m == nil {
		return 0, false
	}
	millis, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return millis, true
}

// pickSnapshot selects a snapshot by id, or the newest for an empty id.
func pickSnapshot(snaps []*Snapshot, path, id string) (*Snapshot, error) {
	if len(snaps) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoSnapshot, path)
	}
	if id == "" {
		return snaps[len(snaps)-1], nil
	}
	for _, s := range snaps {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("snapshot %s for %s: %w", id, path, ErrNotFound)
}

func sortSnapshots(snaps []*Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].TakenAt.Before(snaps[j].TakenAt)
	})
}

package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/fixd/internal/ignore"
	"go.uber.org/zap"
)

// FSStore is a Store rooted at a directory on disk.
type FSStore struct {
	root        string
	matcher     *ignore.Matcher
	extensions  map[string]bool
	maxFileSize int64
	readOnly    bool
	now         func() time.Time
	logger      *zap.Logger

	// serializes backup naming so two snapshots never share a suffix
	mu sync.Mutex
}

// FSOption configures an FSStore.
type FSOption func(*FSStore)

// WithExtensions limits List to files with the given extensions.
func WithExtensions(exts ...string) FSOption {
	return func(s *FSStore) {
		s.extensions = make(map[string]bool, len(exts))
		for _, e := range exts {
			s.extensions[strings.ToLower(e)] = true
		}
	}
}

// WithMaxFileSize skips files larger than n bytes in List.
func WithMaxFileSize(n int64) FSOption {
	return func(s *FSStore) { s.maxFileSize = n }
}

// WithMatcher replaces the ignore matcher loaded from the root.
func WithMatcher(m *ignore.Matcher) FSOption {
	return func(s *FSStore) { s.matcher = m }
}

// ReadOnly rejects Write, Snapshot and Restore.
func ReadOnly() FSOption {
	return func(s *FSStore) { s.readOnly = true }
}

// WithClock overrides time.Now for snapshot naming.
func WithClock(now func() time.Time) FSOption {
	return func(s *FSStore) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) FSOption {
	return func(s *FSStore) { s.logger = l }
}

// NewFSStore opens a store rooted at root, which must be a directory.
func NewFSStore(root string, opts ...FSOption) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("artifact root must be a directory: %s", abs)
	}

	s := &FSStore{
		root:        abs,
		maxFileSize: 1 << 20,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.matcher == nil {
		m, err := ignore.NewParser().Load(abs)
		if err != nil {
			return nil, fmt.Errorf("load ignore files: %w", err)
		}
		s.matcher = m
	}
	return s, nil
}

// Root returns the absolute root directory.
func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path: %w", ErrNotFound)
	}
	var full string
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Join(s.root, filepath.FromSlash(path))
	}
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}
	return full, nil
}

func (s *FSStore) rel(full string) string {
	rel, err := filepath.Rel(s.root, full)
	if err != nil {
		return full
	}
	return filepath.ToSlash(rel)
}

// Read returns the artifact content.
func (s *FSStore) Read(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// Write atomically replaces the artifact content, keeping its mode.
func (s *FSStore) Write(ctx context.Context, path, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.readOnly {
		return ErrReadOnly
	}
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := writeAtomic(full, []byte(content)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	s.logger.Debug("artifact written", zap.String("path", s.rel(full)), zap.Int("bytes", len(content)))
	return nil
}

func writeAtomic(full string, data []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(full); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".fixd-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return err
	}
	return os.Rename(tmpName, full)
}

// List walks the root and returns eligible artifact paths.
func (s *FSStore) List(ctx context.Context) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == s.root {
			return nil
		}
		rel := s.rel(p)
		if s.matcher.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || IsBackup(rel) || strings.HasPrefix(d.Name(), ".fixd-") {
			return nil
		}
		if len(s.extensions) > 0 && !s.extensions[strings.ToLower(filepath.Ext(rel))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if s.maxFileSize > 0 && info.Size() > s.maxFileSize {
			s.logger.Debug("skipping oversized artifact", zap.String("path", rel), zap.Int64("size", info.Size()))
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Snapshot writes <path>.backup-<millis> and verifies it reads back intact.
func (s *FSStore) Snapshot(ctx context.Context, path string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.readOnly {
		return nil, ErrReadOnly
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	original, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(full); err == nil {
		mode = info.Mode().Perm()
	}

	s.mu.Lock()
	millis := s.now().UnixMilli()
	var backup string
	for {
		backup = BackupName(full, millis)
		f, err := os.OpenFile(backup, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
		if errors.Is(err, fs.ErrExist) {
			millis++
			continue
		}
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("create backup for %s: %w", path, err)
		}
		_, werr := f.Write(original)
		cerr := f.Close()
		if werr != nil || cerr != nil {
			s.mu.Unlock()
			os.Remove(backup)
			return nil, fmt.Errorf("write backup for %s: %w", path, errors.Join(werr, cerr))
		}
		break
	}
	s.mu.Unlock()

	readBack, err := os.ReadFile(backup)
	if err != nil {
		return nil, fmt.Errorf("verify backup for %s: %w", path, err)
	}
	want := Hash(string(original))
	if Hash(string(readBack)) != want {
		return nil, fmt.Errorf("%s: %w", path, ErrSnapshotCorrupt)
	}

	snap := &Snapshot{
		ID:           strconv.FormatInt(millis, 10),
		ArtifactPath: s.rel(full),
		BackupPath:   s.rel(backup),
		TakenAt:      time.UnixMilli(millis).UTC(),
		Hash:         want,
		Size:         int64(len(original)),
	}
	s.logger.Debug("snapshot taken", zap.String("path", snap.ArtifactPath), zap.String("snapshot_id", snap.ID))
	return snap, nil
}

// Snapshots lists backups found next to the artifact, oldest first.
func (s *FSStore) Snapshots(ctx context.Context, path string) ([]*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	matches, err := filepath.Glob(escapeGlob(full) + ".backup-*")
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", path, err)
	}

	snaps := make([]*Snapshot, 0, len(matches))
	for _, m := range matches {
		millis, ok := parseBackup(m)
		if !ok || BackupName(full, millis) != m {
			continue
		}
		data, err := os.ReadFile(m)
		if err != nil {
			s.logger.Warn("unreadable snapshot", zap.String("backup", s.rel(m)), zap.Error(err))
			continue
		}
		snaps = append(snaps, &Snapshot{
			ID:           strconv.FormatInt(millis, 10),
			ArtifactPath: s.rel(full),
			BackupPath:   s.rel(m),
			TakenAt:      time.UnixMilli(millis).UTC(),
			Hash:         Hash(string(data)),
			Size:         int64(len(data)),
		})
	}
	sortSnapshots(snaps)
	return snaps, nil
}

// Restore copies the chosen snapshot over the artifact.
func (s *FSStore) Restore(ctx context.Context, path, snapshotID string) (*Snapshot, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}
	snaps, err := s.Snapshots(ctx, path)
	if err != nil {
		return nil, err
	}
	snap, err := pickSnapshot(snaps, path, snapshotID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(snap.BackupPath)))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", snap.ID, err)
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(full, data); err != nil {
		return nil, fmt.Errorf("restore %s: %w", path, err)
	}
	s.logger.Info("artifact restored", zap.String("path", snap.ArtifactPath), zap.String("snapshot_id", snap.ID))
	return snap, nil
}

func escapeGlob(p string) string {
	r := strings.NewReplacer("*", `\*`, "?", `\?`, "[", `\[`)
	return r.Replace(p)
}

// Package report persists fixd reports as JSON and renders them for the
// terminal.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/secrets"
)

// ErrInvalidID is returned for report ids that are not a single path element.
var ErrInvalidID = errors.New("invalid report id")

// Kind names a persisted report type.
type Kind string

const (
	KindMission    Kind = "mission"
	KindDiagnostic Kind = "diagnostic"
	KindAnalysis   Kind = "analysis"
	KindAudit      Kind = "audit"
)

// Encode writes v as indented JSON.
func Encode(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Store keeps reports as <dir>/<kind>-<id>.json.
type Store struct {
	dir      string
	logger   *zap.Logger
	redactor *secrets.Redactor
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRedactor masks credentials in every saved report.
func WithRedactor(r *secrets.Redactor) StoreOption {
	return func(s *Store) { s.redactor = r }
}

// NewStore creates dir if needed.
func NewStore(dir string, logger *zap.Logger, opts ...StoreOption) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating reports directory: %w", err)
	}
	s := &Store{dir: dir, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the reports directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(kind Kind, id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.json", kind, id)), nil
}

// Save writes v atomically and returns its path.
func (s *Store) Save(kind Kind, id string, v any) (string, error) {
	path, err := s.path(kind, id)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, v); err != nil {
		return "", fmt.Errorf("encoding %s report: %w", kind, err)
	}
	data, redacted := s.redactor.RedactJSON(buf.Bytes())
	if redacted > 0 {
		s.logger.Info("credentials masked in report",
			zap.String("kind", string(kind)), zap.Int("count", redacted))
	}

	tmp, err := os.CreateTemp(s.dir, ".report-*")
	if err != nil {
		return "", fmt.Errorf("creating temp report: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing %s report: %w", kind, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("saving %s report: %w", kind, err)
	}
	s.logger.Debug("report saved", zap.String("kind", string(kind)), zap.String("path", path))
	return path, nil
}

// Load decodes a saved report into v.
func (s *Store) Load(kind Kind, id string, v any) error {
	path, err := s.path(kind, id)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s report %s: %w", kind, id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s report %s: %w", kind, id, err)
	}
	return nil
}

// List returns the ids of saved reports of kind, sorted.
func (s *Store) List(kind Kind) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, string(kind)+"-*.json"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	prefix := string(kind) + "-"
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

package remediation

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/detector"
)

var (
	// ErrSnapshotFailed aborts a remediation before any write.
	ErrSnapshotFailed = errors.New("snapshot failed")

	// ErrWriteFailed is returned when a write fails and snapshots were restored.
	ErrWriteFailed = errors.New("artifact write failed")

	// ErrRestoreFailed is returned when a rollback could not restore a snapshot.
	ErrRestoreFailed = errors.New("snapshot restore failed")
)

// FixStatus is the outcome of one fix attempt.
type FixStatus string

const (
	StatusApplied        FixStatus = "applied"
	StatusSkippedNoMatch FixStatus = "skipped_no_match"
	StatusFailed         FixStatus = "failed"
	StatusPlanned        FixStatus = "planned"
)

// ReportStatus is the outcome of a remediation attempt.
type ReportStatus string

const (
	ReportCommitted  ReportStatus = "committed"
	ReportRolledBack ReportStatus = "rolled_back"
	ReportFailed     ReportStatus = "failed"
	ReportDryRun     ReportStatus = "dry_run"
	ReportNoOp       ReportStatus = "no_op"
)

// KindPatternReplace is the only transformation kind.
const KindPatternReplace = "pattern-replace"

// FixRecord is one attempted remediation.
type FixRecord struct {
	ID                 string            `json:"id"`
	FindingID          string            `json:"finding_id"`
	Category           detector.Category `json:"category"`
	Severity           detector.Severity `json:"severity"`
	Artifact           string            `json:"artifact"`
	TransformationKind string            `json:"transformation_kind"`
	Transformation     string            `json:"transformation,omitempty"`
	Marker             string            `json:"marker,omitempty"`
	BeforeHash         string            `json:"before_hash,omitempty"`
	AfterHash          string            `json:"after_hash,omitempty"`
	Status             FixStatus         `json:"status"`
	Detail             string            `json:"detail,omitempty"`
}

// ArtifactChange describes one rewritten artifact.
type ArtifactChange struct {
	Path       string `json:"path"`
	BeforeHash string `json:"before_hash"`
	AfterHash  string `json:"after_hash"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Written    bool   `json:"written"`
	Diff       string `json:"diff"`

	// After is the rewritten text, kept for re-scanning planned output.
	After string `json:"-"`
}

// FixReport aggregates the fix records of one remediation attempt and the
// snapshots that back it.
type FixReport struct {
	ID         string               `json:"id"`
	Timestamp  time.Time            `json:"timestamp"`
	Status     ReportStatus         `json:"status"`
	Fixes      []FixRecord          `json:"fixes"`
	Changes    []ArtifactChange     `json:"changes"`
	Snapshots  []*artifact.Snapshot `json:"snapshots"`
	RolledBack bool                 `json:"rolled_back"`
	Error      string               `json:"error,omitempty"`
}

// Applied returns the fix records with status applied.
func (r *FixReport) Applied() []FixRecord {
	return r.withStatus(StatusApplied)
}

// Planned returns the fix records with status planned.
func (r *FixReport) Planned() []FixRecord {
	return r.withStatus(StatusPlanned)
}

func (r *FixReport) withStatus(s FixStatus) []FixRecord {
	var out []FixRecord
	for _, f := range r.Fixes {
		if f.Status == s {
			out = append(out, f)
		}
	}
	return out
}

// Counts tallies fix records by status.
func (r *FixReport) Counts() map[FixStatus]int {
	counts := make(map[FixStatus]int)
	for _, f := range r.Fixes {
		counts[f.Status]++
	}
	return counts
}

// ModifiedArtifacts lists the artifacts that were written.
func (r *FixReport) ModifiedArtifacts() []string {
	var out []string
	for _, c := range r.Changes {
		if c.Written {
			out = append(out, c.Path)
		}
	}
	return out
}

// SnapshotFor returns the snapshot taken for path, if any.
func (r *FixReport) SnapshotFor(path string) (*artifact.Snapshot, bool) {
	for _, s := range r.Snapshots {
		if s.ArtifactPath == path {
			return s, true
		}
	}
	return nil, false
}

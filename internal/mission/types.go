package mission

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/audit"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/remediation"
	"github.com/fyrsmithlabs/fixd/internal/verify"
)

var (
	// ErrNoStore is returned when a request has no artifact store.
	ErrNoStore = errors.New("mission request has no artifact store")

	// ErrInvalidTransition is returned for a state change the mission
	// state machine does not allow.
	ErrInvalidTransition = errors.New("invalid mission state transition")
)

// State is a mission state.
type State string

const (
	StateIdle        State = "idle"
	StateScanning    State = "scanning"
	StateRemediating State = "remediating"
	StateVerifying   State = "verifying"
	StateAuditing    State = "auditing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// transitions lists the allowed successors of each non-terminal state.
var transitions = map[State][]State{
	StateIdle:        {StateScanning, StateFailed},
	StateScanning:    {StateRemediating, StateFailed},
	StateRemediating: {StateVerifying, StateFailed},
	StateVerifying:   {StateAuditing, StateCompleted, StateFailed},
	StateAuditing:    {StateCompleted, StateFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Request describes one mission.
type Request struct {
	// ID overrides the generated run id.
	ID string `json:"id,omitempty"`

	// Name labels the target artifact set in reports and logs.
	Name string `json:"name,omitempty"`

	// Store is the target artifact set.
	Store artifact.Store `json:"-"`

	// SessionRef is the session directory audited in the auditing stage.
	// Empty skips the audit.
	SessionRef string `json:"session_ref,omitempty"`

	// Problem is the statement handed to deep diagnostics on escalation.
	// Empty derives one from the findings.
	Problem string `json:"problem,omitempty"`

	// DryRun overrides the controller default when set.
	DryRun *bool `json:"dry_run,omitempty"`
}

// StageRecord is the timing of one completed stage.
type StageRecord struct {
	Stage       State     `json:"stage"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Summary is the executive summary of a mission.
type Summary struct {
	Findings             int    `json:"findings"`
	Critical             int    `json:"critical"`
	Fixes                int    `json:"fixes"`
	Applied              int    `json:"applied"`
	Planned              int    `json:"planned"`
	Skipped              int    `json:"skipped"`
	FailedFixes          int    `json:"failed_fixes"`
	ArtifactsModified    int    `json:"artifacts_modified"`
	VerificationsPassed  int    `json:"verifications_passed"`
	VerificationWarnings int    `json:"verification_warnings"`
	HealthScore          *int   `json:"health_score,omitempty"`
	Recommendation       string `json:"recommendation"`
}

// Escalation records whether deep diagnostics is advised.
type Escalation struct {
	Recommended bool     `json:"recommended"`
	Reasons     []string `json:"reasons,omitempty"`
	Problem     string   `json:"problem,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Report is the final (or partial) mission report.
type Report struct {
	ID              string                   `json:"id"`
	Name            string                   `json:"name,omitempty"`
	Status          State                    `json:"status"`
	Timestamp       time.Time                `json:"timestamp"`
	FinishedAt      time.Time                `json:"finished_at"`
	DryRun          bool                     `json:"dry_run"`
	Stages          []StageRecord            `json:"stages"`
	Analysis        *detector.AnalysisReport `json:"analysis,omitempty"`
	Fix             *remediation.FixReport   `json:"fix,omitempty"`
	Verification    *verify.Report           `json:"verification,omitempty"`
	Audit           *audit.Report            `json:"audit,omitempty"`
	Diagnostic      *diagnostic.Session      `json:"diagnostic,omitempty"`
	Summary         Summary                  `json:"summary"`
	Escalation      Escalation               `json:"escalation"`
	Recommendations []string                 `json:"recommendations"`
	Partial         bool                     `json:"partial"`
	FailedStage     State                    `json:"failed_stage,omitempty"`
	RolledBack      bool                     `json:"rolled_back"`
	Error           string                   `json:"error,omitempty"`
}

// Completed returns the stages that finished, in order.
func (r *Report) Completed() []State {
	out := make([]State, 0, len(r.Stages))
	for _, s := range r.Stages {
		out = append(out, s.Stage)
	}
	return out
}

// Duration is the wall time of the mission.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.Timestamp)
}

// StageError reports a failed mission: which stage failed, what completed
// before it and whether snapshots were restored.
type StageError struct {
	Stage      State
	Completed  []State
	RolledBack bool
	Err        error
}

func (e *StageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mission failed during %s", e.Stage)
	if len(e.Completed) > 0 {
		parts := make([]string, len(e.Completed))
		for i, s := range e.Completed {
			parts[i] = string(s)
		}
		fmt.Fprintf(&b, " (completed: %s)", strings.Join(parts, ", "))
	}
	if e.RolledBack {
		b.WriteString(" (rollback performed)")
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *StageError) Unwrap() error { return e.Err }

package diagnostic

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/hostinfo"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
	"github.com/fyrsmithlabs/fixd/internal/remediation"
	"github.com/fyrsmithlabs/fixd/internal/sessionlog"
)

var (
	ErrEmptyProblem      = errors.New("problem statement is empty")
	ErrInvalidTransition = errors.New("invalid phase transition")
	ErrNoStore           = errors.New("apply requested without an artifact store")
)

// Phase is one step of the state machine, numbered from 1.
type Phase int

const (
	PhaseProblemScope Phase = iota + 1
	PhaseInformationGathering
	PhaseHypothesisGeneration
	PhaseTestDesign
	PhaseSystematicTesting
	PhaseRootCauseID
	PhaseSolutionImplementation
	PhaseValidationAndPrevention
)

var phaseNames = map[Phase]string{
	PhaseProblemScope:            "problem_scope",
	PhaseInformationGathering:    "information_gathering",
	PhaseHypothesisGeneration:    "hypothesis_generation",
	PhaseTestDesign:              "test_design",
	PhaseSystematicTesting:       "systematic_testing",
	PhaseRootCauseID:             "root_cause_id",
	PhaseSolutionImplementation:  "solution_implementation",
	PhaseValidationAndPrevention: "validation_and_prevention",
}

func (p Phase) String() string {
	if n, ok := phaseNames[p]; ok {
		return n
	}
	return fmt.Sprintf("phase_%d", int(p))
}

// Phases returns every phase in execution order.
func Phases() []Phase {
	return []Phase{
		PhaseProblemScope,
		PhaseInformationGathering,
		PhaseHypothesisGeneration,
		PhaseTestDesign,
		PhaseSystematicTesting,
		PhaseRootCauseID,
		PhaseSolutionImplementation,
		PhaseValidationAndPrevention,
	}
}

// Status is the session status.
type Status string

const (
	StatusInProgress Status = sessionlog.StatusInProgress
	StatusCompleted  Status = sessionlog.StatusCompleted
	StatusFailed     Status = sessionlog.StatusFailed
)

// Checkpoint positions.
const (
	Before = "before"
	After  = "after"
)

// Checkpoint is a resource capture around a phase. Checkpoints are for
// replay and audit only; they are never used to restore artifacts.
type Checkpoint struct {
	Name      string            `json:"name"`
	Phase     Phase             `json:"phase"`
	Position  string            `json:"position"`
	TakenAt   time.Time         `json:"taken_at"`
	Resources hostinfo.Snapshot `json:"resources"`
}

// PhaseResult records one completed phase.
type PhaseResult struct {
	Phase       Phase     `json:"phase"`
	Name        string    `json:"name"`
	Summary     string    `json:"summary"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Scope is the output of problem_scope.
type Scope struct {
	Statement  string              `json:"statement"`
	Keywords   []string            `json:"keywords"`
	Categories []detector.Category `json:"categories"`
	Artifacts  []string            `json:"artifacts"`
}

// Information is the output of information_gathering.
type Information struct {
	Analysis     *detector.AnalysisReport `json:"analysis"`
	Host         hostinfo.Snapshot        `json:"host"`
	Repository   *artifact.RepoInfo       `json:"repository,omitempty"`
	ChangedFiles []string                 `json:"changed_files,omitempty"`
	Notes        []string                 `json:"notes,omitempty"`
}

// IndirectEvidence reports whether recent changes or elevated resource
// usage were observed.
func (i *Information) IndirectEvidence() bool {
	if i == nil {
		return false
	}
	if i.Repository != nil && len(i.Repository.Changes) > 0 {
		return true
	}
	return i.Host.Elevated()
}

// Hypothesis is a candidate explanation for the problem.
type Hypothesis struct {
	ID          string            `json:"id"`
	Category    detector.Category `json:"category"`
	Description string            `json:"description"`
	Likelihood  int               `json:"likelihood"`
	Testability int               `json:"testability"`
	Score       int               `json:"score"`
	Evidence    []string          `json:"evidence,omitempty"`
}

// TestKind distinguishes reproduction from isolation tests.
type TestKind string

const (
	Reproduction TestKind = "reproduction"
	Isolation    TestKind = "isolation"
)

// TestStatus is the outcome of a designed test.
type TestStatus string

const (
	TestPending TestStatus = "pending"
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
	TestSkipped TestStatus = "skipped"
)

// Test is one designed diagnostic test.
type Test struct {
	ID           string            `json:"id"`
	HypothesisID string            `json:"hypothesis_id"`
	Category     detector.Category `json:"category"`
	Kind         TestKind          `json:"kind"`
	Steps        []string          `json:"steps"`
	Status       TestStatus        `json:"status"`
	Detail       string            `json:"detail,omitempty"`
}

// Testing is the output of systematic_testing.
type Testing struct {
	Order  []string         `json:"order"`
	Rescan detector.Summary `json:"rescan"`
}

// RootCause is the output of root_cause_id.
type RootCause struct {
	Confirmed    bool                          `json:"confirmed"`
	HypothesisID string                        `json:"hypothesis_id,omitempty"`
	Category     detector.Category             `json:"category,omitempty"`
	PassingTests int                           `json:"passing_tests"`
	Eliminated   []string                      `json:"eliminated,omitempty"`
	Findings     []detector.Finding            `json:"findings,omitempty"`
	Analysis     *reasoning.ConsolidatedReport `json:"analysis,omitempty"`
}

// Solution is the output of solution_implementation.
type Solution struct {
	Applied bool                   `json:"applied"`
	Skipped string                 `json:"skipped,omitempty"`
	Fix     *remediation.FixReport `json:"fix,omitempty"`
}

// Validation is the output of validation_and_prevention.
type Validation struct {
	Resolved        bool                       `json:"resolved"`
	Remaining       detector.Summary           `json:"remaining"`
	Prevention      []reasoning.Recommendation `json:"prevention"`
	OutcomeRecorded bool                       `json:"outcome_recorded"`
}

// Session is the state of one diagnostic run.
type Session struct {
	ID           string        `json:"id"`
	Problem      string        `json:"problem"`
	Status       Status        `json:"status"`
	CurrentPhase Phase         `json:"current_phase"`
	PhaseResults []PhaseResult `json:"phase_results"`
	Checkpoints  []Checkpoint  `json:"checkpoints"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	Error        string        `json:"error,omitempty"`

	Scope       *Scope       `json:"scope,omitempty"`
	Information *Information `json:"information,omitempty"`
	Hypotheses  []Hypothesis `json:"hypotheses,omitempty"`
	Tests       []Test       `json:"tests,omitempty"`
	Testing     *Testing     `json:"testing,omitempty"`
	RootCause   *RootCause   `json:"root_cause,omitempty"`
	Solution    *Solution    `json:"solution,omitempty"`
	Validation  *Validation  `json:"validation,omitempty"`
}

// complete appends the result of the next phase. Phases must complete in
// order, one at a time.
func (s *Session) complete(r PhaseResult) error {
	if s.Status != StatusInProgress {
		return fmt.Errorf("%w: session is %s", ErrInvalidTransition, s.Status)
	}
	if r.Phase != s.CurrentPhase+1 {
		return fmt.Errorf("%w: %s after %s", ErrInvalidTransition, r.Phase, s.CurrentPhase)
	}
	s.PhaseResults = append(s.PhaseResults, r)
	s.CurrentPhase = r.Phase
	return nil
}

// Completed returns the phases that finished.
func (s *Session) Completed() []Phase {
	out := make([]Phase, len(s.PhaseResults))
	for i, r := range s.PhaseResults {
		out[i] = r.Phase
	}
	return out
}

// TestsFor returns the tests designed for hypothesis id.
func (s *Session) TestsFor(id string) []Test {
	var out []Test
	for _, t := range s.Tests {
		if t.HypothesisID == id {
			out = append(out, t)
		}
	}
	return out
}

// PhaseError reports the phase a session failed in.
type PhaseError struct {
	SessionID string
	Phase     Phase
	Completed []Phase
	Err       error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("diagnostic session %s failed in %s after %d completed phases: %v",
		e.SessionID, e.Phase, len(e.Completed), e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

package diagnostic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/events"
	"github.com/fyrsmithlabs/fixd/internal/hostinfo"
	"github.com/fyrsmithlabs/fixd/internal/learning"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
	"github.com/fyrsmithlabs/fixd/internal/remediation"
	"github.com/fyrsmithlabs/fixd/internal/sessionlog"
	"github.com/fyrsmithlabs/fixd/internal/telemetry"
)

const unboundedRetry = "async function retryFn(id, count = 0) { const res = await fetch(`/api/orders/${id}`); if (!res.ok) { return await retryFn(id, count+1); } return res.json(); }"

const problem = "Orders page hangs: retryFn keeps retrying the order fetch"

var calmHost = hostinfo.Snapshot{OS: "linux", CPUCount: 4, CPUPercent: 12, MemoryTotal: 8 << 30, MemoryPercent: 40}

type fixture struct {
	machine  *Machine
	log      *sessionlog.MemoryLog
	learning *learning.MemoryStore
	events   *events.Recorder
}

func newFixture(t *testing.T, cfg *Config, opts ...Option) *fixture {
	t.Helper()
	scanner, err := detector.NewScanner(&detector.Config{MinConfidence: 0.3}, nil)
	require.NoError(t, err)

	f := &fixture{
		log:      sessionlog.NewMemoryLog(),
		learning: learning.NewMemoryStore(0),
		events:   &events.Recorder{},
	}
	base := []Option{
		WithSessionLog(f.log),
		WithHostCollector(hostinfo.Static(calmHost)),
		WithPublisher(f.events),
	}
	f.machine, err = NewMachine(cfg, scanner, reasoning.NewEngine(nil, f.learning, nil), zaptest.NewLogger(t), append(base, opts...)...)
	require.NoError(t, err)
	return f
}

func artifacts() map[string]string {
	return map[string]string{
		"src/orders.js": unboundedRetry,
		"src/cart.js":   "export const total = (items) => items.reduce((a, b) => a + b.price, 0);\n",
	}
}

func TestRun_CompletesAllPhases(t *testing.T) {
	tt := telemetry.NewTestTelemetry().Install()
	f := newFixture(t, nil)

	s, err := f.machine.Run(context.Background(), problem, artifacts())
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, PhaseValidationAndPrevention, s.CurrentPhase)
	require.Len(t, s.PhaseResults, 8)
	for i, r := range s.PhaseResults {
		assert.Equal(t, Phase(i+1), r.Phase)
		assert.Equal(t, Phases()[i].String(), r.Name)
		assert.NotEmpty(t, r.Summary)
	}
	require.Len(t, s.Checkpoints, 16)
	for i, cp := range s.Checkpoints {
		assert.Equal(t, Phase(i/2+1), cp.Phase)
		if i%2 == 0 {
			assert.Equal(t, Before, cp.Position)
		} else {
			assert.Equal(t, After, cp.Position)
		}
		assert.Equal(t, 4, cp.Resources.CPUCount)
	}
	assert.NotNil(t, s.FinishedAt)

	tt.AssertSpanExists(t, "diagnostic.run")
	tt.AssertSpanExists(t, "diagnostic.phase")
}

func TestRun_RetryScenario(t *testing.T) {
	f := newFixture(t, nil)

	s, err := f.machine.Run(context.Background(), problem, artifacts())
	require.NoError(t, err)

	assert.Equal(t, []detector.Category{detector.InfiniteRecursion}, s.Scope.Categories)
	assert.Equal(t, []string{"src/cart.js", "src/orders.js"}, s.Scope.Artifacts)

	require.Len(t, s.Hypotheses, 1)
	h := s.Hypotheses[0]
	assert.Equal(t, "H1", h.ID)
	assert.Equal(t, detector.InfiniteRecursion, h.Category)
	assert.Equal(t, 3, h.Likelihood)
	assert.Equal(t, 3, h.Testability)
	assert.Equal(t, 6, h.Score)

	require.Len(t, s.Tests, 2)
	assert.Equal(t, []string{"H1-R", "H1-I"}, s.Testing.Order)
	assert.Equal(t, TestPassed, s.Tests[0].Status)
	assert.Equal(t, TestPassed, s.Tests[1].Status)

	require.NotNil(t, s.RootCause)
	assert.True(t, s.RootCause.Confirmed)
	assert.Equal(t, detector.InfiniteRecursion, s.RootCause.Category)
	assert.Equal(t, 2, s.RootCause.PassingTests)
	assert.Empty(t, s.RootCause.Eliminated)
	require.NotNil(t, s.RootCause.Analysis)
	assert.NotEmpty(t, s.RootCause.Analysis.Causes)

	require.NotNil(t, s.Solution.Fix)
	assert.False(t, s.Solution.Applied)
	assert.Equal(t, remediation.ReportDryRun, s.Solution.Fix.Status)
	require.Len(t, s.Solution.Fix.Planned(), 1)
	require.Len(t, s.Solution.Fix.Changes, 1)
	assert.Contains(t, s.Solution.Fix.Changes[0].After, "MAX_RETRY_ATTEMPTS")

	assert.True(t, s.Validation.Resolved)
	assert.Equal(t, 0, s.Validation.Remaining.Total)
	assert.NotEmpty(t, s.Validation.Prevention)
	assert.True(t, s.Validation.OutcomeRecorded)
	assert.Equal(t, 1, f.learning.Len())
}

func TestRun_PersistsAppendOnlyLog(t *testing.T) {
	f := newFixture(t, nil)

	s, err := f.machine.Run(context.Background(), problem, artifacts())
	require.NoError(t, err)

	entry, err := f.log.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, sessionlog.StatusCompleted, entry.Session.Status)
	assert.Equal(t, problem, entry.Session.Problem)
	require.Len(t, entry.Phases, 8)
	require.Len(t, entry.Checkpoints, 16)
	assert.Equal(t, "root_cause_id", entry.Phases[5].Name)

	var rc RootCause
	require.NoError(t, json.Unmarshal(entry.Phases[5].Result, &rc))
	assert.Equal(t, detector.InfiniteRecursion, rc.Category)

	var snap hostinfo.Snapshot
	require.NoError(t, json.Unmarshal(entry.Checkpoints[0].Resources, &snap))
	assert.Equal(t, 40.0, snap.MemoryPercent)

	err = f.log.AppendPhase(context.Background(), sessionlog.PhaseRecord{SessionID: s.ID, Phase: 9})
	assert.ErrorIs(t, err, sessionlog.ErrSessionClosed)
}

func TestRun_PublishesEvents(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.machine.Run(context.Background(), problem, artifacts())
	require.NoError(t, err)

	subjects := f.events.Subjects()
	require.Len(t, subjects, 9)
	for _, s := range subjects[:8] {
		assert.Equal(t, "diagnostic.phase", s)
	}
	assert.Equal(t, "diagnostic.completed", subjects[8])
	assert.Equal(t, "problem_scope", f.events.Events()[0].Phase)
}

func TestRun_FailureReturnsPartialSession(t *testing.T) {
	f := newFixture(t, &Config{Apply: true})

	s, err := f.machine.Run(context.Background(), problem, artifacts())
	require.Error(t, err)
	require.NotNil(t, s)
	assert.ErrorIs(t, err, ErrNoStore)

	var perr *PhaseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, PhaseSolutionImplementation, perr.Phase)
	assert.Len(t, perr.Completed, 6)
	assert.Contains(t, err.Error(), "solution_implementation")

	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, PhaseRootCauseID, s.CurrentPhase)
	assert.Len(t, s.PhaseResults, 6)
	assert.Len(t, s.Checkpoints, 13)
	assert.NotNil(t, s.RootCause)
	assert.Nil(t, s.Validation)

	entry, err := f.log.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, sessionlog.StatusFailed, entry.Session.Status)
	assert.Len(t, entry.Phases, 6)

	subjects := f.events.Subjects()
	assert.Equal(t, "diagnostic.failed", subjects[len(subjects)-1])
}

func TestRun_ApplyWritesThroughStore(t *testing.T) {
	store := artifact.NewMemoryStore(artifacts())
	f := newFixture(t, &Config{Apply: true}, WithStore(store))

	s, err := f.machine.Run(context.Background(), problem, artifacts())
	require.NoError(t, err)

	assert.True(t, s.Solution.Applied)
	assert.Equal(t, remediation.ReportCommitted, s.Solution.Fix.Status)
	require.Len(t, s.Solution.Fix.Snapshots, 1)
	assert.True(t, s.Validation.Resolved)

	content, err := store.Read(context.Background(), "src/orders.js")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(content, "const MAX_RETRY_ATTEMPTS = 3;\n"))
}

func TestRun_CancelledBetweenPhases(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	host := hostinfo.CollectorFunc(func(context.Context) hostinfo.Snapshot {
		calls++
		if calls == 4 { // information_gathering's own sample
			cancel()
		}
		return calmHost
	})
	f := newFixture(t, nil, WithHostCollector(host))

	s, err := f.machine.Run(ctx, problem, artifacts())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	var perr *PhaseError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, PhaseHypothesisGeneration, perr.Phase)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Len(t, s.PhaseResults, 2)
	assert.Len(t, s.Checkpoints, 4)
}

type failingLog struct {
	*sessionlog.MemoryLog
	failAt int
}

func (l *failingLog) AppendPhase(ctx context.Context, rec sessionlog.PhaseRecord) error {
	if rec.Phase == l.failAt {
		return errors.New("disk full")
	}
	return l.MemoryLog.AppendPhase(ctx, rec)
}

func TestRun_PersistFailureFailsPhase(t *testing.T) {
	log := &failingLog{MemoryLog: sessionlog.NewMemoryLog(), failAt: 4}
	f := newFixture(t, nil, WithSessionLog(log))

	s, err := f.machine.Run(context.Background(), problem, artifacts())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, StatusFailed, s.Status)
	assert.Equal(t, PhaseHypothesisGeneration, s.CurrentPhase)
	assert.Len(t, s.PhaseResults, 3)

	entry, err := log.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Len(t, entry.Phases, len(s.PhaseResults))
}

func TestRun_NoEvidence(t *testing.T) {
	f := newFixture(t, nil)

	s, err := f.machine.Run(context.Background(), "Checkout button misaligned on tablets", nil)
	require.NoError(t, err)

	require.Len(t, s.Hypotheses, 1)
	assert.Equal(t, detector.Other, s.Hypotheses[0].Category)
	assert.Equal(t, 2, s.Hypotheses[0].Score)
	assert.False(t, s.RootCause.Confirmed)
	assert.Equal(t, "H1", s.RootCause.HypothesisID)
	assert.NotEmpty(t, s.Solution.Skipped)
	assert.Nil(t, s.Solution.Fix)
	assert.False(t, s.Validation.Resolved)
	assert.False(t, s.Validation.OutcomeRecorded)
}

func TestRun_Validation(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.machine.Run(context.Background(), "   ", artifacts())
	assert.ErrorIs(t, err, ErrEmptyProblem)

	_, err = NewMachine(nil, nil, reasoning.NewEngine(nil, nil, nil), nil)
	assert.Error(t, err)
}

func TestRun_RecentChanges(t *testing.T) {
	// A directory outside any repository yields no changes and no error.
	f := newFixture(t, &Config{RepoRoot: t.TempDir()})

	s, err := f.machine.Run(context.Background(), problem, artifacts())
	require.NoError(t, err)
	require.NotNil(t, s.Information.Repository)
	assert.Empty(t, s.Information.Repository.Changes)
	assert.False(t, s.Information.IndirectEvidence())
}

func TestSession_Complete(t *testing.T) {
	s := &Session{Status: StatusInProgress}
	require.NoError(t, s.complete(PhaseResult{Phase: PhaseProblemScope}))
	assert.ErrorIs(t, s.complete(PhaseResult{Phase: PhaseTestDesign}), ErrInvalidTransition)
	assert.ErrorIs(t, s.complete(PhaseResult{Phase: PhaseProblemScope}), ErrInvalidTransition)
	require.NoError(t, s.complete(PhaseResult{Phase: PhaseInformationGathering}))
	assert.Equal(t, PhaseInformationGathering, s.CurrentPhase)
	assert.Equal(t, len(s.PhaseResults), int(s.CurrentPhase))

	s.Status = StatusFailed
	assert.ErrorIs(t, s.complete(PhaseResult{Phase: PhaseHypothesisGeneration}), ErrInvalidTransition)
}

package mission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/audit"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/events"
	"github.com/fyrsmithlabs/fixd/internal/hostinfo"
	"github.com/fyrsmithlabs/fixd/internal/learning"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
	"github.com/fyrsmithlabs/fixd/internal/remediation"
	"github.com/fyrsmithlabs/fixd/internal/telemetry"
	"github.com/fyrsmithlabs/fixd/internal/verify"
)

const unboundedRetry = "async function retryFn(id, count = 0) { const res = await fetch(`/api/orders/${id}`); if (!res.ok) { return await retryFn(id, count+1); } return res.json(); }"

const cart = "export const total = (items) => items.reduce((a, b) => a + b.price, 0);\n"

var calmHost = hostinfo.Snapshot{OS: "linux", CPUCount: 4, CPUPercent: 12, MemoryTotal: 8 << 30, MemoryPercent: 40}

func newScanner(t *testing.T) *detector.Scanner {
	t.Helper()
	s, err := detector.NewScanner(&detector.Config{MinConfidence: 0.3}, nil)
	require.NoError(t, err)
	return s
}

func newController(t *testing.T, cfg *Config, opts ...Option) *Controller {
	t.Helper()
	c, err := NewController(cfg, newScanner(t), nil, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return c
}

func sessionDir(t *testing.T, files int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < files; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("s%02d.json", i)), []byte(`{}`), 0o600))
	}
	return dir
}

// faultyStore fails List or Write on demand.
type faultyStore struct {
	*artifact.MemoryStore
	failList  bool
	failWrite bool
}

func (s *faultyStore) List(ctx context.Context) ([]string, error) {
	if s.failList {
		return nil, errors.New("listing denied")
	}
	return s.MemoryStore.List(ctx)
}

func (s *faultyStore) Write(ctx context.Context, p, content string) error {
	if s.failWrite {
		return errors.New("disk full")
	}
	return s.MemoryStore.Write(ctx, p, content)
}

func TestRun_DryRunMission(t *testing.T) {
	tt := telemetry.NewTestTelemetry().Install()
	rec := &events.Recorder{}
	var progress []State
	c := newController(t,
		&Config{DryRun: true, AuditEnabled: true, Syntax: true},
		WithAuditor(audit.NewAuditor(nil, hostinfo.Static(calmHost), nil)),
		WithPublisher(rec),
		WithProgress(func(p Progress) { progress = append(progress, p.State) }),
	)
	store := artifact.NewMemoryStore(map[string]string{"src/orders.js": unboundedRetry, "src/cart.js": cart})

	report, err := c.Run(context.Background(), Request{Name: "shop", Store: store, SessionRef: sessionDir(t, 3)})
	require.NoError(t, err)

	assert.NotEmpty(t, report.ID)
	assert.Equal(t, StateCompleted, report.Status)
	assert.True(t, report.DryRun)
	assert.False(t, report.Partial)
	assert.Equal(t, []State{StateScanning, StateRemediating, StateVerifying, StateAuditing}, report.Completed())
	assert.Equal(t, []State{StateScanning, StateRemediating, StateVerifying, StateAuditing, StateCompleted}, progress)

	assert.Equal(t, 1, report.Summary.Findings)
	assert.Equal(t, 1, report.Summary.Critical)
	assert.Equal(t, 1, report.Summary.Planned)
	assert.Equal(t, 0, report.Summary.Applied)
	assert.Equal(t, 1, report.Summary.Fixes)
	assert.Equal(t, 0, report.Summary.ArtifactsModified)
	assert.Equal(t, 1, report.Summary.VerificationsPassed)
	assert.Equal(t, 0, report.Summary.VerificationWarnings)
	require.NotNil(t, report.Summary.HealthScore)
	assert.Equal(t, report.Audit.HealthScore, *report.Summary.HealthScore)
	assert.Equal(t, RecommendVerified, report.Summary.Recommendation)
	assert.Equal(t, RecommendVerified, report.Recommendations[0])
	assert.False(t, report.Escalation.Recommended)

	require.NotNil(t, report.Verification)
	assert.Equal(t, verify.SourcePlanned, report.Verification.Results[0].Source)

	got, err := store.Read(context.Background(), "src/orders.js")
	require.NoError(t, err)
	assert.Equal(t, unboundedRetry, got, "dry run must not write")

	assert.Equal(t, []string{
		"mission.scanning", "mission.remediating", "mission.verifying", "mission.auditing", "mission.completed",
	}, rec.Subjects())
	for _, ev := range rec.Events() {
		assert.Equal(t, report.ID, ev.MissionID)
	}

	tt.AssertSpanExists(t, "mission.run")
	tt.AssertSpanExists(t, "remediation.remediate")
	tt.AssertSpanExists(t, "verify.verify")
	assert.Equal(t, int64(1), tt.CounterValue(t, "fixd.mission.runs_total"))
}

func TestRun_AppliesFixes(t *testing.T) {
	c := newController(t, &Config{DryRun: false, Syntax: true})
	store := artifact.NewMemoryStore(map[string]string{"src/orders.js": unboundedRetry})

	report, err := c.Run(context.Background(), Request{ID: "m-1", Store: store})
	require.NoError(t, err)

	assert.Equal(t, "m-1", report.ID)
	assert.False(t, report.DryRun)
	assert.Equal(t, []State{StateScanning, StateRemediating, StateVerifying}, report.Completed())
	assert.Nil(t, report.Audit)
	assert.Nil(t, report.Summary.HealthScore)
	assert.Equal(t, remediation.ReportCommitted, report.Fix.Status)
	assert.Equal(t, 1, report.Summary.Applied)
	assert.Equal(t, 1, report.Summary.ArtifactsModified)
	assert.Equal(t, verify.SourceStore, report.Verification.Results[0].Source)
	assert.True(t, report.Verification.Results[0].SyntaxChecked)
	assert.Equal(t, RecommendVerified, report.Summary.Recommendation)

	got, err := store.Read(context.Background(), "src/orders.js")
	require.NoError(t, err)
	assert.Contains(t, got, "if (count >= MAX_RETRY_ATTEMPTS)")
}

func TestRun_NoDefects(t *testing.T) {
	c := newController(t, nil)
	report, err := c.Run(context.Background(), Request{Store: artifact.NewMemoryStore(map[string]string{"src/cart.js": cart})})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.Status)
	assert.Equal(t, remediation.ReportNoOp, report.Fix.Status)
	assert.Equal(t, 0, report.Summary.Findings)
	assert.Equal(t, RecommendNoDefects, report.Summary.Recommendation)
	assert.Equal(t, []string{RecommendNoDefects}, report.Recommendations)
}

func TestRun_RollbackReturnsPartialReport(t *testing.T) {
	rec := &events.Recorder{}
	c := newController(t, &Config{DryRun: false}, WithPublisher(rec))
	store := &faultyStore{
		MemoryStore: artifact.NewMemoryStore(map[string]string{"src/orders.js": unboundedRetry}),
		failWrite:   true,
	}

	report, err := c.Run(context.Background(), Request{Store: store})
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StateRemediating, stageErr.Stage)
	assert.Equal(t, []State{StateScanning}, stageErr.Completed)
	assert.True(t, stageErr.RolledBack)
	assert.Contains(t, err.Error(), "rollback performed")

	require.NotNil(t, report)
	assert.Equal(t, StateFailed, report.Status)
	assert.True(t, report.Partial)
	assert.Equal(t, StateRemediating, report.FailedStage)
	assert.True(t, report.RolledBack)
	assert.NotNil(t, report.Analysis)
	assert.Equal(t, remediation.ReportRolledBack, report.Fix.Status)
	assert.Nil(t, report.Verification)
	assert.Equal(t, "Mission failed during remediating; inspect partial report; rollback performed.", report.Summary.Recommendation)

	assert.True(t, report.Escalation.Recommended)
	assert.Contains(t, report.Escalation.Reasons, "remediation rolled back")
	assert.Contains(t, report.Escalation.Reasons, "1 critical finding(s) not fixed")

	got, err := store.Read(context.Background(), "src/orders.js")
	require.NoError(t, err)
	assert.Equal(t, unboundedRetry, got)

	subjects := rec.Subjects()
	assert.Equal(t, "mission.failed", subjects[len(subjects)-1])
}

func TestRun_ScanFailure(t *testing.T) {
	c := newController(t, nil)
	store := &faultyStore{MemoryStore: artifact.NewMemoryStore(nil), failList: true}

	report, err := c.Run(context.Background(), Request{Store: store})
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StateScanning, stageErr.Stage)
	assert.Empty(t, stageErr.Completed)
	assert.False(t, stageErr.RolledBack)
	assert.Equal(t, "Mission failed during scanning; inspect partial report.", report.Summary.Recommendation)
	assert.Nil(t, report.Analysis)
	assert.False(t, report.Escalation.Recommended)
}

func TestRun_CancelledBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Clock calls before the remediating check: start, scanning event,
	// stage start, stage end. Cancel on the last of them.
	var mu sync.Mutex
	calls := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 4 {
			cancel()
		}
		return time.Unix(1700000000, 0)
	}
	c := newController(t, &Config{DryRun: false}, WithClock(clock))
	store := artifact.NewMemoryStore(map[string]string{"src/orders.js": unboundedRetry})

	report, err := c.Run(ctx, Request{Store: store})
	require.ErrorIs(t, err, context.Canceled)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StateRemediating, stageErr.Stage)
	assert.Equal(t, []State{StateScanning}, stageErr.Completed)
	assert.NotNil(t, report.Analysis)
	assert.Nil(t, report.Fix)

	got, err := store.Read(context.Background(), "src/orders.js")
	require.NoError(t, err)
	assert.Equal(t, unboundedRetry, got)
}

func TestRun_AutoEscalate(t *testing.T) {
	scanner := newScanner(t)
	machine, err := diagnostic.NewMachine(nil, scanner, reasoning.NewEngine(nil, learning.NewMemoryStore(0), nil), nil,
		diagnostic.WithHostCollector(hostinfo.Static(calmHost)),
	)
	require.NoError(t, err)

	c, err := NewController(&Config{DryRun: true, AutoEscalate: true}, scanner, nil, zaptest.NewLogger(t), WithDiagnostics(machine))
	require.NoError(t, err)
	store := artifact.NewMemoryStore(map[string]string{"src/run.js": "export const run = (code) => eval(code);\n"})

	report, err := c.Run(context.Background(), Request{Store: store})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, report.Status)
	assert.Equal(t, 1, report.Summary.Skipped)
	assert.True(t, report.Escalation.Recommended)
	assert.Equal(t, []string{"1 critical finding(s) not fixed"}, report.Escalation.Reasons)
	assert.Equal(t, "critical injection risk in src/run.js", report.Escalation.Problem)
	require.NotNil(t, report.Diagnostic)
	assert.Equal(t, report.Diagnostic.ID, report.Escalation.SessionID)
	assert.Equal(t, diagnostic.StatusCompleted, report.Diagnostic.Status)
	assert.Empty(t, report.Escalation.Error)
	for _, r := range report.Recommendations {
		assert.False(t, strings.HasPrefix(r, "Run deep diagnostics"))
	}
}

func TestRun_EscalationWithoutMachine(t *testing.T) {
	c := newController(t, &Config{DryRun: true, AutoEscalate: true})
	store := artifact.NewMemoryStore(map[string]string{"src/run.js": "export const run = (code) => eval(code);\n"})

	report, err := c.Run(context.Background(), Request{Store: store, Problem: "eval in runner"})
	require.NoError(t, err)
	assert.True(t, report.Escalation.Recommended)
	assert.Equal(t, "eval in runner", report.Escalation.Problem)
	assert.Nil(t, report.Diagnostic)
	assert.Contains(t, report.Recommendations, "Run deep diagnostics: 1 critical finding(s) not fixed.")
}

func TestRun_RequiresStore(t *testing.T) {
	_, err := newController(t, nil).Run(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoStore)

	_, err = NewController(nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestRunAll(t *testing.T) {
	scanner := newScanner(t)
	factory := func() (*Controller, error) {
		return NewController(&Config{DryRun: false}, scanner, nil, nil)
	}
	a := artifact.NewMemoryStore(map[string]string{"src/orders.js": unboundedRetry})
	b := artifact.NewMemoryStore(map[string]string{"src/cart.js": cart})

	reports, err := RunAll(context.Background(), factory, []Request{
		{ID: "a", Store: a},
		{ID: "b", Store: b},
		{ID: "c"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoStore)

	require.Len(t, reports, 3)
	assert.Equal(t, "a", reports[0].ID)
	assert.Equal(t, 1, reports[0].Summary.Applied)
	assert.Equal(t, "b", reports[1].ID)
	assert.Equal(t, RecommendNoDefects, reports[1].Summary.Recommendation)
	assert.Nil(t, reports[2])

	got, err := b.Read(context.Background(), "src/cart.js")
	require.NoError(t, err)
	assert.Equal(t, cart, got)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateIdle, StateScanning))
	assert.True(t, CanTransition(StateVerifying, StateCompleted))
	assert.True(t, CanTransition(StateAuditing, StateFailed))
	assert.False(t, CanTransition(StateIdle, StateRemediating))
	assert.False(t, CanTransition(StateRemediating, StateScanning))
	assert.False(t, CanTransition(StateCompleted, StateFailed))
	assert.False(t, CanTransition(StateFailed, StateScanning))
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateAuditing.Terminal())
}

func TestStageError(t *testing.T) {
	err := &StageError{
		Stage:      StateVerifying,
		Completed:  []State{StateScanning, StateRemediating},
		RolledBack: false,
		Err:        artifact.ErrNotFound,
	}
	assert.Equal(t, "mission failed during verifying (completed: scanning, remediating): artifact not found", err.Error())
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestTerminalRecommendation(t *testing.T) {
	tests := []struct {
		name   string
		report Report
		sum    Summary
		want   string
	}{
		{"no findings", Report{Status: StateCompleted}, Summary{}, RecommendNoDefects},
		{"warnings", Report{Status: StateCompleted}, Summary{Findings: 2, VerificationWarnings: 1}, RecommendReview},
		{"verified", Report{Status: StateCompleted}, Summary{Findings: 2}, RecommendVerified},
		{"failed", Report{Status: StateFailed, FailedStage: StateAuditing}, Summary{}, "Mission failed during auditing; inspect partial report."},
		{"rolled back", Report{Status: StateFailed, FailedStage: StateRemediating, RolledBack: true}, Summary{}, "Mission failed during remediating; inspect partial report; rollback performed."},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, terminalRecommendation(&tc.report, tc.sum))
		})
	}
}

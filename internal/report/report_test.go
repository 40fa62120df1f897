package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/fixd/internal/audit"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/mission"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
	"github.com/fyrsmithlabs/fixd/internal/remediation"
	"github.com/fyrsmithlabs/fixd/internal/secrets"
)

func sampleMission() *mission.Report {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	score := 50
	return &mission.Report{
		ID:         "01HQMISSION",
		Status:     mission.StateCompleted,
		Timestamp:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		DryRun:     true,
		Analysis: &detector.AnalysisReport{
			Findings: []detector.Finding{{
				ID:             "F-abc",
				Category:       detector.InfiniteRecursion,
				Severity:       detector.Critical,
				Confidence:     0.6,
				SourceArtifact: "src/orders.js",
				Evidence:       detector.Evidence{Match: "return await retryFn(id, count+1)", Line: 1},
				Description:    "Self-retrying call without an attempt bound",
			}},
			Summary: detector.Summary{Critical: 1, Total: 1},
		},
		Fix: &remediation.FixReport{
			Status: remediation.ReportDryRun,
			Fixes: []remediation.FixRecord{{
				ID: "x1", Artifact: "src/orders.js", Category: detector.InfiniteRecursion, Status: remediation.StatusPlanned,
			}},
		},
		Summary: mission.Summary{
			Findings: 1, Critical: 1, Fixes: 1, Planned: 1, VerificationsPassed: 1,
			HealthScore:    &score,
			Recommendation: mission.RecommendVerified,
		},
		Recommendations: []string{mission.RecommendVerified},
	}
}

func TestStore_SaveLoadList(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	s, err := NewStore(dir, nil)
	require.NoError(t, err)

	in := sampleMission()
	path, err := s.Save(KindMission, in.ID, in)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "mission-01HQMISSION.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"timestamp", "status", "recommendations", "summary", "analysis", "fix"} {
		assert.Contains(t, raw, key)
	}

	var out mission.Report
	require.NoError(t, s.Load(KindMission, in.ID, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, mission.StateCompleted, out.Status)
	assert.Equal(t, 50, *out.Summary.HealthScore)

	_, err = s.Save(KindMission, "01HQOTHER", in)
	require.NoError(t, err)
	_, err = s.Save(KindAudit, "a1", &audit.Report{})
	require.NoError(t, err)

	ids, err := s.List(KindMission)
	require.NoError(t, err)
	assert.Equal(t, []string{"01HQMISSION", "01HQOTHER"}, ids)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "no temp files left behind")
}

func TestStore_InvalidID(t *testing.T) {
	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	for _, id := range []string{"", "../escape", "a/b", ".hidden"} {
		_, err := s.Save(KindMission, id, struct{}{})
		assert.True(t, errors.Is(err, ErrInvalidID), id)
	}
	assert.Error(t, s.Load(KindMission, "missing", &mission.Report{}))
}

func TestStore_RedactsCredentials(t *testing.T) {
	r, err := secrets.New()
	require.NoError(t, err)
	s, err := NewStore(t.TempDir(), nil, WithRedactor(r))
	require.NoError(t, err)

	rep := sampleMission()
	rep.Escalation = mission.Escalation{Problem: "checkout fails with postgres://shop:hunter22@db/orders"}
	path, err := s.Save(KindMission, rep.ID, rep)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter22")

	var loaded mission.Report
	require.NoError(t, s.Load(KindMission, rep.ID, &loaded))
	assert.Equal(t, "checkout fails with postgres://shop:[REDACTED]@db/orders", loaded.Escalation.Problem)
	assert.Equal(t, rep.Status, loaded.Status)
}

func TestEncode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())
}

func TestMission(t *testing.T) {
	out := Mission(sampleMission())
	assert.Contains(t, out, "01HQMISSION")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "dry run")
	assert.Contains(t, out, "1 (1 critical)")
	assert.Contains(t, out, "src/orders.js:1")
	assert.Contains(t, out, "60%")
	assert.Contains(t, out, "50/100")
	assert.Contains(t, out, mission.RecommendVerified)
}

func TestMission_Failed(t *testing.T) {
	r := &mission.Report{
		ID:          "m2",
		Status:      mission.StateFailed,
		FailedStage: mission.StateRemediating,
		Error:       "disk full",
		Escalation:  mission.Escalation{Recommended: true, Reasons: []string{"remediation rolled back"}},
		Recommendations: []string{
			"Mission failed during remediating; inspect partial report; rollback performed.",
		},
	}
	out := Mission(r)
	assert.Contains(t, out, "remediating")
	assert.Contains(t, out, "disk full")
	assert.Contains(t, out, "remediation rolled back")
	assert.Contains(t, out, "rollback performed")
}

func TestAnalysis(t *testing.T) {
	assert.Contains(t, Analysis(&detector.AnalysisReport{}), "no defects detected")

	a := sampleMission().Analysis
	a.Recommendations = []detector.Recommendation{{Priority: detector.PriorityCritical, Category: detector.InfiniteRecursion, Action: "Bound every retry loop"}}
	out := Analysis(a)
	assert.Contains(t, out, "1 critical, 0 warning, 0 info")
	assert.Contains(t, out, "[critical] Bound every retry loop")
}

func TestAudit(t *testing.T) {
	out := Audit(&audit.Report{
		SessionRef:  "/tmp/sessions",
		HealthScore: 75,
		FileCount:   60,
		TotalBytes:  2048,
		Layers: []audit.LayerStatus{
			{Layer: audit.Layer("memory"), Available: true, Reliability: audit.Reliability("low")},
			{Layer: audit.Layer("cache"), Available: false, Reliability: audit.Reliability("highest")},
		},
		Recommendations: []string{"Run session cleanup"},
	})
	assert.Contains(t, out, "/tmp/sessions")
	assert.Contains(t, out, "75/100")
	assert.Contains(t, out, "60 (2.0 KB)")
	assert.Contains(t, out, "✓ memory")
	assert.Contains(t, out, "✗ cache")
	assert.Contains(t, out, "Run session cleanup")
}

func TestRootCause(t *testing.T) {
	out := RootCause(&reasoning.ConsolidatedReport{
		Confidence: 0.72,
		Causes:     []reasoning.Cause{{Description: "Retry loop has no attempt bound", Strategy: reasoning.Strategy("five_whys"), Confidence: 0.8}},
	})
	assert.Contains(t, out, "72%")
	assert.Contains(t, out, "Retry loop has no attempt bound")
	assert.Contains(t, RootCause(&reasoning.ConsolidatedReport{}), "no cause above threshold")
}

func TestSession(t *testing.T) {
	s := &diagnostic.Session{
		ID:           "d1",
		Problem:      "orders hang",
		Status:       diagnostic.StatusFailed,
		CurrentPhase: diagnostic.Phase(2),
		PhaseResults: []diagnostic.PhaseResult{
			{Phase: 1, Name: "problem_scope", Summary: "scoped to 1 category"},
			{Phase: 2, Name: "information_gathering", Summary: "1 finding"},
		},
		Error: "phase 3 failed",
	}
	out := Session(s)
	assert.Contains(t, out, "orders hang")
	assert.Contains(t, out, "scoped to 1 category")
	assert.Contains(t, out, "3 ✗")
	assert.Contains(t, out, "phase 3 failed")
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.5 KB", FormatBytes(1536))
	assert.Equal(t, "10.0 MB", FormatBytes(10*1024*1024))
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "1.5s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2m 5s", FormatDuration(125*time.Second))
	assert.Equal(t, "35%", FormatConfidence(0.35))
}

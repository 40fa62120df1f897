package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/fixd/internal/audit"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/hostinfo"
	"github.com/fyrsmithlabs/fixd/internal/learning"
	"github.com/fyrsmithlabs/fixd/internal/mission"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
	"github.com/fyrsmithlabs/fixd/internal/sessionlog"
)

const unboundedRetry = "async function retryFn(id, count = 0) { const res = await fetch(`/api/orders/${id}`); if (!res.ok) { return await retryFn(id, count+1); } return res.json(); }"

var calmHost = hostinfo.Snapshot{OS: "linux", CPUCount: 4, CPUPercent: 12, MemoryTotal: 8 << 30, MemoryPercent: 40}

func setupTestServer(t *testing.T, cfg *Config) (*Server, Services) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	scanner, err := detector.NewScanner(&detector.Config{MinConfidence: 0.3}, nil)
	require.NoError(t, err)
	reasoner := reasoning.NewEngine(nil, learning.NewMemoryStore(0), nil)
	sessions := sessionlog.NewMemoryLog()

	missions, err := mission.NewController(&mission.Config{DryRun: true}, scanner, nil, logger)
	require.NoError(t, err)
	machine, err := diagnostic.NewMachine(nil, scanner, reasoner, logger,
		diagnostic.WithSessionLog(sessions),
		diagnostic.WithHostCollector(hostinfo.Static(calmHost)),
	)
	require.NoError(t, err)

	svc := Services{
		Scanner:     scanner,
		Missions:    missions,
		Diagnostics: machine,
		Auditor:     audit.NewAuditor(nil, hostinfo.Static(calmHost), nil),
		Reasoner:    reasoner,
		Sessions:    sessions,
	}
	server, err := NewServer(svc, logger, cfg)
	require.NoError(t, err)
	return server, svc
}

func do(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, _ := setupTestServer(t, nil)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9393, server.config.Port)
		assert.Equal(t, "4M", server.config.BodyLimit)
		assert.Nil(t, server.limiter)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		scanner, err := detector.NewScanner(nil, nil)
		require.NoError(t, err)
		_, err = NewServer(Services{Scanner: scanner}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when scanner is nil", func(t *testing.T) {
		_, err := NewServer(Services{}, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scanner cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t, &Config{Host: "localhost", Port: 9393, Version: "1.2.3"})

	rec := do(t, server, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	decode(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestHandleStatus(t *testing.T) {
	server, svc := setupTestServer(t, nil)
	now := time.Now()
	ctx := context.Background()
	require.NoError(t, svc.Sessions.Create(ctx, sessionlog.SessionRecord{ID: "a", Problem: "p", CreatedAt: now}))
	require.NoError(t, svc.Sessions.Create(ctx, sessionlog.SessionRecord{ID: "b", Problem: "p", CreatedAt: now}))
	require.NoError(t, svc.Sessions.Finish(ctx, "b", sessionlog.StatusFailed, "boom"))

	rec := do(t, server, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	decode(t, rec, &resp)
	assert.Equal(t, "ok", resp.Services["missions"])
	assert.Equal(t, "ok", resp.Services["sessions"])
	require.NotNil(t, resp.Sessions)
	assert.Equal(t, SessionCounts{InProgress: 1, Failed: 1}, *resp.Sessions)
}

func TestHandleScan(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	t.Run("json report", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/scan", ScanRequest{
			Artifacts: map[string]string{"src/orders.js": unboundedRetry},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var report detector.AnalysisReport
		decode(t, rec, &report)
		require.Len(t, report.Findings, 1)
		assert.Equal(t, detector.InfiniteRecursion, report.Findings[0].Category)
		assert.Equal(t, 1, report.Summary.Critical)
	})

	t.Run("sarif report", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/scan", ScanRequest{
			Artifacts: map[string]string{"src/orders.js": unboundedRetry},
			Format:    "sarif",
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var doc map[string]interface{}
		decode(t, rec, &doc)
		assert.Equal(t, "2.1.0", doc["version"])
		assert.Len(t, doc["runs"], 1)
	})

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing artifacts", ScanRequest{}},
		{"unknown format", ScanRequest{Artifacts: map[string]string{"a.js": "x"}, Format: "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, server, http.MethodPost, "/api/v1/scan", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/scan", strings.NewReader("{"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleMission(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	t.Run("dry run leaves artifacts untouched", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/missions", MissionRequest{
			Name:      "orders",
			Artifacts: map[string]string{"src/orders.js": unboundedRetry},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp MissionResponse
		decode(t, rec, &resp)
		require.NotNil(t, resp.Report)
		assert.Equal(t, mission.StateCompleted, resp.Report.Status)
		assert.True(t, resp.Report.DryRun)
		assert.Equal(t, 1, resp.Report.Summary.Planned)
		assert.Empty(t, resp.Artifacts)
	})

	t.Run("apply returns remediated artifacts", func(t *testing.T) {
		dryRun := false
		rec := do(t, server, http.MethodPost, "/api/v1/missions", MissionRequest{
			Artifacts: map[string]string{"src/orders.js": unboundedRetry},
			DryRun:    &dryRun,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp MissionResponse
		decode(t, rec, &resp)
		assert.False(t, resp.Report.DryRun)
		assert.Equal(t, 1, resp.Report.Summary.Applied)
		assert.Contains(t, resp.Artifacts["src/orders.js"], "MAX_RETRY_ATTEMPTS")
	})

	t.Run("missing artifacts", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/missions", MissionRequest{Name: "empty"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleDiagnostic(t *testing.T) {
	server, svc := setupTestServer(t, nil)

	rec := do(t, server, http.MethodPost, "/api/v1/diagnostics", DiagnosticRequest{
		Problem:   "Orders page hangs: retryFn keeps retrying the order fetch",
		Artifacts: map[string]string{"src/orders.js": unboundedRetry},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp DiagnosticResponse
	decode(t, rec, &resp)
	require.NotNil(t, resp.Session)
	assert.Equal(t, diagnostic.StatusCompleted, resp.Session.Status)
	assert.Len(t, resp.Session.PhaseResults, len(diagnostic.Phases()))

	t.Run("session is retrievable", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/sessions/"+resp.Session.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var entry sessionlog.Entry
		decode(t, rec, &entry)
		assert.Equal(t, resp.Session.ID, entry.Session.ID)
		assert.Equal(t, sessionlog.StatusCompleted, entry.Session.Status)
		assert.Len(t, entry.Phases, len(diagnostic.Phases()))
	})

	t.Run("session is listed", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/sessions?limit=5", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var list SessionListResponse
		decode(t, rec, &list)
		require.Len(t, list.Sessions, 1)
		assert.Equal(t, resp.Session.ID, list.Sessions[0].ID)
	})

	t.Run("unknown session", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/sessions/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid limit", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/api/v1/sessions?limit=zero", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty problem", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/api/v1/diagnostics", DiagnosticRequest{Problem: "  "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	records, err := svc.Sessions.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestHandleAudit(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	rec := do(t, server, http.MethodPost, "/api/v1/audit", AuditRequest{SessionRef: t.TempDir()})
	require.Equal(t, http.StatusOK, rec.Code)

	var report audit.Report
	decode(t, rec, &report)
	assert.Equal(t, 0, report.FileCount)
	assert.NotEmpty(t, report.Layers)

	rec = do(t, server, http.MethodPost, "/api/v1/audit", AuditRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRootCause(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	rec := do(t, server, http.MethodPost, "/api/v1/rootcause", RootCauseRequest{
		Statement:  "database connections are never released after timeout",
		Components: []string{"orders-db"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var report reasoning.ConsolidatedReport
	decode(t, rec, &report)
	assert.Equal(t, "database connections are never released after timeout", report.Problem.Statement)

	rec = do(t, server, http.MethodPost, "/api/v1/rootcause", RootCauseRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnavailableServices(t *testing.T) {
	scanner, err := detector.NewScanner(nil, nil)
	require.NoError(t, err)
	server, err := NewServer(Services{Scanner: scanner}, zaptest.NewLogger(t), nil)
	require.NoError(t, err)

	routes := []struct {
		method, path string
		body         interface{}
	}{
		{http.MethodPost, "/api/v1/missions", MissionRequest{Artifacts: map[string]string{"a.js": "x"}}},
		{http.MethodPost, "/api/v1/diagnostics", DiagnosticRequest{Problem: "p"}},
		{http.MethodGet, "/api/v1/sessions", nil},
		{http.MethodGet, "/api/v1/sessions/abc", nil},
		{http.MethodPost, "/api/v1/audit", AuditRequest{SessionRef: "x"}},
		{http.MethodPost, "/api/v1/rootcause", RootCauseRequest{Statement: "x"}},
	}
	for _, r := range routes {
		t.Run(r.path, func(t *testing.T) {
			rec := do(t, server, r.method, r.path, r.body)
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}

	rec := do(t, server, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	decode(t, rec, &resp)
	assert.Equal(t, "disabled", resp.Services["missions"])
	assert.Nil(t, resp.Sessions)
}

func TestRateLimit(t *testing.T) {
	server, _ := setupTestServer(t, &Config{Host: "localhost", Port: 9393, RateLimit: 0.001, RateBurst: 2})
	require.NotNil(t, server.limiter)

	for i := 0; i < 2; i++ {
		rec := do(t, server, http.MethodGet, "/api/v1/status", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := do(t, server, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Health is outside the limited group.
	rec = do(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPLimiter_HourlyReset(t *testing.T) {
	l := newIPLimiter(0.001, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	assert.True(t, l.get("10.0.0.1").Allow())
	assert.False(t, l.get("10.0.0.1").Allow())
	assert.True(t, l.get("10.0.0.2").Allow())

	now = now.Add(2 * time.Hour)
	assert.True(t, l.get("10.0.0.1").Allow())
}

func TestBodyLimit(t *testing.T) {
	server, _ := setupTestServer(t, &Config{Host: "localhost", Port: 9393, BodyLimit: "1K"})

	rec := do(t, server, http.MethodPost, "/api/v1/scan", ScanRequest{
		Artifacts: map[string]string{"big.js": strings.Repeat("x", 4096)},
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := setupTestServer(t, nil)

	rec := do(t, server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

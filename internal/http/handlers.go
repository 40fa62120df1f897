package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/audit"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/logging"
	"github.com/fyrsmithlabs/fixd/internal/mission"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
	"github.com/fyrsmithlabs/fixd/internal/sessionlog"
)

const defaultSessionLimit = 20

func unavailable(name string) error {
	return echo.NewHTTPError(http.StatusServiceUnavailable, name+" is not enabled")
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

func (s *Server) handleStatus(c echo.Context) error {
	enabled := func(ok bool) string {
		if ok {
			return "ok"
		}
		return "disabled"
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "ok",
		Version: s.config.Version,
		Services: map[string]string{
			"scanner":     "ok",
			"missions":    enabled(s.svc.Missions != nil),
			"diagnostics": enabled(s.svc.Diagnostics != nil),
			"audit":       enabled(s.svc.Auditor != nil),
			"reasoning":   enabled(s.svc.Reasoner != nil),
			"sessions":    enabled(s.svc.Sessions != nil),
		},
		Sessions: CountSessions(c.Request().Context(), s.svc.Sessions),
	})
}

// handleScan scans inline artifacts.
func (s *Server) handleScan(c echo.Context) error {
	var req ScanRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid scan request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Artifacts) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "artifacts field is required")
	}

	report := s.svc.Scanner.Scan(c.Request().Context(), req.Artifacts)
	switch req.Format {
	case "", "json":
		return c.JSON(http.StatusOK, report)
	case "sarif":
		doc, err := detector.ToSARIF(report)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "sarif export failed")
		}
		return c.JSON(http.StatusOK, doc)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "format must be json or sarif")
	}
}

// handleMission runs a mission over inline artifacts. A failed mission
// answers 422 with the partial report.
func (s *Server) handleMission(c echo.Context) error {
	if s.svc.Missions == nil {
		return unavailable("missions")
	}
	var req MissionRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid mission request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Artifacts) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "artifacts field is required")
	}

	ctx := c.Request().Context()
	store := artifact.NewMemoryStore(req.Artifacts)
	report, err := s.svc.Missions.Run(ctx, mission.Request{
		Name:       req.Name,
		Store:      store,
		SessionRef: req.SessionRef,
		Problem:    req.Problem,
		DryRun:     req.DryRun,
	})
	if report == nil {
		s.logger.Error("mission rejected", logging.Fields(ctx, zap.Error(err))...)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp := MissionResponse{Report: report}
	if !report.DryRun && report.Summary.ArtifactsModified > 0 {
		if files, rerr := artifact.ReadAll(ctx, store); rerr == nil {
			resp.Artifacts = files
		}
	}
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusUnprocessableEntity, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// handleDiagnostic runs a deep diagnostic session. A failed session
// answers 422 with the completed phases.
func (s *Server) handleDiagnostic(c echo.Context) error {
	if s.svc.Diagnostics == nil {
		return unavailable("diagnostics")
	}
	var req DiagnosticRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	session, err := s.svc.Diagnostics.Run(c.Request().Context(), req.Problem, req.Artifacts)
	if errors.Is(err, diagnostic.ErrEmptyProblem) {
		return echo.NewHTTPError(http.StatusBadRequest, "problem field is required")
	}
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, DiagnosticResponse{Session: session, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, DiagnosticResponse{Session: session})
}

func (s *Server) handleListSessions(c echo.Context) error {
	if s.svc.Sessions == nil {
		return unavailable("sessions")
	}
	limit := defaultSessionLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	records, err := s.svc.Sessions.List(c.Request().Context(), limit)
	if err != nil {
		s.logger.Error("listing sessions failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "listing sessions failed")
	}
	return c.JSON(http.StatusOK, SessionListResponse{Sessions: records})
}

func (s *Server) handleGetSession(c echo.Context) error {
	if s.svc.Sessions == nil {
		return unavailable("sessions")
	}
	entry, err := s.svc.Sessions.Get(c.Request().Context(), c.Param("id"))
	if errors.Is(err, sessionlog.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		s.logger.Error("reading session failed", zap.String("session_id", c.Param("id")), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reading session failed")
	}
	return c.JSON(http.StatusOK, entry)
}

func (s *Server) handleAudit(c echo.Context) error {
	if s.svc.Auditor == nil {
		return unavailable("audit")
	}
	var req AuditRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	report, err := s.svc.Auditor.Audit(c.Request().Context(), req.SessionRef)
	if errors.Is(err, audit.ErrInvalidSessionRef) {
		return echo.NewHTTPError(http.StatusBadRequest, "session_ref field is required")
	}
	if err != nil {
		s.logger.Error("audit failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "audit failed")
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleRootCause(c echo.Context) error {
	if s.svc.Reasoner == nil {
		return unavailable("reasoning")
	}
	var req RootCauseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	report, err := s.svc.Reasoner.Analyze(c.Request().Context(), reasoning.Problem{
		Statement:  req.Statement,
		Context:    req.Context,
		Components: req.Components,
	})
	if errors.Is(err, reasoning.ErrEmptyProblem) {
		return echo.NewHTTPError(http.StatusBadRequest, "statement field is required")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "analysis failed")
	}
	return c.JSON(http.StatusOK, report)
}

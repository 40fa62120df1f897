package http

import (
	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/mission"
	"github.com/fyrsmithlabs/fixd/internal/sessionlog"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Services map[string]string `json:"services"`
	Sessions *SessionCounts    `json:"sessions,omitempty"`
}

// ScanRequest is the request body for POST /api/v1/scan.
type ScanRequest struct {
	Artifacts map[string]string `json:"artifacts"`
	Format    string            `json:"format,omitempty"` // json (default) or sarif
}

// MissionRequest is the request body for POST /api/v1/missions.
type MissionRequest struct {
	Name       string            `json:"name,omitempty"`
	Artifacts  map[string]string `json:"artifacts"`
	DryRun     *bool             `json:"dry_run,omitempty"`
	SessionRef string            `json:"session_ref,omitempty"`
	Problem    string            `json:"problem,omitempty"`
}

// MissionResponse carries the mission report and, for applied missions,
// the remediated artifact contents.
type MissionResponse struct {
	Report    *mission.Report   `json:"report"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// DiagnosticRequest is the request body for POST /api/v1/diagnostics.
type DiagnosticRequest struct {
	Problem   string            `json:"problem"`
	Artifacts map[string]string `json:"artifacts"`
}

// DiagnosticResponse carries a (possibly partial) diagnostic session.
type DiagnosticResponse struct {
	Session *diagnostic.Session `json:"session"`
	Error   string              `json:"error,omitempty"`
}

// AuditRequest is the request body for POST /api/v1/audit.
type AuditRequest struct {
	SessionRef string `json:"session_ref"`
}

// RootCauseRequest is the request body for POST /api/v1/rootcause.
type RootCauseRequest struct {
	Statement  string   `json:"statement"`
	Context    []string `json:"context,omitempty"`
	Components []string `json:"components,omitempty"`
}

// SessionListResponse is the response body for GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions []sessionlog.SessionRecord `json:"sessions"`
}

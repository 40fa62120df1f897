package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/mission"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
	"github.com/fyrsmithlabs/fixd/internal/report"
)

const (
	defaultSessionLimit = 20
	defaultSearchLimit  = 5
)

var errNoArtifacts = errors.New("artifacts or root is required")

// addTool registers a tool with the SDK and the registry, wrapping the
// handler with invocation metrics.
func addTool[In, Out any](s *Server, meta *ToolMetadata, h func(context.Context, In) (string, Out, error)) {
	s.toolRegistry.Register(meta)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        meta.Name,
		Description: meta.Description,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		done := s.metrics.begin(ctx, meta.Name)
		text, out, err := h(ctx, args)
		done(err)
		if err != nil {
			s.logger.Warn("tool failed", zap.String("tool", meta.Name), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})
}

func (s *Server) registerTools() {
	s.registerScanTool()
	if s.svc.Missions != nil {
		s.registerMissionTool()
	}
	if s.svc.Diagnostics != nil {
		s.registerDiagnoseTool()
	}
	if s.svc.Sessions != nil {
		s.registerSessionsTool()
	}
	if s.svc.Auditor != nil {
		s.registerAuditTool()
	}
	if s.svc.Reasoner != nil {
		s.registerRootCauseTool()
	}
	s.registerSearchTool()
}

// openStore returns an in-memory store over inline artifacts, or a
// filesystem store rooted at root.
func (s *Server) openStore(root string, inline map[string]string, readOnly bool) (artifact.Store, error) {
	if len(inline) > 0 {
		return artifact.NewMemoryStore(inline), nil
	}
	if root == "" {
		return nil, errNoArtifacts
	}
	opts := append([]artifact.FSOption{artifact.WithLogger(s.logger)}, s.fsOptions...)
	if readOnly {
		opts = append(opts, artifact.ReadOnly())
	}
	return artifact.NewFSStore(root, opts...)
}

func (s *Server) readArtifacts(ctx context.Context, root string, inline map[string]string) (map[string]string, error) {
	store, err := s.openStore(root, inline, true)
	if err != nil {
		return nil, err
	}
	return artifact.ReadAll(ctx, store)
}

// ===== SCAN =====

type scanInput struct {
	Root      string            `json:"root,omitempty" jsonschema:"Project directory to scan"`
	Artifacts map[string]string `json:"artifacts,omitempty" jsonschema:"Inline artifacts keyed by path"`
}

type findingOutput struct {
	ID          string            `json:"id"`
	Category    detector.Category `json:"category"`
	Severity    detector.Severity `json:"severity"`
	Artifact    string            `json:"artifact"`
	Line        int               `json:"line"`
	Confidence  float64           `json:"confidence"`
	Description string            `json:"description"`
}

type scanOutput struct {
	Findings         []findingOutput  `json:"findings" jsonschema:"Findings ordered by severity"`
	Summary          detector.Summary `json:"summary" jsonschema:"Finding counts by severity"`
	Recommendations  []string         `json:"recommendations" jsonschema:"Prioritized actions"`
	ArtifactsScanned int              `json:"artifacts_scanned" jsonschema:"Number of artifacts scanned"`
}

func (s *Server) registerScanTool() {
	addTool(s, &ToolMetadata{
		Name:        "fixd_scan",
		Description: "Scan code artifacts for recursion, leak, cleanup, error handling and injection defects",
		Category:    CategoryDetection,
		Keywords:    []string{"detect", "analyze", "defects", "findings"},
	}, func(ctx context.Context, args scanInput) (string, scanOutput, error) {
		files, err := s.readArtifacts(ctx, args.Root, args.Artifacts)
		if err != nil {
			return "", scanOutput{}, err
		}
		r := s.svc.Scanner.Scan(ctx, files)

		out := scanOutput{
			Findings:         make([]findingOutput, 0, len(r.Findings)),
			Summary:          r.Summary,
			Recommendations:  make([]string, 0, len(r.Recommendations)),
			ArtifactsScanned: r.ArtifactsScanned,
		}
		for _, f := range r.Findings {
			out.Findings = append(out.Findings, findingOutput{
				ID:          f.ID,
				Category:    f.Category,
				Severity:    f.Severity,
				Artifact:    f.SourceArtifact,
				Line:        f.Evidence.Line,
				Confidence:  f.Confidence,
				Description: f.Description,
			})
		}
		for _, rec := range r.Recommendations {
			out.Recommendations = append(out.Recommendations, fmt.Sprintf("[%s] %s", rec.Priority, rec.Action))
		}
		text := fmt.Sprintf("Scanned %d artifact(s): %d finding(s), %d critical", r.ArtifactsScanned, r.Summary.Total, r.Summary.Critical)
		return text, out, nil
	})
}

// ===== MISSION =====

type missionInput struct {
	Name       string            `json:"name,omitempty" jsonschema:"Mission name"`
	Root       string            `json:"root,omitempty" jsonschema:"Project directory to remediate in place"`
	Artifacts  map[string]string `json:"artifacts,omitempty" jsonschema:"Inline artifacts keyed by path"`
	DryRun     *bool             `json:"dry_run,omitempty" jsonschema:"Plan fixes without writing (default from configuration)"`
	SessionRef string            `json:"session_ref,omitempty" jsonschema:"Session storage directory to audit"`
	Problem    string            `json:"problem,omitempty" jsonschema:"Problem statement used if the mission escalates to diagnostics"`
}

type missionOutput struct {
	MissionID         string            `json:"mission_id"`
	Status            string            `json:"status"`
	DryRun            bool              `json:"dry_run"`
	Findings          int               `json:"findings"`
	Applied           int               `json:"applied"`
	Planned           int               `json:"planned"`
	Skipped           int               `json:"skipped"`
	ArtifactsModified int               `json:"artifacts_modified"`
	Escalate          bool              `json:"escalate" jsonschema:"True when deep diagnostics are recommended"`
	Recommendations   []string          `json:"recommendations"`
	Artifacts         map[string]string `json:"artifacts,omitempty" jsonschema:"Remediated inline artifacts"`
	ReportPath        string            `json:"report_path,omitempty"`
	Error             string            `json:"error,omitempty"`
}

func (s *Server) registerMissionTool() {
	addTool(s, &ToolMetadata{
		Name:        "fixd_mission",
		Description: "Run a full mission: scan, remediate, verify and audit, with rollback on failure",
		Category:    CategoryMission,
		Keywords:    []string{"fix", "remediate", "repair", "rollback"},
	}, func(ctx context.Context, args missionInput) (string, missionOutput, error) {
		store, err := s.openStore(args.Root, args.Artifacts, false)
		if err != nil {
			return "", missionOutput{}, err
		}
		r, err := s.svc.Missions.Run(ctx, mission.Request{
			Name:       args.Name,
			Store:      store,
			SessionRef: args.SessionRef,
			Problem:    args.Problem,
			DryRun:     args.DryRun,
		})
		if r == nil {
			return "", missionOutput{}, err
		}

		out := missionOutput{
			MissionID:         r.ID,
			Status:            string(r.Status),
			DryRun:            r.DryRun,
			Findings:          r.Summary.Findings,
			Applied:           r.Summary.Applied,
			Planned:           r.Summary.Planned,
			Skipped:           r.Summary.Skipped,
			ArtifactsModified: r.Summary.ArtifactsModified,
			Escalate:          r.Escalation.Recommended,
			Recommendations:   append([]string{}, r.Recommendations...),
		}
		if err != nil {
			out.Error = err.Error()
		}
		if len(args.Artifacts) > 0 && !r.DryRun && r.Summary.ArtifactsModified > 0 {
			if files, rerr := artifact.ReadAll(ctx, store); rerr == nil {
				out.Artifacts = files
			}
		}
		if s.svc.Reports != nil {
			path, serr := s.svc.Reports.Save(report.KindMission, r.ID, r)
			if serr != nil {
				s.logger.Warn("saving mission report failed", zap.String("mission_id", r.ID), zap.Error(serr))
			} else {
				out.ReportPath = path
			}
		}

		text := fmt.Sprintf("Mission %s %s: %s", r.ID, r.Status, r.Summary.Recommendation)
		return text, out, nil
	})
}

// ===== DIAGNOSE =====

type diagnoseInput struct {
	Problem   string            `json:"problem" jsonschema:"Problem statement to investigate"`
	Root      string            `json:"root,omitempty" jsonschema:"Project directory holding the evidence"`
	Artifacts map[string]string `json:"artifacts,omitempty" jsonschema:"Inline artifacts keyed by path"`
}

type diagnoseOutput struct {
	SessionID  string   `json:"session_id"`
	Status     string   `json:"status"`
	Phases     []string `json:"phases" jsonschema:"Completed phases in order"`
	RootCause  string   `json:"root_cause,omitempty"`
	Confirmed  bool     `json:"confirmed"`
	Resolved   bool     `json:"resolved"`
	Prevention []string `json:"prevention"`
	Error      string   `json:"error,omitempty"`
}

func (s *Server) registerDiagnoseTool() {
	addTool(s, &ToolMetadata{
		Name:        "fixd_diagnose",
		Description: "Run the eight-phase diagnostic process on a problem statement",
		Category:    CategoryDiagnostics,
		Keywords:    []string{"debug", "hypothesis", "root cause", "troubleshoot"},
	}, func(ctx context.Context, args diagnoseInput) (string, diagnoseOutput, error) {
		var files map[string]string
		if args.Root != "" || len(args.Artifacts) > 0 {
			var err error
			if files, err = s.readArtifacts(ctx, args.Root, args.Artifacts); err != nil {
				return "", diagnoseOutput{}, err
			}
		}
		sess, err := s.svc.Diagnostics.Run(ctx, args.Problem, files)
		if sess == nil {
			return "", diagnoseOutput{}, err
		}

		out := diagnoseOutput{
			SessionID:  sess.ID,
			Status:     string(sess.Status),
			Phases:     make([]string, 0, len(sess.PhaseResults)),
			Prevention: []string{},
		}
		for _, p := range sess.PhaseResults {
			out.Phases = append(out.Phases, p.Name)
		}
		if rc := sess.RootCause; rc != nil {
			out.Confirmed = rc.Confirmed
			for _, h := range sess.Hypotheses {
				if h.ID == rc.HypothesisID {
					out.RootCause = h.Description
				}
			}
		}
		if v := sess.Validation; v != nil {
			out.Resolved = v.Resolved
			for _, p := range v.Prevention {
				out.Prevention = append(out.Prevention, p.Action)
			}
		}
		if err != nil {
			out.Error = err.Error()
		}
		return describeSession(sess), out, nil
	})
}

func describeSession(sess *diagnostic.Session) string {
	if sess.Status == diagnostic.StatusFailed {
		return fmt.Sprintf("Session %s failed after %d phase(s): %s", sess.ID, len(sess.PhaseResults), sess.Error)
	}
	return fmt.Sprintf("Session %s %s after %d phase(s)", sess.ID, sess.Status, len(sess.PhaseResults))
}

// ===== SESSIONS =====

type sessionsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"Maximum sessions to return (default: 20)"`
}

type sessionOutput struct {
	ID        string `json:"id"`
	Problem   string `json:"problem"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type sessionsOutput struct {
	Sessions []sessionOutput `json:"sessions"`
	Count    int             `json:"count"`
}

func (s *Server) registerSessionsTool() {
	addTool(s, &ToolMetadata{
		Name:        "fixd_sessions",
		Description: "List recent diagnostic sessions, newest first",
		Category:    CategoryDiagnostics,
		Keywords:    []string{"history", "log"},
	}, func(ctx context.Context, args sessionsInput) (string, sessionsOutput, error) {
		limit := args.Limit
		if limit <= 0 {
			limit = defaultSessionLimit
		}
		records, err := s.svc.Sessions.List(ctx, limit)
		if err != nil {
			return "", sessionsOutput{}, fmt.Errorf("listing sessions: %w", err)
		}
		out := sessionsOutput{Sessions: make([]sessionOutput, 0, len(records)), Count: len(records)}
		for _, r := range records {
			out.Sessions = append(out.Sessions, sessionOutput{
				ID:        r.ID,
				Problem:   r.Problem,
				Status:    r.Status,
				CreatedAt: r.CreatedAt.Format(time.RFC3339),
			})
		}
		return fmt.Sprintf("Found %d session(s)", out.Count), out, nil
	})
}

// ===== AUDIT =====

type auditInput struct {
	SessionRef string `json:"session_ref" jsonschema:"Session storage directory to audit"`
}

type layerOutput struct {
	Layer       string `json:"layer"`
	Available   bool   `json:"available"`
	Reliability string `json:"reliability"`
}

type auditOutput struct {
	HealthScore     int           `json:"health_score"`
	FileCount       int           `json:"file_count"`
	TotalBytes      int64         `json:"total_bytes"`
	StaleFiles      int           `json:"stale_files"`
	Layers          []layerOutput `json:"layers"`
	Recommendations []string      `json:"recommendations"`
}

func (s *Server) registerAuditTool() {
	addTool(s, &ToolMetadata{
		Name:        "fixd_audit",
		Description: "Audit session storage health and memory layer availability",
		Category:    CategoryAudit,
		Keywords:    []string{"health", "storage", "memory"},
	}, func(ctx context.Context, args auditInput) (string, auditOutput, error) {
		r, err := s.svc.Auditor.Audit(ctx, args.SessionRef)
		if err != nil {
			return "", auditOutput{}, err
		}
		out := auditOutput{
			HealthScore:     r.HealthScore,
			FileCount:       r.FileCount,
			TotalBytes:      r.TotalBytes,
			StaleFiles:      r.StaleFiles,
			Layers:          make([]layerOutput, 0, len(r.Layers)),
			Recommendations: append([]string{}, r.Recommendations...),
		}
		for _, l := range r.Layers {
			out.Layers = append(out.Layers, layerOutput{
				Layer:       string(l.Layer),
				Available:   l.Available,
				Reliability: string(l.Reliability),
			})
		}
		return fmt.Sprintf("Health %d/100 across %d file(s)", r.HealthScore, r.FileCount), out, nil
	})
}

// ===== ROOT CAUSE =====

type rootCauseInput struct {
	Statement  string   `json:"statement" jsonschema:"Problem statement"`
	Context    []string `json:"context,omitempty" jsonschema:"Supporting observations"`
	Components []string `json:"components,omitempty" jsonschema:"Affected components"`
}

type causeOutput struct {
	Description string  `json:"description"`
	Strategy    string  `json:"strategy"`
	Confidence  float64 `json:"confidence"`
}

type rootCauseOutput struct {
	Confidence      float64       `json:"confidence"`
	Causes          []causeOutput `json:"causes"`
	Recommendations []string      `json:"recommendations"`
}

func (s *Server) registerRootCauseTool() {
	addTool(s, &ToolMetadata{
		Name:        "fixd_root_cause",
		Description: "Rank likely root causes using five whys, fishbone and failure mode analysis",
		Category:    CategoryReasoning,
		Keywords:    []string{"why", "fishbone", "fmea", "analysis"},
	}, func(ctx context.Context, args rootCauseInput) (string, rootCauseOutput, error) {
		r, err := s.svc.Reasoner.Analyze(ctx, reasoning.Problem{
			Statement:  args.Statement,
			Context:    args.Context,
			Components: args.Components,
		})
		if err != nil {
			return "", rootCauseOutput{}, err
		}
		out := rootCauseOutput{
			Confidence:      r.Confidence,
			Causes:          make([]causeOutput, 0, len(r.Causes)),
			Recommendations: make([]string, 0, len(r.Recommendations)),
		}
		for _, c := range r.Causes {
			out.Causes = append(out.Causes, causeOutput{
				Description: c.Description,
				Strategy:    string(c.Strategy),
				Confidence:  c.Confidence,
			})
		}
		for _, rec := range r.Recommendations {
			out.Recommendations = append(out.Recommendations, rec.Action)
		}
		if len(out.Causes) == 0 {
			return "No cause above threshold", out, nil
		}
		return fmt.Sprintf("Top cause (%.0f%%): %s", out.Causes[0].Confidence*100, out.Causes[0].Description), out, nil
	})
}

// ===== TOOL SEARCH =====

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Search query or regular expression matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Restrict results to one category"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

type toolMatch struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Score       int    `json:"score"`
}

type toolSearchOutput struct {
	Results []toolMatch `json:"results"`
	Count   int         `json:"count"`
}

func (s *Server) registerSearchTool() {
	addTool(s, &ToolMetadata{
		Name:        "tool_search",
		Description: "Find fixd tools by name, description or keyword",
		Category:    CategorySearch,
	}, func(ctx context.Context, args toolSearchInput) (string, toolSearchOutput, error) {
		if strings.TrimSpace(args.Query) == "" {
			return "", toolSearchOutput{}, errors.New("query is required")
		}
		limit := args.Limit
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		out := toolSearchOutput{Results: []toolMatch{}}
		for _, r := range s.toolRegistry.Search(args.Query) {
			if args.Category != "" && string(r.Tool.Category) != args.Category {
				continue
			}
			out.Results = append(out.Results, toolMatch{
				Name:        r.Tool.Name,
				Description: r.Tool.Description,
				Category:    string(r.Tool.Category),
				Score:       r.Score,
			})
			if len(out.Results) == limit {
				break
			}
		}
		out.Count = len(out.Results)
		return fmt.Sprintf("Found %d tool(s)", out.Count), out, nil
	})
}

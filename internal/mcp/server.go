package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/audit"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/mission"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
	"github.com/fyrsmithlabs/fixd/internal/report"
	"github.com/fyrsmithlabs/fixd/internal/sessionlog"
)

// Services are the components the tools call. Scanner is required; tools
// for nil components are not registered.
type Services struct {
	Scanner     *detector.Scanner
	Missions    *mission.Controller
	Diagnostics *diagnostic.Machine
	Auditor     *audit.Auditor
	Reasoner    *reasoning.Engine
	Sessions    sessionlog.Log

	// Reports, when set, receives every mission report.
	Reports *report.Store
}

// Server is an MCP server that calls internal packages directly.
type Server struct {
	mcp          *mcp.Server
	svc          Services
	fsOptions    []artifact.FSOption
	toolRegistry *ToolRegistry
	metrics      *toolMetrics
	logger       *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "fixd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	Logger *zap.Logger

	// FSOptions apply when a tool reads artifacts from a project root.
	FSOptions []artifact.FSOption
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "fixd",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server and registers its tools.
func NewServer(cfg *Config, svc Services) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Name == "" {
		cfg.Name = "fixd"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if svc.Scanner == nil {
		return nil, fmt.Errorf("scanner is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:          mcpServer,
		svc:          svc,
		fsOptions:    cfg.FSOptions,
		toolRegistry: NewToolRegistry(),
		metrics:      newToolMetrics(nil, cfg.Logger),
		logger:       cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Tools returns the metadata of every registered tool.
func (s *Server) Tools() []*ToolMetadata {
	return s.toolRegistry.List()
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session over t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

// Close closes the session log.
func (s *Server) Close() error {
	s.logger.Info("closing MCP server")
	if s.svc.Sessions != nil {
		if err := s.svc.Sessions.Close(); err != nil {
			return fmt.Errorf("session log close: %w", err)
		}
	}
	return nil
}

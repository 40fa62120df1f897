package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/artifact"
	"github.com/fyrsmithlabs/fixd/internal/config"
	httpserver "github.com/fyrsmithlabs/fixd/internal/http"
	mcpserver "github.com/fyrsmithlabs/fixd/internal/mcp"
)

var (
	serveHost string
	servePort int
	serveRoot string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "localhost", "Address to bind")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (default: server.port)")
	serveCmd.Flags().StringVar(&serveRoot, "root", ".", "Project root for rule allowlists and recent changes")

	mcpCmd.Flags().StringVar(&serveRoot, "root", ".", "Project root for rule allowlists and recent changes")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the fixd HTTP API",
	Long: `Start the HTTP API. Artifacts are posted with each request, so the
server never writes to disk except the session log.

Endpoints:
  GET  /health
  GET  /metrics
  GET  /api/v1/status
  POST /api/v1/scan
  POST /api/v1/missions
  POST /api/v1/diagnostics
  GET  /api/v1/sessions[/:id]
  POST /api/v1/audit
  POST /api/v1/rootcause`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	svc, err := a.services(serveRoot)
	if err != nil {
		return err
	}
	port := servePort
	if port == 0 {
		port = a.cfg.Server.Port
	}
	srv, err := httpserver.NewServer(httpserver.Services{
		Scanner:     svc.scanner,
		Missions:    svc.missions,
		Diagnostics: svc.machine,
		Auditor:     svc.auditor,
		Reasoner:    svc.reasoner,
		Sessions:    a.sessions,
	}, a.logger, &httpserver.Config{
		Host:      serveHost,
		Port:      port,
		RateLimit: a.cfg.Server.RateLimit,
		RateBurst: a.cfg.Server.RateBurst,
		Version:   version,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	timeout := a.cfg.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a.logger.Info("shutdown signal received", zap.Duration("shutdown_timeout", timeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve fixd tools over MCP stdio",
	Long: `Run an MCP server on stdin/stdout exposing fixd_scan, fixd_mission,
fixd_diagnose, fixd_sessions, fixd_audit, fixd_root_cause and tool_search.

Logs go to stderr so they never interleave with the protocol stream.

Example client configuration:
  {"mcpServers": {"fixd": {"command": "fixd", "args": ["mcp"]}}}`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, func(c *config.Config) { c.Logging.Output = "stderr" })
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	svc, err := a.services(serveRoot)
	if err != nil {
		return err
	}
	srv, err := mcpserver.NewServer(&mcpserver.Config{
		Name:    "fixd",
		Version: version,
		Logger:  a.logger,
		FSOptions: []artifact.FSOption{
			artifact.WithExtensions(a.cfg.Detector.Extensions...),
			artifact.WithMaxFileSize(a.cfg.Detector.MaxFileSizeKB * 1024),
			artifact.WithLogger(a.logger),
		},
	}, mcpserver.Services{
		Scanner:     svc.scanner,
		Missions:    svc.missions,
		Diagnostics: svc.machine,
		Auditor:     svc.auditor,
		Reasoner:    svc.reasoner,
		Sessions:    a.sessions,
		Reports:     a.reports,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// Package http provides the fixd REST API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/fixd/internal/audit"
	"github.com/fyrsmithlabs/fixd/internal/detector"
	"github.com/fyrsmithlabs/fixd/internal/diagnostic"
	"github.com/fyrsmithlabs/fixd/internal/logging"
	"github.com/fyrsmithlabs/fixd/internal/mission"
	"github.com/fyrsmithlabs/fixd/internal/reasoning"
	"github.com/fyrsmithlabs/fixd/internal/sessionlog"
)

// Services are the components exposed over HTTP. Scanner is required;
// routes for nil components answer 503.
type Services struct {
	Scanner     *detector.Scanner
	Missions    *mission.Controller
	Diagnostics *diagnostic.Machine
	Auditor     *audit.Auditor
	Reasoner    *reasoning.Engine
	Sessions    sessionlog.Log
}

// Server provides HTTP endpoints for fixd.
type Server struct {
	echo    *echo.Echo
	svc     Services
	logger  *zap.Logger
	config  *Config
	limiter *ipLimiter
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RateLimit is requests per second per client IP on /api/v1 routes.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int

	// BodyLimit caps request bodies, e.g. "4M".
	BodyLimit string

	Version string
}

// NewServer creates a new HTTP server.
func NewServer(svc Services, logger *zap.Logger, cfg *Config) (*Server, error) {
	if svc.Scanner == nil {
		return nil, fmt.Errorf("scanner cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9393,
		}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "4M"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(instrument())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(c.Request().WithContext(logging.WithRequestID(c.Request().Context(), reqID)))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
			return nil
		}
	})
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	s := &Server{
		echo:   e,
		svc:    svc,
		logger: logger,
		config: cfg,
	}
	if cfg.RateLimit > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	if s.limiter != nil {
		v1.Use(s.limiter.middleware(s.logger))
	}
	v1.GET("/status", s.handleStatus)
	v1.POST("/scan", s.handleScan)
	v1.POST("/missions", s.handleMission)
	v1.POST("/diagnostics", s.handleDiagnostic)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/audit", s.handleAudit)
	v1.POST("/rootcause", s.handleRootCause)
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

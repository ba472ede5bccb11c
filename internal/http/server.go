// Package http provides the operator HTTP API for phased.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/approval"
	"github.com/fyrsmithlabs/phased/internal/orchestrator"
	"github.com/fyrsmithlabs/phased/internal/queue"
	"github.com/fyrsmithlabs/phased/internal/sanitize"
	"github.com/fyrsmithlabs/phased/internal/secrets"
)

// Orchestrator is the part of the driver the API exposes.
type Orchestrator interface {
	Run(ctx context.Context, goal, namespace string, phase orchestrator.Phase) (*orchestrator.RunResult, error)
	Status(ctx context.Context, namespace string) (*orchestrator.StatusReport, error)
	PendingApprovals(ctx context.Context, namespace string) ([]*approval.Record, error)
	ResolveApproval(ctx context.Context, id string, status approval.Status, resolver, note string) (*approval.Record, error)
}

// Server provides HTTP endpoints for phased.
type Server struct {
	echo     *echo.Echo
	orch     Orchestrator
	scrubber secrets.Scrubber
	logger   *zap.Logger
	config   *Config
	metrics  *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(orch Orchestrator, scrubber secrets.Scrubber, logger *zap.Logger, cfg *Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if scrubber == nil {
		return nil, fmt.Errorf("scrubber cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics := NewHTTPMetrics(logger)
	e.Use(metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	})

	s := &Server{
		echo:     e,
		orch:     orch,
		scrubber: scrubber,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleRun)
	v1.GET("/namespaces/:ns/status", s.handleStatus)
	v1.GET("/namespaces/:ns/approvals", s.handleListApprovals)
	v1.POST("/approvals/:id/resolve", s.handleResolve)
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Goal) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal field is required")
	}
	if err := sanitize.ValidateNamespace(req.Namespace); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	goal := s.scrub("goal", req.Goal)
	res, err := s.orch.Run(c.Request().Context(), goal, req.Namespace, orchestrator.Phase(req.Phase))
	if err != nil {
		return s.httpError(err)
	}
	s.metrics.RecordAction(c.Request().Context(), "run")
	return c.JSON(http.StatusCreated, res)
}

func (s *Server) handleStatus(c echo.Context) error {
	ns := c.Param("ns")
	if err := sanitize.ValidateNamespace(ns); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	report, err := s.orch.Status(c.Request().Context(), ns)
	if err != nil {
		return s.httpError(err)
	}
	if report.Phase == orchestrator.PhaseInitialization && report.Goal == "" {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("namespace %q has no run", ns))
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleListApprovals(c echo.Context) error {
	ns := c.Param("ns")
	if err := sanitize.ValidateNamespace(ns); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	recs, err := s.orch.PendingApprovals(c.Request().Context(), ns)
	if err != nil {
		return s.httpError(err)
	}
	if recs == nil {
		recs = []*approval.Record{}
	}
	return c.JSON(http.StatusOK, ApprovalsResponse{Namespace: ns, Approvals: recs})
}

func (s *Server) handleResolve(c echo.Context) error {
	id := c.Param("id")
	if err := sanitize.ValidateID(id); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	status := approval.Status(req.Status)
	if !status.Resolved() {
		return echo.NewHTTPError(http.StatusBadRequest, `status must be "approved" or "rejected"`)
	}
	resolver := req.Resolver
	if resolver == "" {
		resolver = "operator"
	}

	rec, err := s.orch.ResolveApproval(c.Request().Context(), id, status, resolver, s.scrub("note", req.Note))
	if err != nil {
		return s.httpError(err)
	}
	s.metrics.RecordAction(c.Request().Context(), string(rec.Status))
	return c.JSON(http.StatusOK, rec)
}

// scrub redacts secrets from operator text before it is persisted.
func (s *Server) scrub(field, content string) string {
	res := s.scrubber.Scrub(content)
	if res.HasFindings() {
		s.logger.Warn("secrets redacted from request", zap.String("field", field), zap.Strings("rules", res.RuleIDs()))
	}
	return res.Scrubbed
}

// httpError maps domain errors to HTTP status codes.
func (s *Server) httpError(err error) error {
	switch {
	case errors.Is(err, queue.ErrInvalidTask), errors.Is(err, orchestrator.ErrUnknownPhase),
		errors.Is(err, approval.ErrInvalidStatus), errors.Is(err, approval.ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, approval.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrAlreadyStarted), errors.Is(err, approval.ErrAlreadyResolved):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	s.logger.Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
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

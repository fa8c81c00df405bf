// Package http provides the HTTP API for braind.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braind/internal/brain"
	"github.com/fyrsmithlabs/braind/internal/consolidation"
	"github.com/fyrsmithlabs/braind/internal/docstore"
	"github.com/fyrsmithlabs/braind/internal/logging"
	"github.com/fyrsmithlabs/braind/internal/memory"
)

// Server provides HTTP endpoints for braind.
type Server struct {
	echo    *echo.Echo
	brain   *brain.Brain
	manager *consolidation.Manager
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(b *brain.Brain, manager *consolidation.Manager, logger *zap.Logger, cfg *Config) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("brain cannot be nil")
	}
	if manager == nil {
		return nil, fmt.Errorf("consolidation manager cannot be nil")
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
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Carry the request ID on the context so downstream log
			// lines correlate with this request.
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			duration := time.Since(start)

			fields := append(logging.ContextFields(c.Request().Context()),
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
			)
			logger.Info("http request", fields...)
			return err
		}
	})

	s := &Server{
		echo:    e,
		brain:   b,
		manager: manager,
		logger:  logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/guidance", s.handleGuidance)
	v1.POST("/predictions", s.handleRegisterPrediction)
	v1.POST("/predictions/:id/outcome", s.handleCompletePrediction)
	v1.POST("/consolidation/run", s.handleRunConsolidation)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleGuidance(c echo.Context) error {
	var req GuidanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	reqCtx, err := parseContext(req.Context)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx := logging.WithTenant(c.Request().Context(), req.Tenant)
	g, err := s.brain.Guidance(ctx, req.Skill, req.Tenant, req.Domain, reqCtx)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, g)
}

func (s *Server) handleRegisterPrediction(c echo.Context) error {
	var req PredictionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	reqCtx, err := parseContext(req.Context)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	p, err := s.brain.RegisterPrediction(req.Tenant, req.Skill, req.Domain,
		req.ExpectedSignal, req.ExpectedBaseline, req.Confidence, reqCtx,
		req.PatternIDs, req.Exploration)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, PredictionResponse{
		ID:        p.ID,
		CreatedAt: p.CreatedAt,
	})
}

func (s *Server) handleCompletePrediction(c echo.Context) error {
	var req OutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ep, res, err := s.brain.CompletePrediction(c.Request().Context(), c.Param("id"),
		req.ObservedSignal, req.ObservedBaseline, req.Impact, req.Success)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, OutcomeResponse{
		EpisodeID:       ep.ID,
		Error:           ep.Outcome.Error,
		PatternsUpdated: res.PatternsUpdated,
		DriftDetected:   res.DriftDetected,
	})
}

func (s *Server) handleRunConsolidation(c echo.Context) error {
	var req ConsolidationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Tenants) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "tenants field is required")
	}

	results, err := s.manager.RunAll(c.Request().Context(), req.Tenants)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, results)
}

// mapError translates domain errors into HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, memory.ErrPredictionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, docstore.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, docstore.ErrCircuitOpen), errors.Is(err, docstore.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	switch docstore.Classify(err) {
	case docstore.CategoryTransient:
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	if isValidationError(err) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.logger.Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

func isValidationError(err error) bool {
	for _, target := range []error{
		memory.ErrEmptyTenant,
		memory.ErrEmptySkill,
		memory.ErrEmptyDomain,
		memory.ErrNegativeMetric,
		memory.ErrOutcomeTooEarly,
		memory.ErrInvalidContext,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
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

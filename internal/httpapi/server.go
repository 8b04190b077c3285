// Package httpapi exposes the remedyd pipeline over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/event"
	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
	"github.com/fyrsmithlabs/remedyd/internal/pipeline"
	"github.com/fyrsmithlabs/remedyd/internal/review"
	"github.com/fyrsmithlabs/remedyd/internal/signature"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides the HTTP endpoints for remedyd.
type Server struct {
	echo     *echo.Echo
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
	config   *Config
}

// NewServer creates the HTTP server around an assembled pipeline.
func NewServer(p *pipeline.Pipeline, logger *zap.Logger, cfg *Config) (*Server, error) {
	if p == nil {
		return nil, errors.New("pipeline is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8087}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, pipeline: p, logger: logger, config: cfg}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/events", s.handleIngest)

	v1.GET("/signatures", s.handleListSignatures)
	v1.GET("/signatures/:id", s.handleGetSignature)
	v1.GET("/signatures/:id/audit", s.handleSignatureAudit)

	v1.GET("/incidents", s.handleListIncidents)
	v1.GET("/incidents/:id", s.handleGetIncident)

	v1.GET("/proposals", s.handlePendingProposals)
	v1.GET("/proposals/:id", s.handleGetProposal)
	v1.GET("/proposals/:id/audit", s.handleProposalAudit)
	v1.POST("/proposals/:id/open", s.handleOpenProposal)
	v1.POST("/proposals/:id/decision", s.handleDecision)
	v1.POST("/proposals/:id/resubmit", s.handleResubmit)
	v1.POST("/proposals/:id/deployed", s.handleDeployed)

	v1.POST("/scans/timeouts", s.handleScanTimeouts)
	v1.GET("/reviews/history", s.handleReviewHistory)
	v1.GET("/failures", s.handleGenerationFailures)
	v1.GET("/stats", s.handleStats)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleIngest(c echo.Context) error {
	var payload event.Payload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.pipeline.Ingest(c.Request().Context(), payload)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusAccepted, result)
}

func (s *Server) handleListSignatures(c echo.Context) error {
	sigs, err := s.pipeline.Signatures().List(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	if sigs == nil {
		sigs = []signature.ErrorSignature{}
	}
	return c.JSON(http.StatusOK, sigs)
}

func (s *Server) handleGetSignature(c echo.Context) error {
	sig, found, err := s.pipeline.Signatures().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "signature not found")
	}
	return c.JSON(http.StatusOK, sig)
}

func (s *Server) handleSignatureAudit(c echo.Context) error {
	return s.auditTrail(c, c.Param("id"))
}

func (s *Server) handleProposalAudit(c echo.Context) error {
	return s.auditTrail(c, c.Param("id"))
}

func (s *Server) auditTrail(c echo.Context, parentID string) error {
	events, err := s.pipeline.Audit().ByParent(c.Request().Context(), parentID)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) handleListIncidents(c echo.Context) error {
	incidents, err := s.pipeline.Incidents().List(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, incidents)
}

func (s *Server) handleGetIncident(c echo.Context) error {
	incident, found, err := s.pipeline.Incidents().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "incident not found")
	}
	return c.JSON(http.StatusOK, incident)
}

func (s *Server) handlePendingProposals(c echo.Context) error {
	severity := signature.Severity(c.QueryParam("severity"))
	if severity != "" && !severity.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown severity %q", severity))
	}

	proposals, err := s.pipeline.Workflow().Pending(c.Request().Context(), severity)
	if err != nil {
		return s.mapError(err)
	}
	if proposals == nil {
		proposals = []review.Proposal{}
	}
	return c.JSON(http.StatusOK, proposals)
}

func (s *Server) handleGetProposal(c echo.Context) error {
	p, err := s.pipeline.Workflow().Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// OpenRequest marks a proposal as under review.
type OpenRequest struct {
	Reviewer string `json:"reviewer"`
}

func (s *Server) handleOpenProposal(c echo.Context) error {
	var req OpenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reviewer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reviewer field is required")
	}

	p, err := s.pipeline.Workflow().Open(c.Request().Context(), c.Param("id"), req.Reviewer)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// DecisionRequest is the body for POST /api/v1/proposals/:id/decision.
type DecisionRequest struct {
	Reviewer         string `json:"reviewer"`
	Decision         string `json:"decision"`
	Comments         string `json:"comments,omitempty"`
	ExpectedRevision int64  `json:"expected_revision"`
}

func (s *Server) handleDecision(c echo.Context) error {
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	decision := review.Decision(req.Decision)
	if !decision.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown decision %q", req.Decision))
	}
	if req.Reviewer == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "reviewer field is required")
	}
	if decision == review.DecisionReject && req.Comments == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "rejection requires a non-empty comments field")
	}

	p, err := s.pipeline.Workflow().Decide(c.Request().Context(), review.DecideRequest{
		ProposalID:       c.Param("id"),
		Reviewer:         req.Reviewer,
		Decision:         decision,
		Comments:         req.Comments,
		ExpectedRevision: req.ExpectedRevision,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// ResubmitRequest optionally carries a revised patch.
type ResubmitRequest struct {
	Patch *fixgen.Patch `json:"patch,omitempty"`
}

func (s *Server) handleResubmit(c echo.Context) error {
	var req ResubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	p, err := s.pipeline.Workflow().Resubmit(c.Request().Context(), c.Param("id"), req.Patch)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// DeployedRequest reports merge completion from the source-control side.
type DeployedRequest struct {
	Commit string `json:"commit"`
}

func (s *Server) handleDeployed(c echo.Context) error {
	var req DeployedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Commit == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "commit field is required")
	}

	p, err := s.pipeline.Workflow().MarkDeployed(c.Request().Context(), c.Param("id"), req.Commit)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleScanTimeouts(c echo.Context) error {
	result, err := s.pipeline.Workflow().ScanTimeouts(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleReviewHistory(c echo.Context) error {
	days := 30
	if v := c.QueryParam("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "days must be a positive integer")
		}
		days = parsed
	}

	proposals, err := s.pipeline.Workflow().History(c.Request().Context(), days)
	if err != nil {
		return s.mapError(err)
	}
	if proposals == nil {
		proposals = []review.Proposal{}
	}
	return c.JSON(http.StatusOK, proposals)
}

func (s *Server) handleGenerationFailures(c echo.Context) error {
	failures, err := s.pipeline.Generator().Failures(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	if failures == nil {
		failures = []fixgen.GenerationFailure{}
	}
	return c.JSON(http.StatusOK, failures)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.pipeline.Workflow().Stats(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// mapError translates domain errors to HTTP status codes.
func (s *Server) mapError(err error) error {
	var invalid *event.InvalidEventError
	if errors.As(err, &invalid) {
		return echo.NewHTTPError(http.StatusBadRequest, invalid.Error())
	}

	var notFound *review.NotFoundError
	if errors.As(err, &notFound) {
		return echo.NewHTTPError(http.StatusNotFound, notFound.Error())
	}

	var conflict *review.ConcurrencyConflictError
	if errors.As(err, &conflict) {
		return echo.NewHTTPError(http.StatusConflict, conflict.Error())
	}

	var illegal *review.IllegalTransitionError
	if errors.As(err, &illegal) {
		return echo.NewHTTPError(http.StatusConflict, illegal.Error())
	}

	var duplicate *review.DuplicateProposalError
	if errors.As(err, &duplicate) {
		return echo.NewHTTPError(http.StatusConflict, duplicate.Error())
	}

	var unavailable *store.UnavailableError
	if errors.As(err, &unavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, unavailable.Error())
	}

	s.logger.Error("unhandled request error", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// Start runs the server until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, shutdownTimeout time.Duration) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", zap.String("addr", addr))
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

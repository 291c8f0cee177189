// Package http exposes run submission, run status and content assignment
// over an echo API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/computor-org/computor-fullstack-sub002/internal/auth"
	"github.com/computor-org/computor-fullstack-sub002/internal/deployment"
	"github.com/computor-org/computor-fullstack-sub002/internal/logging"
	"github.com/computor-org/computor-fullstack-sub002/internal/runs"
)

// Server provides the deployment engine HTTP endpoints.
type Server struct {
	echo        *echo.Echo
	runs        *runs.Service
	deployments *deployment.Manager
	nc          *nats.Conn
	logger      *logging.Logger
	config      *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// RequestsPerSecond and RequestBurst limit each client IP on /api/v1.
	// Zero disables rate limiting.
	RequestsPerSecond float64
	RequestBurst      int

	// SubjectPrefix is the NATS subject prefix run events are published under.
	SubjectPrefix string
	// Heartbeat is the idle interval between SSE keep-alive comments.
	Heartbeat time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithNATS enables GET /api/v1/runs/:run_id/events.
func WithNATS(nc *nats.Conn) Option {
	return func(s *Server) { s.nc = nc }
}

// NewServer creates a new HTTP server.
func NewServer(runService *runs.Service, deployments *deployment.Manager, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if runService == nil {
		return nil, fmt.Errorf("run service cannot be nil")
	}
	if deployments == nil {
		return nil, fmt.Errorf("deployment manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s := &Server{
		echo:        e,
		runs:        runService,
		deployments: deployments,
		logger:      logger.Named("http"),
		config:      cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	if s.config.RequestsPerSecond > 0 {
		v1.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(s.config.RequestsPerSecond),
				Burst:     s.config.RequestBurst,
				ExpiresIn: 3 * time.Minute,
			}),
			IdentifierExtractor: func(c echo.Context) (string, error) {
				return c.RealIP(), nil
			},
			DenyHandler: func(c echo.Context, _ string, _ error) error {
				return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
			},
		}))
	}
	v1.Use(auth.PrincipalMiddleware(auth.HeaderResolver{}))

	v1.POST("/reconciliations", s.handleSubmitReconciliation)
	v1.PUT("/nodes/:node_path/title", s.handleSubmitRename)
	v1.POST("/nodes/:node_path/move", s.handleSubmitReparent)
	v1.POST("/courses/:course_id/releases", s.handleSubmitRelease)

	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:run_id", s.handleGetRun)
	v1.POST("/runs/:run_id/cancel", s.handleCancelRun)
	v1.GET("/runs/:run_id/events", s.handleRunEvents)

	v1.PUT("/contents/:content_id/assignment", s.handleAssign)
	v1.GET("/contents/:content_id/deployment", s.handleGetContentDeployment)
	v1.GET("/deployments/:deployment_id/history", s.handleHistory)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// Handler returns the root handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

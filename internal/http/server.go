// Package http provides the devpilot HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/project"
	"github.com/nvdpsingh/DevPilot/internal/registry"
)

// Registry is the project registry surface served over HTTP.
type Registry interface {
	Start(ctx context.Context, name, command string) (*project.Record, error)
	Restart(ctx context.Context, name string) (*project.Record, error)
	Stop(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (*project.Record, error)
	List(ctx context.Context) ([]project.Summary, error)
	RunDiagnosticTest(ctx context.Context, name string) (project.IterationRecord, error)
	Cleanup(ctx context.Context) (registry.CleanupResult, error)
	SystemStatus(ctx context.Context) registry.SystemStatus
}

// Server provides HTTP endpoints for devpilot.
type Server struct {
	echo     *echo.Echo
	registry Registry
	logger   *logging.Logger
	config   *Config

	mcpHandler     http.Handler
	metricsHandler http.Handler
	httpMetrics    *HTTPMetrics
	collaborators  map[string]string
	now            func() time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Option configures a Server.
type Option func(*Server)

// WithMCPHandler mounts h at /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) { s.mcpHandler = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithHTTPMetrics records request metrics with m.
func WithHTTPMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.httpMetrics = m }
}

// WithCollaborators sets the collaborator description reported by
// /api/system-status.
func WithCollaborators(c map[string]string) Option {
	return func(s *Server) { s.collaborators = c }
}

// WithClock overrides the clock used for default project names.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a new HTTP server.
func NewServer(reg Registry, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "0.0.0.0",
			Port: 8000,
		}
	}

	s := &Server{
		registry: reg,
		logger:   logger,
		config:   cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &requestValidator{v: validator.New()}
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if s.httpMetrics != nil {
		e.Use(s.httpMetrics.MetricsMiddleware())
	}
	e.Use(s.requestLogger)

	s.echo = e
	s.registerRoutes()
	return s, nil
}

// requestLogger logs each request and carries its ID into the request context.
func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		reqID := c.Response().Header().Get(echo.HeaderXRequestID)
		c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), reqID)))

		err := next(c)
		if err != nil {
			// Resolve the status before logging it.
			c.Error(err)
		}

		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.metricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))
	}
	if s.mcpHandler != nil {
		s.echo.Any("/mcp", echo.WrapHandler(s.mcpHandler))
	}

	api := s.echo.Group("/api")
	api.POST("/start-development", s.handleStart)
	api.GET("/projects", s.handleList)
	api.GET("/projects/:name", s.handleStatus)
	api.POST("/projects/:name/stop", s.handleStop)
	api.POST("/projects/:name/restart", s.handleRestart)
	api.POST("/projects/:name/test", s.handleTest)
	api.GET("/system-status", s.handleSystemStatus)
	api.POST("/cleanup", s.handleCleanup)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the listening address, or nil before Start has bound it.
func (s *Server) Addr() net.Addr {
	return s.echo.ListenerAddr()
}

// ServeHTTP lets the server be mounted or exercised without a listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

type requestValidator struct {
	v *validator.Validate
}

func (rv *requestValidator) Validate(i any) error {
	return rv.v.Struct(i)
}

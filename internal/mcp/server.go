package mcp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/project"
)

// Controller is the subset of the project registry the tools drive.
type Controller interface {
	Start(ctx context.Context, name, command string) (*project.Record, error)
	Stop(ctx context.Context, name string) error
	Wait(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (*project.Record, error)
	List(ctx context.Context) ([]project.Summary, error)
	ListActive() []string
}

// Server serves devpilot control tools over MCP.
type Server struct {
	mcp     *mcp.Server
	ctrl    Controller
	metrics *Metrics
	logger  *logging.Logger
	now     func() time.Time
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "devpilot").
	Name string

	// Version is the server version (default: "dev").
	Version string

	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "devpilot",
		Version: "dev",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates an MCP server driving ctrl.
func NewServer(cfg *Config, ctrl Controller) (*Server, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("controller is required")
	}
	def := DefaultConfig()
	if cfg == nil {
		cfg = def
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Version == "" {
		cfg.Version = def.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		ctrl:    ctrl,
		metrics: NewMetrics(cfg.Logger),
		logger:  cfg.Logger,
		now:     time.Now,
	}
	s.registerTools()
	return s, nil
}

// Handler returns the streamable HTTP handler for the server. Every
// session shares the same tool set.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, nil)
}

// Connect serves a single session over t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	session, err := s.mcp.Connect(ctx, t, nil)
	if err != nil {
		return nil, fmt.Errorf("connect mcp session: %w", err)
	}
	return session, nil
}

// Run serves the tools on stdio until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

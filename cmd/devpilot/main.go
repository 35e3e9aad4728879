// Devpilot is the development orchestration daemon.
//
// It serves the project API over HTTP, exposes the same controls as MCP tools
// on /mcp and publishes Prometheus metrics on /metrics.
//
// Configuration is read from ~/.config/devpilot/config.yaml (or --config)
// and overridden by DEVPILOT_* environment variables. See internal/config.
//
// Usage:
//
//	# Start with defaults
//	GROQ_API_KEY=gsk-... devpilot
//
//	# Persist projects in SQLite on another port
//	DEVPILOT_STORE_BACKEND=sqlite DEVPILOT_SERVER_PORT=9000 devpilot
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nvdpsingh/DevPilot/internal/collaborators"
	"github.com/nvdpsingh/DevPilot/internal/config"
	"github.com/nvdpsingh/DevPilot/internal/events"
	apihttp "github.com/nvdpsingh/DevPilot/internal/http"
	"github.com/nvdpsingh/DevPilot/internal/logging"
	"github.com/nvdpsingh/DevPilot/internal/mcp"
	"github.com/nvdpsingh/DevPilot/internal/orchestrator"
	"github.com/nvdpsingh/DevPilot/internal/project"
	"github.com/nvdpsingh/DevPilot/internal/registry"
	"github.com/nvdpsingh/DevPilot/internal/secrets"
	"github.com/nvdpsingh/DevPilot/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// allowlistFile is read from the working directory when present.
const allowlistFile = ".devpilot-allowlist.toml"

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/devpilot/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  devpilot [--config path]   Start the devpilot daemon\n")
			fmt.Fprintf(os.Stderr, "  devpilot version           Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("devpilot\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts devpilot and blocks until ctx is cancelled.
//
// Startup order:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Opens the project store and the optional NATS connection
//  4. Builds the collaborators, coordinator and registry
//  5. Wires MCP and metrics into the HTTP server
//  6. Serves until ctx is cancelled, then shuts down in reverse order
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "Starting devpilot",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.Int("max_iterations", cfg.Orchestrator.MaxIterations))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close(context.Background())

	logger.Info(ctx, "Dependencies initialized",
		zap.String("store_backend", deps.store.Backend()),
		zap.Bool("nats_connected", deps.events != nil && deps.events.Connected()),
		zap.Bool("publisher_enabled", deps.publisher != nil))

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := orchestrator.NewMetrics(promReg)

	exec := orchestrator.NewExecutor(executorConfig(cfg),
		orchestrator.WithExecutorLogger(logger.Named("executor")),
		orchestrator.WithTracer(deps.telemetry.Tracer("github.com/nvdpsingh/DevPilot/internal/orchestrator")),
		orchestrator.WithMetrics(metrics),
	)

	collab := orchestrator.Collaborators{
		Planner:  deps.planner,
		Coder:    deps.coder,
		Deployer: deps.deployer,
		Tester:   deps.tester,
	}
	if deps.publisher != nil {
		collab.Publisher = deps.publisher
	}

	coordOpts := []orchestrator.CoordinatorOption{
		orchestrator.WithLogger(logger.Named("coordinator")),
		orchestrator.WithCoordinatorMetrics(metrics),
	}
	if deps.events != nil {
		coordOpts = append(coordOpts, orchestrator.WithEvents(deps.events))
	}
	coord := orchestrator.NewCoordinator(
		orchestrator.Config{MaxIterations: cfg.Orchestrator.MaxIterations},
		deps.store, exec, collab, coordOpts...,
	)

	reg := registry.New(deps.store, coord,
		registry.WithLogger(logger.Named("registry")),
		registry.WithMetrics(metrics),
		registry.WithDeploymentStopper(deps.deployer),
	)
	defer func() {
		// In-flight phases are cancelled once the timeout expires.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := reg.Shutdown(shutdownCtx); err != nil {
			logger.Warn(context.Background(), "registry shutdown incomplete", zap.Error(err))
		}
	}()

	mcpServer, err := mcp.NewServer(&mcp.Config{
		Name:    "devpilot",
		Version: version,
		Logger:  logger.Named("mcp"),
	}, reg)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	srv, err := apihttp.NewServer(reg, logger.Named("http"),
		&apihttp.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
		apihttp.WithMCPHandler(mcpServer.Handler()),
		apihttp.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg})),
		apihttp.WithHTTPMetrics(apihttp.NewHTTPMetrics(logger)),
		apihttp.WithCollaborators(describeCollaborators(cfg, deps)),
	)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	logger.Info(ctx, "Server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/api"),
		zap.String("mcp_endpoint", "/mcp"),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "Shutting down",
		zap.Duration("timeout", cfg.Server.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// dependencies holds everything with a lifetime longer than a request.
type dependencies struct {
	telemetry *telemetry.Telemetry
	store     project.Store
	events    *events.Publisher
	planner   *collaborators.Planner
	coder     *collaborators.Coder
	deployer  *collaborators.Deployer
	tester    *collaborators.Tester
	publisher *collaborators.Publisher
	logger    *logging.Logger
}

// Close releases resources in reverse order of acquisition.
func (d *dependencies) Close(ctx context.Context) {
	if d.deployer != nil {
		if err := d.deployer.Close(ctx); err != nil {
			d.logger.Warn(ctx, "failed to stop deployments", zap.Error(err))
		}
	}
	if d.events != nil {
		if err := d.events.Close(); err != nil {
			d.logger.Warn(ctx, "failed to close event publisher", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn(ctx, "failed to close project store", zap.Error(err))
		}
	}
	if d.telemetry != nil {
		if err := d.telemetry.Shutdown(ctx); err != nil {
			d.logger.Warn(ctx, "failed to shut down telemetry", zap.Error(err))
		}
	}
}

func initLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(lc, nil)
}

// initDependencies opens storage and transport and builds the collaborators.
// On failure everything already opened is closed.
func initDependencies(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *dependencies, err error) {
	deps := &dependencies{logger: logger}
	defer func() {
		if err != nil {
			deps.Close(context.Background())
		}
	}()

	deps.telemetry, err = telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	deps.store, err = project.Open(ctx, cfg.Store.Backend, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("project store: %w", err)
	}

	if cfg.NATS.URL != "" {
		deps.events, err = events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger.Named("events"))
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		logger.Info(ctx, "Connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	llm, err := collaborators.NewLLM(cfg.Planner)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	deps.planner = collaborators.NewPlanner(llm, cfg.Planner.PlansDir,
		collaborators.WithPlannerLogger(logger.Named("planner")))

	coderOpts := []collaborators.CoderOption{
		collaborators.WithCoderLogger(logger.Named("coder")),
		collaborators.WithAuthor(cfg.Coder.AuthorName, cfg.Coder.AuthorEmail),
	}
	if !cfg.Coder.SkipSecretScan {
		allow, err := secrets.LoadAllowlist(allowlistFile)
		if err != nil {
			return nil, fmt.Errorf("secret allowlist: %w", err)
		}
		scanner, err := secrets.NewScanner(allow)
		if err != nil {
			return nil, fmt.Errorf("secret scanner: %w", err)
		}
		coderOpts = append(coderOpts, collaborators.WithScanner(scanner))
	}
	deps.coder = collaborators.NewCoder(llm, cfg.Coder.ProjectsDir, coderOpts...)

	deps.deployer = collaborators.NewDeployer(cfg.Deployer,
		collaborators.WithDeployerLogger(logger.Named("deployer")))
	deps.tester = collaborators.NewTester(cfg.Tester,
		collaborators.WithTesterLogger(logger.Named("tester")),
		collaborators.WithClientVersion(version))

	if cfg.Publisher.Enabled {
		deps.publisher, err = collaborators.NewPublisher(ctx, cfg.Publisher,
			collaborators.WithPublisherLogger(logger.Named("publisher")))
		if err != nil {
			return nil, fmt.Errorf("publisher: %w", err)
		}
	}
	return deps, nil
}

// executorConfig resolves per-phase timeouts from configuration.
func executorConfig(cfg *config.Config) orchestrator.ExecutorConfig {
	timeouts := make(map[project.Phase]time.Duration, len(project.AllPhases()))
	for _, p := range project.AllPhases() {
		timeouts[p] = cfg.Orchestrator.Timeout(string(p))
	}
	return orchestrator.ExecutorConfig{
		Timeouts: timeouts,
		Default:  cfg.Orchestrator.PhaseTimeout,
	}
}

// describeCollaborators reports which backends are wired, for system status.
func describeCollaborators(cfg *config.Config, deps *dependencies) map[string]string {
	out := map[string]string{
		"planner":  cfg.Planner.Model,
		"coder":    cfg.Coder.ProjectsDir,
		"deployer": cfg.Deployer.Command,
		"tester":   cfg.Tester.MCPURL,
		"store":    deps.store.Backend(),
	}
	if deps.publisher != nil {
		out["publisher"] = "github:" + cfg.Publisher.Owner
	} else {
		out["publisher"] = "disabled"
	}
	if deps.events != nil {
		out["events"] = "nats:" + strconv.FormatBool(deps.events.Connected())
	} else {
		out["events"] = "disabled"
	}
	return out
}

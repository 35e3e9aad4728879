// Package config provides configuration loading for devpilot.
//
// Configuration comes from an optional YAML file overlaid with DEVPILOT_*
// environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete devpilot configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Planner      PlannerConfig      `koanf:"planner"`
	Coder        CoderConfig        `koanf:"coder"`
	Deployer     DeployerConfig     `koanf:"deployer"`
	Tester       TesterConfig       `koanf:"tester"`
	Publisher    PublisherConfig    `koanf:"publisher"`
	Store        StoreConfig        `koanf:"store"`
	NATS         NATSConfig         `koanf:"nats"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// OrchestratorConfig bounds the coordinator loop.
type OrchestratorConfig struct {
	MaxIterations int           `koanf:"max_iterations"`
	PhaseTimeout  time.Duration `koanf:"phase_timeout"`
	Timeouts      PhaseTimeouts `koanf:"timeouts"`
}

// PhaseTimeouts overrides PhaseTimeout for individual phases. Zero means unset.
type PhaseTimeouts struct {
	Plan   time.Duration `koanf:"plan"`
	Build  time.Duration `koanf:"build"`
	Deploy time.Duration `koanf:"deploy"`
	Test   time.Duration `koanf:"test"`
	Fix    time.Duration `koanf:"fix"`
}

// PlannerConfig configures the LLM-backed planner. The coder shares its
// credentials and endpoint.
type PlannerConfig struct {
	APIKey    Secret  `koanf:"api_key"`
	BaseURL   string  `koanf:"base_url"`
	Model     string  `koanf:"model"`
	PlansDir  string  `koanf:"plans_dir"`
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`
}

// CoderConfig configures code generation output.
type CoderConfig struct {
	ProjectsDir    string `koanf:"projects_dir"`
	SkipSecretScan bool   `koanf:"skip_secret_scan"`
	AuthorName     string `koanf:"author_name"`
	AuthorEmail    string `koanf:"author_email"`
}

// DeployerConfig configures local process deployment.
type DeployerConfig struct {
	Command      string        `koanf:"command"`
	Host         string        `koanf:"host"`
	BasePort     int           `koanf:"base_port"`
	HealthPath   string        `koanf:"health_path"`
	StopGrace    time.Duration `koanf:"stop_grace"`
	ReadyTimeout time.Duration `koanf:"ready_timeout"`
}

// TesterConfig configures the TestSprite MCP bridge.
type TesterConfig struct {
	APIKey     Secret `koanf:"api_key"`
	MCPURL     string `koanf:"mcp_url"`
	Tool       string `koanf:"tool"`
	HealthPath string `koanf:"health_path"`
	RequireMCP bool   `koanf:"require_mcp"`
}

// PublisherConfig configures optional GitHub publishing of completed projects.
type PublisherConfig struct {
	Enabled bool   `koanf:"enabled"`
	Token   Secret `koanf:"token"`
	Owner   string `koanf:"owner"`
	Private bool   `koanf:"private"`
}

// StoreConfig selects the project record backend.
type StoreConfig struct {
	Backend string `koanf:"backend"` // memory | sqlite
	Path    string `koanf:"path"`
}

// NATSConfig configures lifecycle event publishing. Empty URL disables it.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	Protocol     string  `koanf:"protocol"`
	ServiceName  string  `koanf:"service_name"`
	Insecure     bool    `koanf:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// LoggingConfig holds the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Timeout returns the effective timeout for the named phase.
func (o OrchestratorConfig) Timeout(phase string) time.Duration {
	var d time.Duration
	switch phase {
	case "Plan":
		d = o.Timeouts.Plan
	case "Build":
		d = o.Timeouts.Build
	case "Deploy":
		d = o.Timeouts.Deploy
	case "Test":
		d = o.Timeouts.Test
	case "Fix":
		d = o.Timeouts.Fix
	}
	if d > 0 {
		return d
	}
	return o.PhaseTimeout
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout or phase timeout is not positive
//   - max_iterations is below 1
//   - Store backend is unknown
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Orchestrator.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", c.Orchestrator.MaxIterations)
	}
	if c.Orchestrator.PhaseTimeout <= 0 {
		return errors.New("phase timeout must be positive")
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q (must be memory or sqlite)", c.Store.Backend)
	}
	if c.Deployer.BasePort < 1 || c.Deployer.BasePort > 65535 {
		return fmt.Errorf("invalid deployer base port: %d", c.Deployer.BasePort)
	}
	if c.Publisher.Enabled && !c.Publisher.Token.IsSet() {
		return errors.New("publisher.token is required when publishing is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	return nil
}

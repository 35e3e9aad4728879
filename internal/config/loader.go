package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment variable names before mapping.
	EnvPrefix = "DEVPILOT_"
)

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence (highest to lowest):
//  1. DEVPILOT_* environment variables (DEVPILOT_SERVER_PORT, ...)
//  2. YAML config file (~/.config/devpilot/config.yaml by default)
//  3. Provider-specific variables (GROQ_API_KEY, TESTSPRITE_API_KEY, GITHUB_TOKEN)
//  4. Hardcoded defaults
//
// # Security Considerations
//
// The file must have 0600 or 0400 permissions and be at most 1MB. It must
// live under ~/.config/devpilot/, /etc/devpilot/ or the working directory.
//
// # Environment Variable Mapping
//
// The prefix is dropped and the name is split on its first underscore:
//
//	DEVPILOT_SERVER_PORT                -> server.port
//	DEVPILOT_ORCHESTRATOR_MAX_ITERATIONS -> orchestrator.max_iterations
//	DEVPILOT_PLANNER_API_KEY            -> planner.api_key
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "devpilot", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps DEVPILOT_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile opens the file once and validates it through the open
// descriptor to avoid a stat/open race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath checks the path is inside an allowed directory, even if
// the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	allowedDirs := []string{
		filepath.Join(home, ".config", "devpilot"),
		"/etc/devpilot",
	}
	if wd, err := os.Getwd(); err == nil {
		allowedDirs = append(allowedDirs, wd)
	}

	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/devpilot/, /etc/devpilot/ or the working directory")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// Orchestrator defaults
	if cfg.Orchestrator.MaxIterations == 0 {
		cfg.Orchestrator.MaxIterations = 5
	}
	if cfg.Orchestrator.PhaseTimeout == 0 {
		cfg.Orchestrator.PhaseTimeout = 5 * time.Minute
	}

	// Planner defaults
	if !cfg.Planner.APIKey.IsSet() {
		cfg.Planner.APIKey = Secret(os.Getenv("GROQ_API_KEY"))
	}
	if cfg.Planner.BaseURL == "" {
		cfg.Planner.BaseURL = "https://api.groq.com/openai/v1"
	}
	if cfg.Planner.Model == "" {
		cfg.Planner.Model = "llama-3.1-8b-instant"
	}
	if cfg.Planner.PlansDir == "" {
		cfg.Planner.PlansDir = "project_plans"
	}
	if cfg.Planner.RateLimit == 0 {
		cfg.Planner.RateLimit = 0.5
	}
	if cfg.Planner.Burst == 0 {
		cfg.Planner.Burst = 2
	}

	// Coder defaults
	if cfg.Coder.ProjectsDir == "" {
		cfg.Coder.ProjectsDir = "custom_projects"
	}
	if cfg.Coder.AuthorName == "" {
		cfg.Coder.AuthorName = "devpilot"
	}
	if cfg.Coder.AuthorEmail == "" {
		cfg.Coder.AuthorEmail = "devpilot@localhost"
	}

	// Deployer defaults
	if cfg.Deployer.Command == "" {
		cfg.Deployer.Command = "python main.py"
	}
	if cfg.Deployer.Host == "" {
		cfg.Deployer.Host = "127.0.0.1"
	}
	if cfg.Deployer.BasePort == 0 {
		cfg.Deployer.BasePort = 8001
	}
	if cfg.Deployer.HealthPath == "" {
		cfg.Deployer.HealthPath = "/api/health"
	}
	if cfg.Deployer.StopGrace == 0 {
		cfg.Deployer.StopGrace = 5 * time.Second
	}
	if cfg.Deployer.ReadyTimeout == 0 {
		cfg.Deployer.ReadyTimeout = 30 * time.Second
	}

	// Tester defaults
	if !cfg.Tester.APIKey.IsSet() {
		cfg.Tester.APIKey = Secret(os.Getenv("TESTSPRITE_API_KEY"))
	}
	if cfg.Tester.MCPURL == "" {
		cfg.Tester.MCPURL = "http://localhost:3000/mcp"
	}
	if cfg.Tester.Tool == "" {
		cfg.Tester.Tool = "run_tests"
	}
	if cfg.Tester.HealthPath == "" {
		cfg.Tester.HealthPath = cfg.Deployer.HealthPath
	}

	// Publisher defaults
	if !cfg.Publisher.Token.IsSet() {
		cfg.Publisher.Token = Secret(os.Getenv("GITHUB_TOKEN"))
	}

	// Store defaults
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "devpilot.db"
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "devpilot"
	}

	// Telemetry defaults
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "devpilot"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

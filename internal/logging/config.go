package logging

import (
	"fmt"
	"regexp"

	"go.uber.org/zap/zapcore"

	"github.com/nvdpsingh/DevPilot/internal/config"
)

// maxPatternLen bounds user-supplied redaction regexps.
const maxPatternLen = 200

// Config is the full logger configuration. The server file only exposes
// level and format; see FromAppConfig.
type Config struct {
	Level      zapcore.Level     `koanf:"level"`
	Format     string            `koanf:"format"` // json or console
	Output     OutputConfig      `koanf:"output"`
	Caller     CallerConfig      `koanf:"caller"`
	Stacktrace StacktraceConfig  `koanf:"stacktrace"`
	Fields     map[string]string `koanf:"fields"` // attached to every entry
	Redaction  RedactionConfig   `koanf:"redaction"`
}

// OutputConfig selects the sinks. Both may be on.
type OutputConfig struct {
	Stdout bool `koanf:"stdout"`
	OTEL   bool `koanf:"otel"`
}

type CallerConfig struct {
	Enabled bool `koanf:"enabled"`
	Skip    int  `koanf:"skip"`
}

// StacktraceConfig sets the lowest level that carries a stack trace.
type StacktraceConfig struct {
	Level zapcore.Level `koanf:"level"`
}

// RedactionConfig lists field names and value patterns masked before a
// record is encoded. Field names match case-insensitively as substrings.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

// Credentials devpilot handles: the Groq key, the TestSprite key, GitHub
// tokens, and whatever a generated project leaks into a log line.
var (
	redactedFields = []string{
		"password", "secret", "token", "api_key",
		"authorization", "bearer", "credential", "private_key",
	}
	redactedPatterns = []string{
		`(?i)bearer\s+\S+`,
		`(?i)api[_-]?key[=:]\s*\S+`,
		`\bgsk_[A-Za-z0-9]{20,}\b`,
		`\bgh[pousr]_[A-Za-z0-9]{20,}\b`,
	}
)

// NewDefaultConfig returns JSON logs at info level on stdout with
// credential redaction on.
func NewDefaultConfig() *Config {
	return &Config{
		Level:      zapcore.InfoLevel,
		Format:     "json",
		Output:     OutputConfig{Stdout: true},
		Caller:     CallerConfig{Enabled: true, Skip: 1},
		Stacktrace: StacktraceConfig{Level: zapcore.ErrorLevel},
		Fields:     map[string]string{"service": "devpilot"},
		Redaction: RedactionConfig{
			Enabled:  true,
			Fields:   append([]string(nil), redactedFields...),
			Patterns: append([]string(nil), redactedPatterns...),
		},
	}
}

// FromAppConfig applies the server's logging section to the defaults.
// Empty settings keep the default.
func FromAppConfig(lc config.LoggingConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	if lc.Level != "" {
		lvl, err := ParseLevel(lc.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lvl
	}
	if lc.Format != "" {
		cfg.Format = lc.Format
	}
	return cfg, cfg.Validate()
}

// ParseLevel maps "debug", "info", "warn" or "error" onto a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

func (c *Config) Validate() error {
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return fmt.Errorf("no log output enabled")
	}
	if c.Caller.Enabled && c.Caller.Skip < 0 {
		return fmt.Errorf("negative caller skip %d", c.Caller.Skip)
	}

	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > maxPatternLen {
				return fmt.Errorf("redaction pattern longer than %d chars: %q", maxPatternLen, p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}

	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("static field %q=%q must have a key and a value", k, v)
		}
	}
	return nil
}

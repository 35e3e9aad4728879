package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nvdpsingh/DevPilot/internal/config"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, NewDefaultConfig().Validate())
	})

	t.Run("bad format", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Format = "xml"
		assert.Error(t, cfg.Validate())
	})

	t.Run("no output", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Output.Stdout = false
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad pattern", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Redaction.Patterns = []string{"("}
		assert.Error(t, cfg.Validate())
	})
}

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.True(t, cfg.Redaction.Enabled)

	cfg, err = FromAppConfig(config.LoggingConfig{})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)

	_, err = FromAppConfig(config.LoggingConfig{Level: "chatty"})
	assert.Error(t, err)

	_, err = FromAppConfig(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestNewDefaultConfig_CopiesRedactionLists(t *testing.T) {
	a := NewDefaultConfig()
	a.Redaction.Fields[0] = "changed"
	assert.Equal(t, "password", NewDefaultConfig().Redaction.Fields[0])
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)

	_, err = ParseLevel("chatty")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
	assert.NotNil(t, logger.Underlying())
}

func TestContextFields(t *testing.T) {
	ctx := WithProject(context.Background(), "todo-api")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithRequestID(ctx, "req-9")

	tl := NewTestLogger()
	tl.Info(ctx, "phase completed", zap.String("phase", "Deploy"))

	tl.AssertLogged(t, zapcore.InfoLevel, "phase completed")
	tl.AssertField(t, "phase completed", "project.name", "todo-api")
	tl.AssertField(t, "phase completed", "run.id", "run-1")
	tl.AssertField(t, "phase completed", "request.id", "req-9")
	tl.AssertField(t, "phase completed", "phase", "Deploy")
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "from context")
	tl.AssertLogged(t, zapcore.WarnLevel, "from context")
}

func TestRedactingEncoder(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, NewDefaultConfig().Redaction)
	require.NoError(t, err)

	ent := zapcore.Entry{Level: zapcore.InfoLevel, Time: time.Now(), Message: "calling planner"}
	buf, err := enc.EncodeEntry(ent, []zapcore.Field{
		zap.String("api_key", "gsk_abcdefghijklmnopqrstuvwxyz"),
		zap.String("header", "Bearer abc.def.ghi"),
		zap.String("project", "todo-api"),
	})
	require.NoError(t, err)
	out := buf.String()

	assert.NotContains(t, out, "gsk_abcdefghijklmnopqrstuvwxyz")
	assert.NotContains(t, out, "abc.def.ghi")
	assert.Contains(t, out, "todo-api")
	assert.Contains(t, out, redactedValue)
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	base := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	enc, err := NewRedactingEncoder(base, NewDefaultConfig().Redaction)
	require.NoError(t, err)

	clone := enc.Clone()
	clone.AddString("token", "ghp_abcdefghijklmnopqrstuvwxyz")
	buf, err := clone.EncodeEntry(zapcore.Entry{Message: "x"}, nil)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "ghp_abcdefghijklmnopqrstuvwxyz")
}

func TestSecretField(t *testing.T) {
	f := Secret("api_key", config.Secret("12345"))
	assert.Equal(t, "[REDACTED:5]", f.String)
}

package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/phased/internal/config"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, cfg, logger.config)
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format must be")
}

func TestNewLogger_OTELOnlyWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = OutputConfig{OTEL: true}

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
}

func TestLogger_ContextFieldsAttached(t *testing.T) {
	tl := NewTestLogger()

	ctx := WithNamespace(context.Background(), "demo")
	ctx = WithAgent(ctx, "specification.orchestrator")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithPhase(ctx, "specification")

	tl.Info(ctx, "task claimed", zap.Int("priority", 5))

	tl.AssertLogged(t, zapcore.InfoLevel, "task claimed")
	tl.AssertField(t, "task claimed", "namespace", "demo")
	tl.AssertField(t, "task claimed", "agent", "specification.orchestrator")
	tl.AssertField(t, "task claimed", "task_id", "task-1")
	tl.AssertField(t, "task claimed", "phase", "specification")
}

func TestLogger_Levels(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Trace(ctx, "trace msg")
	tl.Debug(ctx, "debug msg")
	tl.Warn(ctx, "warn msg")
	tl.Error(ctx, "error msg")

	tl.AssertLogged(t, TraceLevel, "trace msg")
	tl.AssertLogged(t, zapcore.DebugLevel, "debug msg")
	tl.AssertLogged(t, zapcore.WarnLevel, "warn msg")
	tl.AssertLogged(t, zapcore.ErrorLevel, "error msg")
	tl.AssertNotLogged(t, zapcore.InfoLevel, "warn msg")
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_Trace(t *testing.T) {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	ctx, span := provider.Tracer("test").Start(context.Background(), "claim")
	defer span.End()

	keys := map[string]bool{}
	for _, f := range ContextFields(ctx) {
		keys[f.Key] = true
	}
	assert.True(t, keys["trace_id"])
	assert.True(t, keys["span_id"])
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()), "nop fallback")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(config.LoggingConfig{
		Level:           "debug",
		Format:          "console",
		RedactFields:    []string{"webhook_url", " "},
		DisableSampling: true,
	})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.False(t, cfg.Sampling.Enabled)
	assert.Contains(t, cfg.Redaction.Fields, "webhook_url")
	assert.Contains(t, cfg.Redaction.Fields, "api_key")
	assert.NotContains(t, cfg.Redaction.Fields, "")

	_, err = FromAppConfig(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

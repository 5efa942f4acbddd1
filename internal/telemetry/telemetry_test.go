package telemetry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchorwatch/anchorwatch/internal/telemetry"
)

func TestInit_Disabled(t *testing.T) {
	ctx := context.Background()

	provider, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "anchorwatch-test",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		Enabled:        false,
	})
	require.NoError(t, err)

	assert.False(t, provider.Enabled())
	assert.NotNil(t, provider.Tracer)
	assert.NotNil(t, provider.Meter)
	assert.Nil(t, provider.TracerProvider)
	assert.Nil(t, provider.MeterProvider)
	assert.NoError(t, provider.Shutdown(ctx))
}

func TestProvider_ShutdownWithoutProviders(t *testing.T) {
	assert.NoError(t, (&telemetry.Provider{}).Shutdown(context.Background()))
}

func TestConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("OTEL_ENABLED", "")
		t.Setenv("ENVIRONMENT", "")
		cfg := telemetry.ConfigFromEnv("anchorwatch-api", "0.1.0")

		assert.Equal(t, "anchorwatch-api", cfg.ServiceName)
		assert.Equal(t, "0.1.0", cfg.ServiceVersion)
		assert.False(t, cfg.Enabled)
		assert.Equal(t, "development", cfg.Environment)
		assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
		assert.Equal(t, 1.0, cfg.SampleRatio)
		assert.Equal(t, 15*time.Second, cfg.MetricInterval)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("OTEL_ENABLED", "true")
		t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
		t.Setenv("OTEL_SAMPLE_RATIO", "0.25")
		t.Setenv("OTEL_METRIC_INTERVAL", "1m")
		t.Setenv("ENVIRONMENT", "production")
		cfg := telemetry.ConfigFromEnv("anchorwatch-worker", "0.1.0")

		assert.True(t, cfg.Enabled)
		assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
		assert.Equal(t, 0.25, cfg.SampleRatio)
		assert.Equal(t, time.Minute, cfg.MetricInterval)
		assert.Equal(t, "production", cfg.Environment)
	})

	t.Run("unparseable values fall back", func(t *testing.T) {
		t.Setenv("OTEL_SAMPLE_RATIO", "lots")
		t.Setenv("OTEL_METRIC_INTERVAL", "soon")
		cfg := telemetry.ConfigFromEnv("anchorwatch", "dev")
		assert.Equal(t, 1.0, cfg.SampleRatio)
		assert.Equal(t, 15*time.Second, cfg.MetricInterval)
	})
}

func TestSampler(t *testing.T) {
	assert.Contains(t, telemetry.Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, telemetry.Sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, telemetry.Sampler(0.5).Description(), "TraceIDRatioBased{0.5}")
}

func TestGlobalAccessors(t *testing.T) {
	assert.NotNil(t, telemetry.Tracer("anchorwatch-test"))
	assert.NotNil(t, telemetry.Meter("anchorwatch-test"))
}

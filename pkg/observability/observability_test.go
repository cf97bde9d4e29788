package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopManagerIsSafe(t *testing.T) {
	m := NoopManager()

	tracer := m.GetTracer("test")
	_, span := tracer.Start(context.Background(), "op")
	span.End()

	metrics := m.GetMetrics()
	metrics.RecordTurn(context.Background(), "deepseek-chat", 0.5, false)
	metrics.RecordLLMRequest(context.Background(), "deepseek-chat", 0.1, 10, 20, nil)
	metrics.RecordToolCall(context.Background(), "execute_sql", "builtin", 0.01, nil)
	metrics.RecordQuotaRejection(context.Background(), "tenant-1")

	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestInitMetricsDisabled(t *testing.T) {
	m, err := InitMetrics(context.Background(), MetricsConfig{Enabled: false})
	require.NoError(t, err)
	// Zero-value instruments must be nil-safe.
	m.RecordTurn(context.Background(), "m", 1, true)
}

func TestInitMetricsEnabled(t *testing.T) {
	m, err := InitMetrics(context.Background(), MetricsConfig{Enabled: true})
	require.NoError(t, err)
	m.RecordLLMRequest(context.Background(), "deepseek-chat", 0.2, 5, 7, nil)
	m.RecordToolCall(context.Background(), "web_search", "builtin", 0.3, context.Canceled)
}

func TestTracerDisabled(t *testing.T) {
	tp, err := InitGlobalTracer(context.Background(), TracerConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)
}

func TestConfigDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()
	assert.Equal(t, "kk-ai-nl2sql", cfg.Tracing.ServiceName)
	assert.Equal(t, 1.0, cfg.Tracing.SamplingRate)
}

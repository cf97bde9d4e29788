package observability

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the instruments recorded by the chat pipeline. The zero value
// is a no-op: every Record method is nil-safe on its instruments.
type Metrics struct {
	turnDuration    metric.Float64Histogram
	turnsTotal      metric.Int64Counter
	turnErrors      metric.Int64Counter
	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrors       metric.Int64Counter
	toolDuration    metric.Float64Histogram
	toolCalls       metric.Int64Counter
	toolErrors      metric.Int64Counter
	quotaRejections metric.Int64Counter
}

var (
	globalMetrics   = &Metrics{}
	globalMetricsMu sync.RWMutex
)

// SetGlobalMetrics installs the process-wide metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics instance.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	return globalMetrics
}

// InitMetrics builds the instrument set backed by the Prometheus exporter.
// When disabled, a no-op Metrics is returned.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("kk-ai-nl2sql")

	m := &Metrics{}

	if m.turnDuration, err = meter.Float64Histogram(
		"chat_turn_duration_seconds",
		metric.WithDescription("Chat turn duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create turn duration histogram: %w", err)
	}
	if m.turnsTotal, err = meter.Int64Counter(
		"chat_turns_total",
		metric.WithDescription("Total chat turns"),
	); err != nil {
		return nil, fmt.Errorf("failed to create turns counter: %w", err)
	}
	if m.turnErrors, err = meter.Int64Counter(
		"chat_turn_errors_total",
		metric.WithDescription("Total chat turns terminated by an error event"),
	); err != nil {
		return nil, fmt.Errorf("failed to create turn errors counter: %w", err)
	}
	if m.llmDuration, err = meter.Float64Histogram(
		"llm_request_duration_seconds",
		metric.WithDescription("LLM streaming request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		"llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to the LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		"llm_tokens_output_total",
		metric.WithDescription("Total output tokens from the LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}
	if m.llmErrors, err = meter.Int64Counter(
		"llm_errors_total",
		metric.WithDescription("Total LLM stream errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}
	if m.toolCalls, err = meter.Int64Counter(
		"tool_calls_total",
		metric.WithDescription("Total tool calls dispatched"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	if m.toolErrors, err = meter.Int64Counter(
		"tool_errors_total",
		metric.WithDescription("Total failed tool dispatches"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}
	if m.quotaRejections, err = meter.Int64Counter(
		"quota_rejections_total",
		metric.WithDescription("Total requests rejected by the quota gate"),
	); err != nil {
		return nil, fmt.Errorf("failed to create quota rejections counter: %w", err)
	}

	return m, nil
}

// RecordTurn records one completed chat turn.
func (m *Metrics) RecordTurn(ctx context.Context, model string, seconds float64, failed bool) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	if m.turnDuration != nil {
		m.turnDuration.Record(ctx, seconds, attrs)
	}
	if m.turnsTotal != nil {
		m.turnsTotal.Add(ctx, 1, attrs)
	}
	if failed && m.turnErrors != nil {
		m.turnErrors.Add(ctx, 1, attrs)
	}
}

// RecordLLMRequest records one LLM streaming invocation.
func (m *Metrics) RecordLLMRequest(ctx context.Context, model string, seconds float64, inputTokens, outputTokens int, err error) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	if m.llmDuration != nil {
		m.llmDuration.Record(ctx, seconds, attrs)
	}
	if m.llmInputTokens != nil && inputTokens > 0 {
		m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	}
	if m.llmOutputTokens != nil && outputTokens > 0 {
		m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
	}
	if err != nil && m.llmErrors != nil {
		m.llmErrors.Add(ctx, 1, attrs)
	}
}

// RecordToolCall records one dispatched tool call.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, source string, seconds float64, err error) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("source", source),
	)
	if m.toolDuration != nil {
		m.toolDuration.Record(ctx, seconds, attrs)
	}
	if m.toolCalls != nil {
		m.toolCalls.Add(ctx, 1, attrs)
	}
	if err != nil && m.toolErrors != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

// RecordQuotaRejection records a request rejected by the quota gate.
func (m *Metrics) RecordQuotaRejection(ctx context.Context, tenantID string) {
	if m.quotaRejections != nil {
		m.quotaRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant", tenantID)))
	}
}

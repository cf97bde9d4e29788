package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/observability"
)

// Dispatcher routes a tool call to its backend by origin tag. Dispatch
// failures are captured in the Result; they never propagate as errors.
type Dispatcher struct {
	registry *ToolRegistry
	store    CatalogueStore
	factory  MCPClientFactory
	webhook  *WebhookExecutor
	tracer   trace.Tracer
}

// NewDispatcher creates a dispatcher over the given registry and store.
func NewDispatcher(registry *ToolRegistry, store CatalogueStore, factory MCPClientFactory) *Dispatcher {
	if factory == nil {
		factory = DefaultMCPClientFactory
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		factory:  factory,
		webhook:  NewWebhookExecutor(),
		tracer:   observability.GetTracer("tools"),
	}
}

// Dispatch resolves the tool origin, routes the call and returns the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, name, rawArgs string, ec *ExecContext) Result {
	start := time.Now()

	origin, ok := d.registry.Origin(name)
	if !ok {
		return Result{Name: name, Success: false, Error: fmt.Sprintf("unknown tool %q", name)}
	}

	ctx, span := d.tracer.Start(ctx, "tools.dispatch",
		trace.WithAttributes(
			attribute.String("tool.name", name),
			attribute.String("tool.source", origin),
		))
	defer span.End()

	args := ParseArguments(rawArgs)

	var content string
	var err error
	switch {
	case origin == SourceBuiltin:
		content, err = d.callBuiltin(ctx, name, args, ec)
	case strings.HasPrefix(origin, SourceMCPPrefix):
		content, err = d.callMCP(ctx, strings.TrimPrefix(origin, SourceMCPPrefix), name, args, ec)
	case strings.HasPrefix(origin, SourceCustomPrefix):
		content, err = d.callWebhook(ctx, strings.TrimPrefix(origin, SourceCustomPrefix), args, ec)
	default:
		err = fmt.Errorf("unknown origin %q", origin)
	}

	observability.GetGlobalMetrics().RecordToolCall(ctx, name, origin, time.Since(start).Seconds(), err)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{Name: name, Success: false, Error: err.Error()}
	}
	span.SetStatus(codes.Ok, "")
	return Result{Name: name, Success: true, Content: content}
}

func (d *Dispatcher) callBuiltin(ctx context.Context, name string, args map[string]interface{}, ec *ExecContext) (string, error) {
	tool, ok := d.registry.Builtins().Get(name)
	if !ok {
		return "", fmt.Errorf("builtin %q not registered", name)
	}
	return tool.Execute(ctx, args, ec)
}

// callMCP constructs an adapter for the user's server record, calls the tool
// and releases the adapter. Missing record, disabled server or ownership
// mismatch fail the call.
func (d *Dispatcher) callMCP(ctx context.Context, serverID, name string, args map[string]interface{}, ec *ExecContext) (string, error) {
	record, err := d.store.GetMCPServer(ctx, serverID, ec.UserID)
	if err != nil {
		return "", fmt.Errorf("MCP server %s unavailable: %w", serverID, err)
	}
	if record == nil || !record.Enabled {
		return "", fmt.Errorf("MCP server %s is not enabled", serverID)
	}

	client, err := d.factory(ctx, *record)
	if err != nil {
		return "", fmt.Errorf("failed to connect MCP server %s: %w", serverID, err)
	}
	defer client.Close()

	return client.CallTool(ctx, name, args)
}

func (d *Dispatcher) callWebhook(ctx context.Context, toolID string, args map[string]interface{}, ec *ExecContext) (string, error) {
	record, err := d.store.GetCustomTool(ctx, toolID, ec.UserID)
	if err != nil {
		return "", fmt.Errorf("custom tool %s unavailable: %w", toolID, err)
	}
	if record == nil || !record.Enabled {
		return "", fmt.Errorf("custom tool %s is not enabled", toolID)
	}

	return d.webhook.Execute(ctx, *record, args)
}

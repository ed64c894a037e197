package mcp

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name registered with the global
// TracerProvider. Spec §10.4: tracing is optional and defaults to a no-op
// exporter — this package never configures a provider itself, it only asks
// otel.Tracer for whatever provider the host has installed (none installed
// means otel's default no-op implementation, so every call below is free).
const tracerName = "github.com/mcpmesh/mcpmesh/pkg/mcp"

func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// traceConnect wraps a connect attempt in a span carrying the server id and
// transport kind, recording the final error (if any) as the span status.
func traceConnect(ctx context.Context, serverID string, kind TransportKind, fn func(ctx context.Context) error) error {
	ctx, span := tracer().Start(ctx, "mcp.connect", trace.WithAttributes(
		attribute.String("mcp.server_id", serverID),
		attribute.String("mcp.transport", string(kind)),
	))
	defer span.End()
	err := fn(ctx)
	recordSpanErr(span, err)
	return err
}

// traceToolCall wraps a tools/call invocation in a span carrying the server
// and tool name.
func traceToolCall(ctx context.Context, serverID, toolName string, fn func(ctx context.Context) (*ToolCallResult, error)) (*ToolCallResult, error) {
	ctx, span := tracer().Start(ctx, "mcp.tools.call", trace.WithAttributes(
		attribute.String("mcp.server_id", serverID),
		attribute.String("mcp.tool", toolName),
	))
	defer span.End()
	result, err := fn(ctx)
	recordSpanErr(span, err)
	return result, err
}

// traceRefresh wraps a metadata refresh round in a span.
func traceRefresh(ctx context.Context, serverID string, fn func(ctx context.Context) error) error {
	ctx, span := tracer().Start(ctx, "mcp.metadata.refresh", trace.WithAttributes(
		attribute.String("mcp.server_id", serverID),
	))
	defer span.End()
	err := fn(ctx)
	recordSpanErr(span, err)
	return err
}

func recordSpanErr(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

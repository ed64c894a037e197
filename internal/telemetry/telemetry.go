// Package telemetry installs the OpenTelemetry tracer provider pkg/mcp's
// span helpers report into (spec §10.4). Telemetry is optional: a disabled
// or misconfigured provider degrades to otel's no-op default rather than
// failing startup.
package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Config controls whether and how traces are exported.
type Config struct {
	Enabled       bool
	Endpoint      string // host:port, no scheme
	Insecure      bool
	TLSSkipVerify bool
	SampleRatio   float64 // 0 disables, 1 always-samples
}

// Telemetry owns the process-wide TracerProvider and its Shutdown.
type Telemetry struct {
	provider *trace.TracerProvider
}

// Noop returns a Telemetry whose Shutdown is a no-op and that never installs
// a global provider, leaving pkg/mcp's tracer() calls on otel's own no-op
// default.
func Noop() *Telemetry { return &Telemetry{} }

// New installs a global TracerProvider per cfg. A disabled config, or an
// exporter that fails to construct, returns Noop() rather than an error:
// tracing degrades gracefully instead of blocking startup.
func New(ctx context.Context, cfg Config) *Telemetry {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return Noop()
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("mcpmesh"),
	))
	if err != nil {
		return Noop()
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else if cfg.TLSSkipVerify {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(&tls.Config{InsecureSkipVerify: true}))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return Noop()
	}

	sampler := samplerFor(cfg.SampleRatio)
	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(provider)
	return &Telemetry{provider: provider}
}

func samplerFor(ratio float64) trace.Sampler {
	switch {
	case ratio >= 1:
		return trace.AlwaysSample()
	case ratio <= 0:
		return trace.NeverSample()
	default:
		return trace.TraceIDRatioBased(ratio)
	}
}

// Shutdown flushes and stops the tracer provider, if one was installed.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	if err := t.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down tracer provider: %w", err)
	}
	return nil
}

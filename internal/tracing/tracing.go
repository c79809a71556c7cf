// Package tracing wires an actual go.opentelemetry.io/otel/sdk
// TracerProvider for the spans router.Client and stream.Subscription emit
// (spec section 4.5/4.6). Grounded on
// _examples/zero-day-ai-sdk/serve/tracer.go's NewProxyTracerProvider: a
// SimpleSpanProcessor over a SpanExporter that forwards completed spans
// somewhere other than a full collector pipeline — there it forwards to an
// orchestrator RPC, here it forwards to the runtime's own log sink, which is
// the right fit for an embeddable library with no assumed collector
// endpoint.
package tracing

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// LogExporter is an sdktrace.SpanExporter that writes each completed span to
// a log.Helper rather than a collector; a host application that wants a real
// backend passes its own exporter to NewProvider instead.
type LogExporter struct {
	log *log.Helper
}

// NewLogExporter builds a LogExporter over l.
func NewLogExporter(l *log.Helper) *LogExporter {
	return &LogExporter{log: l}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		e.log.Infow(
			"msg", "span finished",
			"name", s.Name(),
			"trace_id", s.SpanContext().TraceID().String(),
			"span_id", s.SpanContext().SpanID().String(),
			"duration_ms", s.EndTime().Sub(s.StartTime()).Milliseconds(),
			"status", s.Status().Code.String(),
		)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogExporter) Shutdown(ctx context.Context) error { return nil }

// Option is a function over the SDK's provider configuration. NewProvider
// and Install take no Options; they configure the provider from their
// serviceName and exporter arguments alone.
type Option func(*sdktrace.TracerProviderConfig)

// NewProvider builds an *sdktrace.TracerProvider for the runtime, exporting
// every span through exporter via a SimpleSpanProcessor (no batching: a
// plugin runtime's invocation volume does not warrant the batch exporter's
// buffering, and immediate export keeps spans visible even if the process
// is killed mid-run). Call otel.SetTracerProvider(provider) to make it the
// default the runtime's otel.Tracer(...) calls resolve against; without
// that call the global no-op provider is used and spans are discarded,
// which is the correct default for a library embedded in a host that runs
// its own tracing setup.
func NewProvider(ctx context.Context, serviceName string, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	)
	return provider, nil
}

// Install is a convenience wrapper that builds a provider with a LogExporter
// over l and installs it as otel's global TracerProvider.
func Install(ctx context.Context, serviceName string, l *log.Helper) (*sdktrace.TracerProvider, error) {
	provider, err := NewProvider(ctx, serviceName, NewLogExporter(l))
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(provider)
	return provider, nil
}

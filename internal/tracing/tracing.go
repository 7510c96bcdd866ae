// Package tracing configures the OpenTelemetry tracer provider the
// assignment and ingestion hot paths put spans on. The exporter writes to
// stdout; production deployments point OTEL at a collector via the usual
// environment variables instead.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "scheduler-core"

// Setup installs a tracer provider with a stdout exporter and returns a
// shutdown function for graceful teardown.
func Setup(enabled bool) (func(context.Context) error, error) {
	if !enabled {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// Tracer returns the scheduler's tracer from the globally installed
// provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Start opens a span named after the operation on the scheduler's tracer.
func Start(ctx context.Context, operation string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, operation)
}

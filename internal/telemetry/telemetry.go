// Package telemetry wires OpenTelemetry tracing for ssrfguard.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/oktsec/ssrfguard"

// Init installs the global tracer provider. exporter "" or "none" leaves
// tracing disabled; "stdout" writes spans as JSON to w.
// The returned function flushes and stops the provider.
func Init(ctx context.Context, exporter, version string, w io.Writer, logger *slog.Logger) (func(context.Context) error, error) {
	switch exporter {
	case "", "none":
		logger.Debug("tracing disabled")
		return func(context.Context) error { return nil }, nil
	case "stdout":
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", exporter)
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("creating stdout exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", "ssrfguard"),
			attribute.String("service.version", version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "exporter", exporter)
	return tp.Shutdown, nil
}

// StartSpan starts a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Attribute helpers keep span keys consistent across packages.

func URL(u string) attribute.KeyValue {
	return attribute.String("ssrf.url", u)
}

func Host(h string) attribute.KeyValue {
	return attribute.String("ssrf.host", h)
}

func Address(a string) attribute.KeyValue {
	return attribute.String("ssrf.address", a)
}

func Hop(n int) attribute.KeyValue {
	return attribute.Int("ssrf.hop", n)
}

func Kind(k string) attribute.KeyValue {
	return attribute.String("ssrf.kind", k)
}

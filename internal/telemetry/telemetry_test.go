package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "test", io.Discard, testLogger())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), "zipkin", "test", io.Discard, testLogger())
	assert.Error(t, err)
}

func TestInit_StdoutWritesSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), "stdout", "test", &buf, testLogger())
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "guard.safe_url", URL("http://example.com"), Host("example.com"), Hop(0))
	span.End()

	require.NoError(t, shutdown(context.Background()))
	out := buf.String()
	assert.Contains(t, out, "guard.safe_url")
	assert.Contains(t, out, "ssrf.host")
	assert.Contains(t, out, "example.com")
}

func TestStartSpan_NoopProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	otel.SetTracerProvider(noop.NewTracerProvider())

	ctx, span := StartSpan(context.Background(), "noop", Kind("private_address_denied"))
	defer span.End()
	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsValid())
}

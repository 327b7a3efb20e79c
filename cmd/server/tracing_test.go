package main

import (
	"context"
	"testing"

	"github.com/huangang/fleetcron/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetupTracingDisabled(t *testing.T) {
	before := otel.GetTracerProvider()

	stop, err := setupTracing(context.Background(), &config.TracingConfig{Enabled: false}, "node-a")
	require.NoError(t, err)
	require.NotNil(t, stop)
	assert.NoError(t, stop(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider(), "global provider untouched")
}

func TestSetupTracingEnabled(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	stop, err := setupTracing(context.Background(), &config.TracingConfig{
		Enabled:     true,
		Endpoint:    "localhost:4318",
		Insecure:    true,
		SampleRatio: 0,
	}, "node-a")
	require.NoError(t, err)

	tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	require.True(t, ok, "global provider is the sdk provider")

	// A ratio outside (0, 1] samples everything. The span is never ended so
	// nothing is exported.
	_, span := tp.Tracer("test").Start(context.Background(), "sampling-check")
	assert.True(t, span.IsRecording())
	assert.True(t, span.SpanContext().IsSampled())

	assert.NoError(t, stop(context.Background()))
}

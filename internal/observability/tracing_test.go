package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid(), "noop provider should not produce valid spans")
	span.End()
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultTracingConfig()
	cfg.Enabled = true
	cfg.Writer = &buf

	shutdown, err := InitTracing(context.Background(), cfg, nil)
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "flowtable.bind")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "flowtable.bind")

	// 還原為 noop，避免影響其他測試
	_, err = InitTracing(context.Background(), TracingConfig{}, nil)
	require.NoError(t, err)
}

func TestInitTracingRejectsBadConfig(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, nil)
	assert.Error(t, err)

	_, err = InitTracing(context.Background(), TracingConfig{Enabled: true, SampleRatio: 2}, nil)
	assert.Error(t, err)
}

func TestShutdownWithTimeoutNil(t *testing.T) {
	assert.NotPanics(t, func() { ShutdownWithTimeout(context.Background(), nil, nil) })
}

package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"

	"github.com/opensource-finance/heron/internal/domain"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(domain.TracingConfig{Enabled: false}, "test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
}

func TestSetupJaeger(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	shutdown, err := Setup(domain.TracingConfig{
		Enabled:      true,
		ServiceName:  "heron-test",
		ExporterType: "jaeger",
		Endpoint:     "http://127.0.0.1:14268/api/traces",
		SampleRatio:  0.5,
	}, "test")
	require.NoError(t, err)

	_, ok := otel.GetTracerProvider().(*tracesdk.TracerProvider)
	assert.True(t, ok)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  domain.TracingConfig
	}{
		{"missing endpoint", domain.TracingConfig{Enabled: true, ExporterType: "jaeger"}},
		{"unknown exporter", domain.TracingConfig{Enabled: true, ExporterType: "zipkin", Endpoint: "http://x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Setup(tt.cfg, "test")
			assert.Error(t, err)
		})
	}
}

func TestSampleRatio(t *testing.T) {
	assert.Equal(t, 1.0, sampleRatio(0))
	assert.Equal(t, 1.0, sampleRatio(-2))
	assert.Equal(t, 1.0, sampleRatio(3))
	assert.Equal(t, 0.25, sampleRatio(0.25))
}

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, &config.TelemetryConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, p)

	// No providers were built, so the globals stay no-op and shutdown has
	// nothing to flush.
	assert.Nil(t, p.tracerProvider)
	assert.Nil(t, p.meterProvider)
	assert.NoError(t, p.Shutdown(ctx))
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"http://collector:4318", "collector:4318"},
		{"https://collector:4318", "collector:4318"},
		{"collector:4318", "collector:4318"},
		{"localhost:4317", "localhost:4317"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stripScheme(tt.endpoint), tt.endpoint)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8087, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Signature.TopFrames)
	assert.Equal(t, 7*24*time.Hour, cfg.Signature.HalfLife.Duration())
	assert.Equal(t, 5*time.Minute, cfg.Correlation.Window.Duration())
	assert.Equal(t, time.Hour, cfg.Correlation.MaxLifetime.Duration())
	assert.InDelta(t, 0.6, cfg.Generation.Threshold, 1e-9)
	assert.Equal(t, 24*time.Hour, cfg.Review.AutoApproveTimeout.Duration())
	assert.Equal(t, 7*24*time.Hour, cfg.Review.ExpireCeiling.Duration())
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.EventTTL.Duration())
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad(t *testing.T) {
	t.Run("empty path uses defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 8087, cfg.Server.Port)
	})

	t.Run("yaml file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		yaml := `
server:
  port: 9999
signature:
  half_life: 48h
  critical_services:
    - billing
    - payments
review:
  auto_approve_timeout: 12h
`
		require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, 48*time.Hour, cfg.Signature.HalfLife.Duration())
		assert.Equal(t, []string{"billing", "payments"}, cfg.Signature.CriticalServices)
		assert.Equal(t, 12*time.Hour, cfg.Review.AutoApproveTimeout.Duration())
		// Untouched sections keep their defaults.
		assert.Equal(t, 5, cfg.Signature.TopFrames)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o600))

		t.Setenv("REMEDYD_SERVER__PORT", "7777")
		t.Setenv("REMEDYD_LOGGING__LEVEL", "debug")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 7777, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("missing file fails", func(t *testing.T) {
		_, err := Load("/nonexistent/config.yaml")
		assert.Error(t, err)
	})

	t.Run("malformed yaml fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [not: a map"), 0o600))

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid defaults",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "threshold above one",
			mutate:  func(c *Config) { c.Generation.Threshold = 1.5 },
			wantErr: "generation.threshold",
		},
		{
			name:    "zero top frames",
			mutate:  func(c *Config) { c.Signature.TopFrames = 0 },
			wantErr: "signature.top_frames",
		},
		{
			name:    "lifetime below window",
			mutate:  func(c *Config) { c.Correlation.MaxLifetime = Duration(time.Minute) },
			wantErr: "correlation.max_lifetime",
		},
		{
			name:    "ceiling below timeout",
			mutate:  func(c *Config) { c.Review.ExpireCeiling = Duration(time.Hour) },
			wantErr: "review.expire_ceiling",
		},
		{
			name: "telemetry without endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = ""
			},
			wantErr: "telemetry.endpoint",
		},
		{
			name: "unknown telemetry protocol",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Protocol = "thrift"
			},
			wantErr: "telemetry.protocol",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration(t *testing.T) {
	t.Run("parses text", func(t *testing.T) {
		var d Duration
		require.NoError(t, d.UnmarshalText([]byte("90s")))
		assert.Equal(t, 90*time.Second, d.Duration())
	})

	t.Run("rejects negative", func(t *testing.T) {
		var d Duration
		assert.Error(t, d.UnmarshalText([]byte("-5s")))
	})

	t.Run("rejects garbage", func(t *testing.T) {
		var d Duration
		assert.Error(t, d.UnmarshalText([]byte("soon")))
	})

	t.Run("round trips", func(t *testing.T) {
		d := Duration(90 * time.Second)
		text, err := d.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, "1m30s", string(text))
	})
}

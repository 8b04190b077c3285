// Package config provides configuration loading for remedyd.
//
// Precedence (highest to lowest):
//  1. Environment variables (REMEDYD_ prefix, double underscore as the
//     section separator: REMEDYD_SERVER__PORT -> server.port)
//  2. YAML config file
//  3. Hardcoded defaults
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/remedyd/internal/logging"
)

const (
	envPrefix         = "REMEDYD_"
	maxConfigFileSize = 1024 * 1024
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure       bool     `koanf:"insecure"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	MetricInterval Duration `koanf:"metric_interval"`
}

// NATSConfig configures the fix notification bus.
type NATSConfig struct {
	// URL is the broker address; empty disables publishing entirely.
	URL           string   `koanf:"url"`
	SubjectPrefix string   `koanf:"subject_prefix"`
	MaxReconnects int      `koanf:"max_reconnects"`
	ReconnectWait Duration `koanf:"reconnect_wait"`
}

// SignatureConfig configures the signature engine.
type SignatureConfig struct {
	TopFrames        int      `koanf:"top_frames"`
	HalfLife         Duration `koanf:"half_life"`
	CriticalServices []string `koanf:"critical_services"`
}

// CorrelationConfig configures the incident correlation engine.
type CorrelationConfig struct {
	Window       Duration `koanf:"window"`
	MaxLifetime  Duration `koanf:"max_lifetime"`
	SealInterval Duration `koanf:"seal_interval"`
}

// GenerationConfig configures fix candidate generation.
type GenerationConfig struct {
	Threshold float64 `koanf:"threshold"`
	// CatalogPath optionally overrides the embedded template catalog.
	CatalogPath string `koanf:"catalog_path"`
}

// ReviewConfig configures the review workflow and its timeout scan.
type ReviewConfig struct {
	AutoApproveTimeout Duration `koanf:"auto_approve_timeout"`
	ExpireCeiling      Duration `koanf:"expire_ceiling"`
	ScanInterval       Duration `koanf:"scan_interval"`
	ApprovalRateWindow Duration `koanf:"approval_rate_window"`
}

// RetentionConfig configures the retention sweep. The audit log is not
// covered by the sweep.
type RetentionConfig struct {
	EventTTL      Duration `koanf:"event_ttl"`
	SweepInterval Duration `koanf:"sweep_interval"`
}

// Config is the complete daemon configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     logging.Config    `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	NATS        NATSConfig        `koanf:"nats"`
	Signature   SignatureConfig   `koanf:"signature"`
	Correlation CorrelationConfig `koanf:"correlation"`
	Generation  GenerationConfig  `koanf:"generation"`
	Review      ReviewConfig      `koanf:"review"`
	Retention   RetentionConfig   `koanf:"retention"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8087,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: logging.Config{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			ServiceName:    "remedyd",
			ServiceVersion: "0.1.0",
			MetricInterval: Duration(15 * time.Second),
		},
		NATS: NATSConfig{
			SubjectPrefix: "remedyd",
			MaxReconnects: 5,
			ReconnectWait: Duration(time.Second),
		},
		Signature: SignatureConfig{
			TopFrames: 5,
			HalfLife:  Duration(7 * 24 * time.Hour),
		},
		Correlation: CorrelationConfig{
			Window:       Duration(5 * time.Minute),
			MaxLifetime:  Duration(time.Hour),
			SealInterval: Duration(time.Minute),
		},
		Generation: GenerationConfig{Threshold: 0.6},
		Review: ReviewConfig{
			AutoApproveTimeout: Duration(24 * time.Hour),
			ExpireCeiling:      Duration(7 * 24 * time.Hour),
			ScanInterval:       Duration(5 * time.Minute),
			ApprovalRateWindow: Duration(7 * 24 * time.Hour),
		},
		Retention: RetentionConfig{
			EventTTL:      Duration(30 * 24 * time.Hour),
			SweepInterval: Duration(time.Hour),
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		info, err := os.Stat(configPath)
		if err != nil {
			return nil, fmt.Errorf("config file not readable: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
		}

		raw, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envTransform maps REMEDYD_SERVER__PORT to server.port. Double underscore
// separates sections so key names may themselves contain underscores.
func envTransform(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Generation.Threshold <= 0 || c.Generation.Threshold > 1 {
		return fmt.Errorf("generation.threshold must be in (0, 1], got %f", c.Generation.Threshold)
	}
	if c.Signature.TopFrames <= 0 {
		return fmt.Errorf("signature.top_frames must be positive")
	}
	if c.Correlation.Window.Duration() <= 0 {
		return fmt.Errorf("correlation.window must be positive")
	}
	if c.Correlation.MaxLifetime.Duration() < c.Correlation.Window.Duration() {
		return fmt.Errorf("correlation.max_lifetime must be at least the window")
	}
	if c.Review.AutoApproveTimeout.Duration() <= 0 {
		return fmt.Errorf("review.auto_approve_timeout must be positive")
	}
	if c.Review.ExpireCeiling.Duration() <= c.Review.AutoApproveTimeout.Duration() {
		return fmt.Errorf("review.expire_ceiling must exceed the auto-approve timeout")
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
		}
		switch c.Telemetry.Protocol {
		case "grpc", "http/protobuf":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http/protobuf, got %q", c.Telemetry.Protocol)
		}
	}
	return nil
}

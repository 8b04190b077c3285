// Package logging builds the structured logger used across remedyd.
//
// Error events flowing through the pipeline carry user-tainted message text,
// so the logger supports field redaction in addition to the usual level,
// format, and sampling knobs.
package logging

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error (default: info).
	Level string `koanf:"level"`
	// Format is json or console (default: json).
	Format string `koanf:"format"`
	// Fields are static key/value pairs attached to every entry.
	Fields map[string]string `koanf:"fields"`
	// RedactFields lists field keys whose string values are replaced with a
	// redaction marker before encoding.
	RedactFields []string `koanf:"redact_fields"`
	// Sampling reduces log volume below error level.
	Sampling SamplingConfig `koanf:"sampling"`
}

// SamplingConfig caps per-tick log volume. Error and above always pass.
type SamplingConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Tick       time.Duration `koanf:"tick"`
	Initial    int           `koanf:"initial"`
	Thereafter int           `koanf:"thereafter"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{Level: "info", Format: "json"}
}

// New creates a zap logger from config.
func New(cfg *Config) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var encoder zapcore.Encoder = newEncoder(cfg.Format)
	if len(cfg.RedactFields) > 0 {
		encoder = newRedactingEncoder(encoder, cfg.RedactFields)
	}

	var core zapcore.Core = zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	if cfg.Sampling.Enabled {
		core = newSampledCore(core, cfg.Sampling)
	}

	logger := zap.New(core, zap.AddCaller())
	for k, v := range cfg.Fields {
		logger = logger.With(zap.String(k, v))
	}
	return logger, nil
}

// newEncoder creates a JSON or console encoder.
func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	if format == "console" {
		return zapcore.NewConsoleEncoder(encoderCfg)
	}
	return zapcore.NewJSONEncoder(encoderCfg)
}

// RedactedString creates a field carrying only the value's length.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}

// redactingEncoder replaces the string values of configured keys with a
// redaction marker before delegating to the wrapped encoder.
type redactingEncoder struct {
	zapcore.Encoder
	keys map[string]bool
}

func newRedactingEncoder(inner zapcore.Encoder, keys []string) *redactingEncoder {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return &redactingEncoder{Encoder: inner, keys: set}
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), keys: e.keys}
}

func (e *redactingEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	redacted := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		if e.keys[f.Key] && f.Type == zapcore.StringType {
			redacted[i] = RedactedString(f.Key, f.String)
			continue
		}
		redacted[i] = f
	}
	return e.Encoder.EncodeEntry(entry, redacted)
}

// newSampledCore wraps core so entries below error level are sampled while
// error and above always pass through.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	tick := cfg.Tick
	if tick <= 0 {
		tick = time.Second
	}
	initial := cfg.Initial
	if initial <= 0 {
		initial = 100
	}
	thereafter := cfg.Thereafter
	if thereafter <= 0 {
		thereafter = 100
	}

	errorCore := &levelFilterCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel}
	belowCore := &levelFilterCore{Core: core, min: zapcore.DebugLevel, max: zapcore.WarnLevel}

	sampled := zapcore.NewSamplerWithOptions(belowCore, tick, initial, thereafter)
	return zapcore.NewTee(errorCore, sampled)
}

// levelFilterCore restricts a core to an inclusive level range.
type levelFilterCore struct {
	zapcore.Core
	min, max zapcore.Level
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

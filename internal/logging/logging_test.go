package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	t.Run("nil config uses defaults", func(t *testing.T) {
		logger, err := New(nil)
		require.NoError(t, err)
		assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
		assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	})

	t.Run("level is honored", func(t *testing.T) {
		logger, err := New(&Config{Level: "debug", Format: "console"})
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("invalid level fails", func(t *testing.T) {
		_, err := New(&Config{Level: "loud"})
		assert.ErrorContains(t, err, "invalid log level")
	})
}

func TestRedactingEncoder(t *testing.T) {
	encoderCfg := zap.NewProductionEncoderConfig()
	inner := zapcore.NewJSONEncoder(encoderCfg)
	enc := newRedactingEncoder(inner, []string{"message", "token"})

	buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Message: "ingested"},
		[]zapcore.Field{
			zap.String("message", "nil pointer in order 4711"),
			zap.String("service", "billing"),
		})
	require.NoError(t, err)

	out := buf.String()
	assert.NotContains(t, out, "order 4711")
	assert.Contains(t, out, "[REDACTED:24]")
	assert.Contains(t, out, "billing")
}

func TestRedactedString(t *testing.T) {
	f := RedactedString("api_key", "hunter2")
	assert.Equal(t, "[REDACTED:7]", f.String)
}

func TestSampledCore(t *testing.T) {
	t.Run("errors bypass sampling", func(t *testing.T) {
		obs, logs := observer.New(zapcore.DebugLevel)
		core := newSampledCore(obs, SamplingConfig{Enabled: true, Tick: time.Minute, Initial: 1, Thereafter: 1000})
		logger := zap.New(core)

		for i := 0; i < 50; i++ {
			logger.Error("boom")
		}
		assert.Equal(t, 50, logs.FilterMessage("boom").Len())
	})

	t.Run("info is capped per tick", func(t *testing.T) {
		obs, logs := observer.New(zapcore.DebugLevel)
		core := newSampledCore(obs, SamplingConfig{Enabled: true, Tick: time.Minute, Initial: 3, Thereafter: 1000})
		logger := zap.New(core)

		for i := 0; i < 50; i++ {
			logger.Info("chatty")
		}
		assert.Equal(t, 3, logs.FilterMessage("chatty").Len())
	})
}

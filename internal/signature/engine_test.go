package signature

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/event"
	"github.com/fyrsmithlabs/remedyd/internal/store"
)

func newTestEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, store.NewKeyed[ErrorSignature](), zap.NewNop())
	require.NoError(t, err)
	return e
}

func testEvent(msg string, ts time.Time) event.RawErrorEvent {
	return event.RawErrorEvent{
		ID:        "ev-" + ts.Format("150405.000"),
		Source:    event.SourceException,
		Service:   "billing",
		Timestamp: ts,
		Message:   msg,
		Frames: []event.StackFrame{
			{Function: "billing.Charge", File: "charge.go", Line: 42},
			{Function: "billing.Process", File: "process.go", Line: 10},
		},
	}
}

func TestNewEngine(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := NewEngine(nil, nil, zap.NewNop())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "store is required")
	})

	t.Run("applies defaults", func(t *testing.T) {
		e := newTestEngine(t, &Config{})
		assert.Equal(t, 5, e.config.TopFrames)
		assert.Equal(t, 7*24*time.Hour, e.config.HalfLife)
	})
}

func TestFingerprint(t *testing.T) {
	frames := []event.StackFrame{
		{Function: "a", File: "a.go", Line: 1},
		{Function: "b", File: "b.go", Line: 2},
	}

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, Fingerprint("m", frames, 5), Fingerprint("m", frames, 5))
	})

	t.Run("line numbers excluded", func(t *testing.T) {
		moved := []event.StackFrame{
			{Function: "a", File: "a.go", Line: 99},
			{Function: "b", File: "b.go", Line: 100},
		}
		assert.Equal(t, Fingerprint("m", frames, 5), Fingerprint("m", moved, 5))
	})

	t.Run("message participates", func(t *testing.T) {
		assert.NotEqual(t, Fingerprint("m1", frames, 5), Fingerprint("m2", frames, 5))
	})

	t.Run("frames past topN ignored", func(t *testing.T) {
		extended := append(append([]event.StackFrame(nil), frames...),
			event.StackFrame{Function: "deep", File: "deep.go"})
		assert.Equal(t, Fingerprint("m", frames, 2), Fingerprint("m", extended, 2))
	})

	t.Run("frame order matters", func(t *testing.T) {
		reversed := []event.StackFrame{frames[1], frames[0]}
		assert.NotEqual(t, Fingerprint("m", frames, 5), Fingerprint("m", reversed, 5))
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		message string
		want    Category
	}{
		{"runtime error: nil pointer dereference", CategoryNullAccess},
		{"java.lang.NullPointerException at OrderService", CategoryNullAccess},
		{"SQLException: deadlock detected", CategoryDatabase},
		{"duplicate key value violates constraint", CategoryDatabase},
		{"dial tcp: connection refused", CategoryRemoteCall},
		{"context deadline exceeded", CategoryRemoteCall},
		{"strconv.Atoi: parsing \"x\": invalid syntax", CategoryNumericParse},
		{"NumberFormatException: for input string", CategoryNumericParse},
		{"fatal error: out of memory", CategoryResource},
		{"accept: too many open files", CategoryResource},
		{"something completely different", CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.message))
		})
	}
}

func TestEngine_Ingest(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	t.Run("creates signature on first sight", func(t *testing.T) {
		e := newTestEngine(t, nil)

		res, err := e.Ingest(ctx, testEvent("nil pointer dereference", base))
		require.NoError(t, err)

		assert.True(t, res.New)
		assert.Equal(t, CategoryNullAccess, res.Signature.Category)
		assert.Equal(t, SeverityHigh, res.Signature.Severity)
		assert.Equal(t, int64(1), res.Signature.Count)
		assert.Equal(t, base, res.Signature.FirstSeen)
		assert.Greater(t, res.Signature.Confidence, 0.0)
	})

	t.Run("increments existing signature", func(t *testing.T) {
		e := newTestEngine(t, nil)

		first, err := e.Ingest(ctx, testEvent("nil pointer dereference", base))
		require.NoError(t, err)

		second, err := e.Ingest(ctx, testEvent("nil pointer dereference", base.Add(time.Minute)))
		require.NoError(t, err)

		assert.False(t, second.New)
		assert.Equal(t, first.SignatureID, second.SignatureID)
		assert.Equal(t, int64(2), second.Signature.Count)
		assert.Equal(t, base.Add(time.Minute), second.Signature.LastSeen)
	})

	t.Run("confidence is monotone within the half-life", func(t *testing.T) {
		e := newTestEngine(t, nil)
		now := base

		prev := 0.0
		for i := 0; i < 10; i++ {
			res, err := e.Ingest(ctx, testEvent("nil pointer dereference", now))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, res.Signature.Confidence, prev,
				"occurrence %d lowered confidence", i+1)
			assert.LessOrEqual(t, res.Signature.Confidence, 1.0)
			prev = res.Signature.Confidence
			now = now.Add(time.Hour)
		}
	})

	t.Run("backfilled events decay by their own spacing", func(t *testing.T) {
		e := newTestEngine(t, nil)

		// Delivery is delayed far past the half-life, but the occurrences
		// themselves are seconds apart; confidence must not dip.
		delayed := time.Now().UTC().Add(-60 * 24 * time.Hour)
		first, err := e.Ingest(ctx, testEvent("nil pointer dereference", delayed))
		require.NoError(t, err)
		second, err := e.Ingest(ctx, testEvent("nil pointer dereference", delayed.Add(30*time.Second)))
		require.NoError(t, err)

		assert.GreaterOrEqual(t, second.Signature.Confidence, first.Signature.Confidence)
	})

	t.Run("out of order timestamps extend first seen", func(t *testing.T) {
		e := newTestEngine(t, nil)

		_, err := e.Ingest(ctx, testEvent("nil pointer dereference", base))
		require.NoError(t, err)
		res, err := e.Ingest(ctx, testEvent("nil pointer dereference", base.Add(-time.Hour)))
		require.NoError(t, err)

		assert.Equal(t, base.Add(-time.Hour), res.Signature.FirstSeen)
		assert.Equal(t, base, res.Signature.LastSeen)
	})

	t.Run("critical service escalates severity", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.CriticalServices = []string{"billing"}
		e := newTestEngine(t, cfg)

		res, err := e.Ingest(ctx, testEvent("nil pointer dereference", base))
		require.NoError(t, err)
		assert.Equal(t, SeverityCritical, res.Signature.Severity)
	})
}

func TestEngine_PurgeStale(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	e := newTestEngine(t, nil)

	_, err := e.Ingest(ctx, testEvent("nil pointer dereference", base.Add(-60*24*time.Hour)))
	require.NoError(t, err)
	fresh, err := e.Ingest(ctx, testEvent("connection refused", base))
	require.NoError(t, err)

	purged, err := e.PurgeStale(ctx, base.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	remaining, err := e.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, fresh.SignatureID, remaining[0].ID)
}

func TestSeverity_RankAndEscalate(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())

	assert.Equal(t, SeverityMedium, escalate(SeverityLow))
	assert.Equal(t, SeverityHigh, escalate(SeverityMedium))
	assert.Equal(t, SeverityCritical, escalate(SeverityHigh))
	assert.Equal(t, SeverityCritical, escalate(SeverityCritical))
}

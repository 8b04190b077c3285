package correlation

import (
	"context"
	"fmt"
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
	e, err := NewEngine(cfg, store.NewKeyed[Incident](), store.NewKeyed[string](), zap.NewNop())
	require.NoError(t, err)
	return e
}

var eventSeq int

func testEvent(service, traceID string, ts time.Time) event.RawErrorEvent {
	eventSeq++
	return event.RawErrorEvent{
		ID:        fmt.Sprintf("ev-%d", eventSeq),
		Source:    event.SourceException,
		Service:   service,
		Timestamp: ts,
		Message:   "connection refused",
		TraceID:   traceID,
	}
}

func TestNewEngine(t *testing.T) {
	t.Run("requires store and index", func(t *testing.T) {
		_, err := NewEngine(nil, nil, store.NewKeyed[string](), zap.NewNop())
		assert.Error(t, err)
		_, err = NewEngine(nil, store.NewKeyed[Incident](), nil, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		e := newTestEngine(t, &Config{})
		assert.Equal(t, 5*time.Minute, e.config.Window)
		assert.Equal(t, time.Hour, e.config.MaxLifetime)
	})
}

func TestEngine_Correlate(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	t.Run("first event opens an incident", func(t *testing.T) {
		e := newTestEngine(t, nil)
		e.now = func() time.Time { return base }

		res, err := e.Correlate(ctx, testEvent("billing", "", base))
		require.NoError(t, err)
		assert.True(t, res.Opened)

		inc, found, err := e.Get(ctx, res.IncidentID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "billing", inc.Service)
		assert.Equal(t, base, inc.WindowStart)
		assert.Equal(t, base.Add(5*time.Minute), inc.WindowEnd)
		assert.False(t, inc.Sealed)
	})

	t.Run("same trace id joins regardless of service", func(t *testing.T) {
		e := newTestEngine(t, nil)
		e.now = func() time.Time { return base }

		first, err := e.Correlate(ctx, testEvent("billing", "trace-1", base))
		require.NoError(t, err)
		second, err := e.Correlate(ctx, testEvent("payments", "trace-1", base.Add(time.Minute)))
		require.NoError(t, err)

		assert.False(t, second.Opened)
		assert.Equal(t, first.IncidentID, second.IncidentID)

		inc, _, err := e.Get(ctx, first.IncidentID)
		require.NoError(t, err)
		assert.Len(t, inc.MemberIDs, 2)
	})

	t.Run("untraced event joins a trace-opened incident for the service", func(t *testing.T) {
		e := newTestEngine(t, nil)
		e.now = func() time.Time { return base }

		traced, err := e.Correlate(ctx, testEvent("billing", "trace-9", base))
		require.NoError(t, err)
		untraced, err := e.Correlate(ctx, testEvent("billing", "", base.Add(2*time.Minute)))
		require.NoError(t, err)

		assert.False(t, untraced.Opened)
		assert.Equal(t, traced.IncidentID, untraced.IncidentID)
	})

	t.Run("each member extends the window", func(t *testing.T) {
		e := newTestEngine(t, nil)
		e.now = func() time.Time { return base }

		first, err := e.Correlate(ctx, testEvent("billing", "", base))
		require.NoError(t, err)
		_, err = e.Correlate(ctx, testEvent("billing", "", base.Add(4*time.Minute)))
		require.NoError(t, err)

		inc, _, err := e.Get(ctx, first.IncidentID)
		require.NoError(t, err)
		assert.Equal(t, base.Add(9*time.Minute), inc.WindowEnd)
	})

	t.Run("event outside the service window opens a new incident", func(t *testing.T) {
		e := newTestEngine(t, nil)
		e.now = func() time.Time { return base }

		first, err := e.Correlate(ctx, testEvent("billing", "", base))
		require.NoError(t, err)
		late, err := e.Correlate(ctx, testEvent("billing", "", base.Add(10*time.Minute)))
		require.NoError(t, err)

		assert.True(t, late.Opened)
		assert.NotEqual(t, first.IncidentID, late.IncidentID)
	})

	t.Run("late arrival inside the window is accepted", func(t *testing.T) {
		e := newTestEngine(t, nil)
		e.now = func() time.Time { return base }

		first, err := e.Correlate(ctx, testEvent("billing", "", base))
		require.NoError(t, err)
		_, err = e.Correlate(ctx, testEvent("billing", "", base.Add(3*time.Minute)))
		require.NoError(t, err)

		// Arrives after a later member but carries an earlier timestamp.
		lagged, err := e.Correlate(ctx, testEvent("billing", "", base.Add(time.Minute)))
		require.NoError(t, err)
		assert.False(t, lagged.Opened)
		assert.Equal(t, first.IncidentID, lagged.IncidentID)
	})

	t.Run("window end is capped at max lifetime", func(t *testing.T) {
		e := newTestEngine(t, &Config{Window: 5 * time.Minute, MaxLifetime: 10 * time.Minute})
		e.now = func() time.Time { return base }

		first, err := e.Correlate(ctx, testEvent("billing", "", base))
		require.NoError(t, err)
		_, err = e.Correlate(ctx, testEvent("billing", "", base.Add(8*time.Minute)))
		require.NoError(t, err)

		inc, _, err := e.Get(ctx, first.IncidentID)
		require.NoError(t, err)
		assert.Equal(t, base.Add(10*time.Minute), inc.WindowEnd)
	})

	t.Run("incident past max lifetime is sealed and replaced", func(t *testing.T) {
		e := newTestEngine(t, &Config{Window: 5 * time.Minute, MaxLifetime: 10 * time.Minute})
		now := base
		e.now = func() time.Time { return now }

		first, err := e.Correlate(ctx, testEvent("billing", "trace-1", base))
		require.NoError(t, err)

		now = base.Add(11 * time.Minute)
		next, err := e.Correlate(ctx, testEvent("billing", "trace-1", now))
		require.NoError(t, err)

		assert.True(t, next.Opened)
		assert.NotEqual(t, first.IncidentID, next.IncidentID)

		old, _, err := e.Get(ctx, first.IncidentID)
		require.NoError(t, err)
		assert.True(t, old.Sealed)
	})
}

func TestEngine_SealExpired(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	t.Run("seals elapsed windows and frees the key", func(t *testing.T) {
		e := newTestEngine(t, nil)
		now := base
		e.now = func() time.Time { return now }

		first, err := e.Correlate(ctx, testEvent("billing", "trace-1", base))
		require.NoError(t, err)

		now = base.Add(6 * time.Minute)
		sealed, err := e.SealExpired(ctx)
		require.NoError(t, err)
		require.Len(t, sealed, 1)
		assert.Equal(t, first.IncidentID, sealed[0].ID)
		assert.True(t, sealed[0].Sealed)
		assert.Equal(t, now, sealed[0].SealedAt)

		// The next event for the same keys opens a fresh incident.
		next, err := e.Correlate(ctx, testEvent("billing", "trace-1", now))
		require.NoError(t, err)
		assert.True(t, next.Opened)
		assert.NotEqual(t, first.IncidentID, next.IncidentID)
	})

	t.Run("rescan with nothing eligible is a no-op", func(t *testing.T) {
		e := newTestEngine(t, nil)
		now := base
		e.now = func() time.Time { return now }

		_, err := e.Correlate(ctx, testEvent("billing", "", base))
		require.NoError(t, err)

		now = base.Add(6 * time.Minute)
		sealed, err := e.SealExpired(ctx)
		require.NoError(t, err)
		require.Len(t, sealed, 1)

		again, err := e.SealExpired(ctx)
		require.NoError(t, err)
		assert.Empty(t, again)
	})

	t.Run("open incidents inside their window are untouched", func(t *testing.T) {
		e := newTestEngine(t, nil)
		e.now = func() time.Time { return base.Add(time.Minute) }

		_, err := e.Correlate(ctx, testEvent("billing", "", base))
		require.NoError(t, err)

		sealed, err := e.SealExpired(ctx)
		require.NoError(t, err)
		assert.Empty(t, sealed)
	})

	t.Run("newer incident for the key survives the sweep", func(t *testing.T) {
		e := newTestEngine(t, nil)
		now := base
		e.now = func() time.Time { return now }

		_, err := e.Correlate(ctx, testEvent("billing", "", base))
		require.NoError(t, err)

		// A second incident replaces the key before the sweep runs.
		now = base.Add(10 * time.Minute)
		second, err := e.Correlate(ctx, testEvent("billing", "", now))
		require.NoError(t, err)
		require.True(t, second.Opened)

		sealed, err := e.SealExpired(ctx)
		require.NoError(t, err)
		require.Len(t, sealed, 1)

		// The index still routes to the newer incident.
		joined, err := e.Correlate(ctx, testEvent("billing", "", now.Add(time.Minute)))
		require.NoError(t, err)
		assert.False(t, joined.Opened)
		assert.Equal(t, second.IncidentID, joined.IncidentID)
	})

	t.Run("stale drop leaves a replacing incident routable", func(t *testing.T) {
		e := newTestEngine(t, nil)
		now := base
		e.now = func() time.Time { return now }

		first, err := e.Correlate(ctx, testEvent("billing", "", base))
		require.NoError(t, err)

		now = base.Add(10 * time.Minute)
		second, err := e.Correlate(ctx, testEvent("billing", "", now))
		require.NoError(t, err)
		require.True(t, second.Opened)

		// A drop carrying the superseded incident's ID must not evict the
		// entry the replacement installed.
		require.NoError(t, e.dropIndexEntry(ctx, serviceKey("billing"), first.IncidentID))

		joined, err := e.Correlate(ctx, testEvent("billing", "", now.Add(time.Minute)))
		require.NoError(t, err)
		assert.False(t, joined.Opened)
		assert.Equal(t, second.IncidentID, joined.IncidentID)
	})
}

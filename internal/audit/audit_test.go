package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryLog_Record(t *testing.T) {
	ctx := context.Background()

	t.Run("assigns id, seq and timestamp", func(t *testing.T) {
		l := NewMemoryLog(zap.NewNop())

		err := l.Record(ctx, Event{Kind: KindSignatureCreated, ParentID: "sig-1"})
		require.NoError(t, err)

		events, err := l.ByParent(ctx, "sig-1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.NotEmpty(t, events[0].ID)
		assert.Equal(t, uint64(1), events[0].Seq)
		assert.False(t, events[0].At.IsZero())
	})

	t.Run("preserves explicit fields", func(t *testing.T) {
		l := NewMemoryLog(zap.NewNop())
		at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

		err := l.Record(ctx, Event{
			ID:       "ev-1",
			Kind:     KindReviewDecision,
			ParentID: "prop-1",
			Actor:    "alice",
			At:       at,
			Detail:   map[string]string{"decision": "approve"},
		})
		require.NoError(t, err)

		events, err := l.ByParent(ctx, "prop-1")
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "ev-1", events[0].ID)
		assert.Equal(t, "alice", events[0].Actor)
		assert.Equal(t, at, events[0].At)
		assert.Equal(t, "approve", events[0].Detail["decision"])
	})

	t.Run("rejects missing kind or parent", func(t *testing.T) {
		l := NewMemoryLog(zap.NewNop())
		assert.Error(t, l.Record(ctx, Event{ParentID: "p"}))
		assert.Error(t, l.Record(ctx, Event{Kind: KindIncidentOpened}))
		assert.Equal(t, 0, l.Len())
	})
}

func TestMemoryLog_ByParentOrdering(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(zap.NewNop())

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(ctx, Event{
			Kind:     KindProposalState,
			ParentID: "prop-1",
			Detail:   map[string]string{"step": fmt.Sprintf("%d", i)},
		}))
		// Interleave a different parent.
		require.NoError(t, l.Record(ctx, Event{Kind: KindProposalState, ParentID: "prop-2"}))
	}

	events, err := l.ByParent(ctx, "prop-1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("%d", i), ev.Detail["step"])
		if i > 0 {
			assert.Greater(t, ev.Seq, events[i-1].Seq)
		}
	}

	assert.Equal(t, 10, l.Len())
}

func TestMemoryLog_UnknownParent(t *testing.T) {
	l := NewMemoryLog(zap.NewNop())
	events, err := l.ByParent(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryLog_ConcurrentRecords(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLog(zap.NewNop())

	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_ = l.Record(ctx, Event{Kind: KindIncidentOpened, ParentID: "inc-1"})
		}()
	}
	wg.Wait()

	events, err := l.ByParent(ctx, "inc-1")
	require.NoError(t, err)
	require.Len(t, events, writers)

	seen := make(map[uint64]bool)
	for _, ev := range events {
		assert.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
		seen[ev.Seq] = true
	}
}

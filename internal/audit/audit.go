// Package audit provides an append-only record of every transition in the
// remediation pipeline. Entries are never mutated or deleted inside the
// retention window and are exempt from the raw-event retention sweep.
package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event kinds recorded by the pipeline.
const (
	KindSignatureCreated  = "signature.created"
	KindIncidentOpened    = "incident.opened"
	KindIncidentSealed    = "incident.sealed"
	KindProposalGenerated = "proposal.generated"
	KindProposalState     = "proposal.state_changed"
	KindReviewDecision    = "review.decision"
	KindGenerationFailed  = "generation.failed"
)

// Event is one immutable audit entry. ParentID ties the entry to the
// signature, incident or proposal it describes.
type Event struct {
	ID       string            `json:"id"`
	Seq      uint64            `json:"seq"`
	Kind     string            `json:"kind"`
	ParentID string            `json:"parent_id"`
	Actor    string            `json:"actor,omitempty"`
	At       time.Time         `json:"at"`
	Detail   map[string]string `json:"detail,omitempty"`
}

// Log is the audit sink. Record must not lose events: a recording failure
// propagates to the originating transition, which then also fails.
type Log interface {
	Record(ctx context.Context, ev Event) error
	ByParent(ctx context.Context, parentID string) ([]Event, error)
}

// MemoryLog is an in-memory Log with ordered appends per parent id.
type MemoryLog struct {
	mu       sync.RWMutex
	seq      uint64
	events   []Event
	byParent map[string][]int
	logger   *zap.Logger
}

// NewMemoryLog creates an empty audit log.
func NewMemoryLog(logger *zap.Logger) *MemoryLog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryLog{
		byParent: make(map[string][]int),
		logger:   logger,
	}
}

// Record appends an event. The sequence number assigned under the log's lock
// gives a total order; per-parent reads preserve it.
func (l *MemoryLog) Record(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Kind == "" {
		return errors.New("audit event kind is required")
	}
	if ev.ParentID == "" {
		return errors.New("audit event parent id is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev.Seq = l.seq
	idx := len(l.events)
	l.events = append(l.events, ev)
	l.byParent[ev.ParentID] = append(l.byParent[ev.ParentID], idx)

	l.logger.Debug("audit event recorded",
		zap.String("kind", ev.Kind),
		zap.String("parent_id", ev.ParentID),
		zap.Uint64("seq", ev.Seq))
	return nil
}

// ByParent returns the strictly time-ordered sequence of events for one
// parent id.
func (l *MemoryLog) ByParent(ctx context.Context, parentID string) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	idxs := l.byParent[parentID]
	out := make([]Event, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, l.events[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Len returns the total number of recorded events.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

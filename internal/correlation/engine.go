// Package correlation groups error events observed close in time and sharing
// identity keys into incidents.
package correlation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/event"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/correlation"

// Incident is a temporal grouping of correlated events. Open incidents
// accept new members inside their window; sealing is irreversible and makes
// the member list read-only.
type Incident struct {
	ID          string    `json:"id"`
	Service     string    `json:"service"`
	TraceID     string    `json:"trace_id,omitempty"`
	MemberIDs   []string  `json:"member_ids"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Sealed      bool      `json:"sealed"`
	SealedAt    time.Time `json:"sealed_at,omitempty"`
}

// Store is the keyed incident table.
type Store interface {
	Get(ctx context.Context, id string) (Incident, bool, error)
	List(ctx context.Context) ([]Incident, error)
	Update(ctx context.Context, id string, fn func(cur Incident, exists bool) (Incident, bool, error)) error
	Delete(ctx context.Context, id string) error
}

// Index maps correlation keys (trace id, service) to the currently open
// incident for that key. Updates are serialized per key.
type Index interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Update(ctx context.Context, key string, fn func(cur string, exists bool) (string, bool, error)) error
	DeleteIf(ctx context.Context, key string, fn func(cur string) bool) error
}

// Config configures the correlation engine.
type Config struct {
	// Window is W: a joining event must fall inside [start, end] and each
	// accepted member extends end to max(end, ts+W) (default: 5 minutes).
	Window time.Duration

	// MaxLifetime bounds incident growth during sustained failure storms;
	// an incident older than this is forcibly sealed (default: 1 hour).
	MaxLifetime time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Window:      5 * time.Minute,
		MaxLifetime: time.Hour,
	}
}

// Result reports where an event landed.
type Result struct {
	IncidentID string
	Opened     bool // true when a new incident was opened for this event
}

// Engine correlates events into incidents.
type Engine struct {
	config *Config
	store  Store
	index  Index
	logger *zap.Logger
	now    func() time.Time
	onOpen func(ctx context.Context, inc Incident) error

	tracer        trace.Tracer
	meter         metric.Meter
	joinCounter   metric.Int64Counter
	sealedCounter metric.Int64Counter
}

// NewEngine creates a correlation engine.
func NewEngine(cfg *Config, st Store, idx Index, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if st == nil {
		return nil, errors.New("incident store is required")
	}
	if idx == nil {
		return nil, errors.New("incident index is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = time.Hour
	}

	e := &Engine{
		config: cfg,
		store:  st,
		index:  idx,
		logger: logger,
		now:    time.Now,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	var err error

	e.joinCounter, err = e.meter.Int64Counter(
		"remedyd.correlation.events_correlated_total",
		metric.WithDescription("Total number of events placed into incidents"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		e.logger.Warn("failed to create join counter", zap.Error(err))
	}

	e.sealedCounter, err = e.meter.Int64Counter(
		"remedyd.correlation.incidents_sealed_total",
		metric.WithDescription("Total number of incidents sealed"),
		metric.WithUnit("{incident}"),
	)
	if err != nil {
		e.logger.Warn("failed to create sealed counter", zap.Error(err))
	}
}

func traceKey(traceID string) string { return "trace:" + traceID }
func serviceKey(service string) string { return "service:" + service }

// Correlate places an event into an open incident or opens a new one.
// Priority: same trace id first, then an open incident for the same service
// whose window contains the event timestamp. Late arrivals with timestamps
// earlier than the current window end are accepted while the incident is
// open.
func (e *Engine) Correlate(ctx context.Context, ev event.RawErrorEvent) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "correlation.correlate")
	defer span.End()

	span.SetAttributes(
		attribute.String("service", ev.Service),
		attribute.Bool("has_trace_id", ev.TraceID != ""),
	)

	var res Result
	var err error
	if ev.TraceID != "" {
		res, err = e.correlateByKey(ctx, traceKey(ev.TraceID), ev, false)
	} else {
		res, err = e.correlateByKey(ctx, serviceKey(ev.Service), ev, true)
	}
	if err != nil {
		return Result{}, err
	}

	if e.joinCounter != nil {
		e.joinCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("opened", res.Opened),
		))
	}
	span.SetAttributes(attribute.String("incident_id", res.IncidentID))
	return res, nil
}

// correlateByKey runs the join-or-open decision inside the correlation key's
// critical section so two events racing for the same key cannot both open an
// incident. checkWindow enables the service fallback's window containment
// test; trace-id joins accept any open incident for the trace.
func (e *Engine) correlateByKey(ctx context.Context, key string, ev event.RawErrorEvent, checkWindow bool) (Result, error) {
	var res Result

	err := e.index.Update(ctx, key, func(incidentID string, exists bool) (string, bool, error) {
		if exists {
			joined, err := e.tryJoin(ctx, incidentID, ev, checkWindow)
			if err != nil {
				return "", false, err
			}
			if joined {
				res = Result{IncidentID: incidentID}
				return incidentID, false, nil
			}
		}

		inc, err := e.open(ctx, ev)
		if err != nil {
			return "", false, err
		}
		res = Result{IncidentID: inc.ID, Opened: true}
		return inc.ID, true, nil
	})
	if err != nil {
		return Result{}, err
	}

	// An incident opened by a traced event is also reachable through the
	// service fallback, so untraced events from the same service can join it.
	if res.Opened && ev.TraceID != "" {
		err = e.index.Update(ctx, serviceKey(ev.Service), func(string, bool) (string, bool, error) {
			return res.IncidentID, true, nil
		})
		if err != nil {
			return Result{}, err
		}
	}

	return res, nil
}

// tryJoin adds the event to the incident if it is still open and, when
// checkWindow is set, its window contains the event timestamp.
func (e *Engine) tryJoin(ctx context.Context, incidentID string, ev event.RawErrorEvent, checkWindow bool) (bool, error) {
	joined := false

	err := e.store.Update(ctx, incidentID, func(inc Incident, exists bool) (Incident, bool, error) {
		if !exists || inc.Sealed {
			return inc, false, nil
		}

		now := e.now()
		if now.Sub(inc.WindowStart) >= e.config.MaxLifetime {
			// Past the hard ceiling: seal here rather than waiting for the
			// next scan, and let the caller open a fresh incident.
			inc.Sealed = true
			inc.SealedAt = now
			return inc, true, nil
		}

		if checkWindow {
			if ev.Timestamp.Before(inc.WindowStart) || ev.Timestamp.After(inc.WindowEnd) {
				return inc, false, nil
			}
		}

		inc.MemberIDs = append(inc.MemberIDs, ev.ID)
		if end := ev.Timestamp.Add(e.config.Window); end.After(inc.WindowEnd) {
			inc.WindowEnd = end
		}
		if limit := inc.WindowStart.Add(e.config.MaxLifetime); inc.WindowEnd.After(limit) {
			inc.WindowEnd = limit
		}
		joined = true
		return inc, true, nil
	})
	if err != nil {
		return false, err
	}
	return joined, nil
}

// OnOpen registers a hook invoked inside the opening critical section before
// a new incident becomes visible. A hook error aborts the open, leaving no
// incident or index entry behind. Must be called before the first Correlate.
func (e *Engine) OnOpen(fn func(ctx context.Context, inc Incident) error) {
	e.onOpen = fn
}

// open creates a new incident seeded by the event.
func (e *Engine) open(ctx context.Context, ev event.RawErrorEvent) (Incident, error) {
	inc := Incident{
		ID:          uuid.New().String(),
		Service:     ev.Service,
		TraceID:     ev.TraceID,
		MemberIDs:   []string{ev.ID},
		WindowStart: ev.Timestamp,
		WindowEnd:   ev.Timestamp.Add(e.config.Window),
	}

	err := e.store.Update(ctx, inc.ID, func(_ Incident, _ bool) (Incident, bool, error) {
		if e.onOpen != nil {
			if err := e.onOpen(ctx, inc); err != nil {
				return Incident{}, false, err
			}
		}
		return inc, true, nil
	})
	if err != nil {
		return Incident{}, err
	}

	e.logger.Info("opened incident",
		zap.String("incident_id", inc.ID),
		zap.String("service", inc.Service),
		zap.String("trace_id", inc.TraceID))
	return inc, nil
}

// Get returns the incident with the given id.
func (e *Engine) Get(ctx context.Context, id string) (Incident, bool, error) {
	return e.store.Get(ctx, id)
}

// List returns all incidents.
func (e *Engine) List(ctx context.Context) ([]Incident, error) {
	return e.store.List(ctx)
}

// SealExpired seals every open incident whose window has elapsed or whose
// lifetime exceeds the hard ceiling, and returns the incidents it sealed.
// Re-running the scan when nothing is eligible is a no-op.
func (e *Engine) SealExpired(ctx context.Context) ([]Incident, error) {
	ctx, span := e.tracer.Start(ctx, "correlation.seal_expired")
	defer span.End()

	incidents, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	var sealed []Incident
	for _, inc := range incidents {
		if inc.Sealed {
			continue
		}
		if now.Before(inc.WindowEnd) && now.Sub(inc.WindowStart) < e.config.MaxLifetime {
			continue
		}

		err := e.store.Update(ctx, inc.ID, func(cur Incident, exists bool) (Incident, bool, error) {
			if !exists || cur.Sealed {
				return cur, false, nil
			}
			cur.Sealed = true
			cur.SealedAt = now
			sealed = append(sealed, cur)
			return cur, true, nil
		})
		if err != nil {
			return sealed, err
		}
	}

	// Drop index entries that still point at sealed incidents so the next
	// event for the key opens a fresh incident.
	for _, inc := range sealed {
		if inc.TraceID != "" {
			if err := e.dropIndexEntry(ctx, traceKey(inc.TraceID), inc.ID); err != nil {
				return sealed, err
			}
		}
		if err := e.dropIndexEntry(ctx, serviceKey(inc.Service), inc.ID); err != nil {
			return sealed, err
		}
	}

	if len(sealed) > 0 {
		if e.sealedCounter != nil {
			e.sealedCounter.Add(ctx, int64(len(sealed)))
		}
		e.logger.Info("sealed incidents", zap.Int("count", len(sealed)))
	}
	span.SetAttributes(attribute.Int("sealed_count", len(sealed)))
	return sealed, nil
}

// dropIndexEntry removes the index entry only if it still points at the
// sealed incident; a newer open incident for the key is left alone.
func (e *Engine) dropIndexEntry(ctx context.Context, key, incidentID string) error {
	// Check and removal share one critical section so an entry installed by
	// a concurrent open for the same key is never removed by a stale sweep.
	return e.index.DeleteIf(ctx, key, func(cur string) bool {
		return cur == incidentID
	})
}

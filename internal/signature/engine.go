package signature

import (
	"context"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/event"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/signature"

// Store is the keyed signature table. Update serializes writers per
// signature id so concurrent ingestion of the same signature never races.
type Store interface {
	Get(ctx context.Context, id string) (ErrorSignature, bool, error)
	List(ctx context.Context) ([]ErrorSignature, error)
	Update(ctx context.Context, id string, fn func(cur ErrorSignature, exists bool) (ErrorSignature, bool, error)) error
	Delete(ctx context.Context, id string) error
}

// Config configures the signature engine.
type Config struct {
	// TopFrames is how many leading stack frames participate in the
	// fingerprint (default: 5).
	TopFrames int

	// HalfLife is the exponential decay half-life of the recency weight
	// (default: 7 days).
	HalfLife time.Duration

	// SeverityWeights maps defect categories to confidence multipliers.
	SeverityWeights map[Category]float64

	// CriticalServices lists services whose signatures are escalated one
	// severity level.
	CriticalServices []string
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		TopFrames: 5,
		HalfLife:  7 * 24 * time.Hour,
		SeverityWeights: map[Category]float64{
			CategoryNullAccess:   0.9,
			CategoryDatabase:     0.8,
			CategoryResource:     0.7,
			CategoryRemoteCall:   0.5,
			CategoryNumericParse: 0.6,
			CategoryUnknown:      0.3,
		},
	}
}

// baseSeverity is the severity class each category starts from before
// service-criticality escalation.
var baseSeverity = map[Category]Severity{
	CategoryNullAccess:   SeverityHigh,
	CategoryDatabase:     SeverityHigh,
	CategoryResource:     SeverityCritical,
	CategoryRemoteCall:   SeverityMedium,
	CategoryNumericParse: SeverityMedium,
	CategoryUnknown:      SeverityLow,
}

// IngestResult reports the outcome of one ingestion.
type IngestResult struct {
	SignatureID string
	New         bool
	Signature   ErrorSignature
}

// Engine computes signatures and maintains per-signature statistics.
type Engine struct {
	config   *Config
	store    Store
	logger   *zap.Logger
	onCreate func(ctx context.Context, sig ErrorSignature) error

	tracer           trace.Tracer
	meter            metric.Meter
	ingestCounter    metric.Int64Counter
	signatureCounter metric.Int64Counter
}

// NewEngine creates a signature engine backed by the given store.
func NewEngine(cfg *Config, st Store, logger *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if st == nil {
		return nil, errors.New("signature store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TopFrames <= 0 {
		cfg.TopFrames = 5
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = 7 * 24 * time.Hour
	}

	e := &Engine{
		config: cfg,
		store:  st,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	var err error

	e.ingestCounter, err = e.meter.Int64Counter(
		"remedyd.signature.events_ingested_total",
		metric.WithDescription("Total number of events ingested by the signature engine"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		e.logger.Warn("failed to create ingest counter", zap.Error(err))
	}

	e.signatureCounter, err = e.meter.Int64Counter(
		"remedyd.signature.signatures_created_total",
		metric.WithDescription("Total number of new signatures created"),
		metric.WithUnit("{signature}"),
	)
	if err != nil {
		e.logger.Warn("failed to create signature counter", zap.Error(err))
	}
}

// OnCreate registers a hook invoked inside the creating critical section
// before a new signature becomes visible. A hook error aborts the creation,
// leaving no signature behind. Must be called before the first Ingest.
func (e *Engine) OnCreate(fn func(ctx context.Context, sig ErrorSignature) error) {
	e.onCreate = fn
}

// Ingest records one occurrence for the event's signature, creating it on
// first sight. The count increment, last-seen update and confidence
// recompute happen inside the signature's critical section; once entered the
// update always runs to completion.
func (e *Engine) Ingest(ctx context.Context, ev event.RawErrorEvent) (IngestResult, error) {
	ctx, span := e.tracer.Start(ctx, "signature.ingest")
	defer span.End()

	id := Fingerprint(ev.Message, ev.Frames, e.config.TopFrames)
	span.SetAttributes(
		attribute.String("signature_id", id),
		attribute.String("service", ev.Service),
	)

	var res IngestResult
	err := e.store.Update(ctx, id, func(cur ErrorSignature, exists bool) (ErrorSignature, bool, error) {
		if !exists {
			category := Classify(ev.Message)
			sig := ErrorSignature{
				ID:        id,
				Service:   ev.Service,
				Message:   ev.Message,
				Frames:    topFrames(ev.Frames, e.config.TopFrames),
				Category:  category,
				Severity:  e.severityFor(category, ev.Service),
				FirstSeen: ev.Timestamp,
				LastSeen:  ev.Timestamp,
				Count:     1,
			}
			sig.Confidence = e.confidence(sig.Count, 0, category)
			if e.onCreate != nil {
				if err := e.onCreate(ctx, sig); err != nil {
					return ErrorSignature{}, false, err
				}
			}
			res = IngestResult{SignatureID: id, New: true, Signature: sig}
			return sig, true, nil
		}

		// Elapsed is measured between event timestamps, not wall clock, so a
		// backfilled batch decays by its own spacing rather than its delivery
		// delay.
		elapsed := ev.Timestamp.Sub(cur.LastSeen)
		if elapsed < 0 {
			elapsed = 0
		}

		cur.Count++
		if ev.Timestamp.After(cur.LastSeen) {
			cur.LastSeen = ev.Timestamp
		}
		if ev.Timestamp.Before(cur.FirstSeen) {
			cur.FirstSeen = ev.Timestamp
		}

		next := e.confidence(cur.Count, elapsed, cur.Category)
		// Reinforcement inside the half-life never lowers confidence.
		if elapsed <= e.config.HalfLife && next < cur.Confidence {
			next = cur.Confidence
		}
		cur.Confidence = next

		res = IngestResult{SignatureID: id, New: false, Signature: cur}
		return cur, true, nil
	})
	if err != nil {
		return IngestResult{}, err
	}

	if e.ingestCounter != nil {
		e.ingestCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("service", ev.Service),
			attribute.Bool("new_signature", res.New),
		))
	}
	if res.New {
		if e.signatureCounter != nil {
			e.signatureCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("category", string(res.Signature.Category)),
			))
		}
		e.logger.Info("new error signature",
			zap.String("signature_id", id),
			zap.String("service", ev.Service),
			zap.String("category", string(res.Signature.Category)),
			zap.String("severity", string(res.Signature.Severity)))
	}

	return res, nil
}

// Get returns the signature with the given id.
func (e *Engine) Get(ctx context.Context, id string) (ErrorSignature, bool, error) {
	return e.store.Get(ctx, id)
}

// List returns all known signatures.
func (e *Engine) List(ctx context.Context) ([]ErrorSignature, error) {
	return e.store.List(ctx)
}

// PurgeStale removes signatures whose last occurrence is older than the
// cutoff. Signatures with occurrences inside the retention window are kept.
func (e *Engine) PurgeStale(ctx context.Context, cutoff time.Time) (int, error) {
	sigs, err := e.store.List(ctx)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, s := range sigs {
		if s.LastSeen.After(cutoff) {
			continue
		}
		if err := e.store.Delete(ctx, s.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// confidence computes clamp(log2(1+count) * recency * severity_weight, 0, 1)
// where recency decays exponentially in the time since the previous
// occurrence.
func (e *Engine) confidence(count int64, sinceLast time.Duration, category Category) float64 {
	recency := math.Exp2(-sinceLast.Hours() / e.config.HalfLife.Hours())

	weight, ok := e.config.SeverityWeights[category]
	if !ok {
		weight = 0.3
	}

	c := math.Log2(1+float64(count)) * recency * weight
	return math.Max(0, math.Min(1, c))
}

// severityFor derives the severity class for a category, escalating one
// level for services on the critical list.
func (e *Engine) severityFor(category Category, service string) Severity {
	sev, ok := baseSeverity[category]
	if !ok {
		sev = SeverityLow
	}
	for _, s := range e.config.CriticalServices {
		if s == service {
			return escalate(sev)
		}
	}
	return sev
}

func topFrames(frames []event.StackFrame, n int) []event.StackFrame {
	if len(frames) > n {
		frames = frames[:n]
	}
	return append([]event.StackFrame(nil), frames...)
}

// Package pipeline composes the remediation stages into the one-way flow
// Normalizer -> Signature Engine -> Correlation Engine -> Fix Candidate
// Generator -> Review Workflow, with audit side-writes at every stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/audit"
	"github.com/fyrsmithlabs/remedyd/internal/correlation"
	"github.com/fyrsmithlabs/remedyd/internal/event"
	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
	"github.com/fyrsmithlabs/remedyd/internal/review"
	"github.com/fyrsmithlabs/remedyd/internal/signature"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/pipeline"

// EventStore retains raw events for the configured TTL.
type EventStore interface {
	Get(ctx context.Context, id string) (event.RawErrorEvent, bool, error)
	List(ctx context.Context) ([]event.RawErrorEvent, error)
	Update(ctx context.Context, id string, fn func(cur event.RawErrorEvent, exists bool) (event.RawErrorEvent, bool, error)) error
	Delete(ctx context.Context, id string) error
}

// Config configures the pipeline.
type Config struct {
	// GenerationThreshold is the confidence a signature must reach before a
	// fix candidate is generated (default: 0.6).
	GenerationThreshold float64

	// EventTTL is the retention window for raw events and stale signatures
	// (default: 30 days). Audit events are exempt from the sweep.
	EventTTL time.Duration
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() *Config {
	return &Config{
		GenerationThreshold: 0.6,
		EventTTL:            30 * 24 * time.Hour,
	}
}

// IngestResult reports everything one ingestion produced.
type IngestResult struct {
	EventID      string `json:"event_id"`
	SignatureID  string `json:"signature_id"`
	NewSignature bool   `json:"new_signature"`
	IncidentID   string `json:"incident_id"`
	ProposalID   string `json:"proposal_id,omitempty"`
}

// Pipeline wires the stages together.
type Pipeline struct {
	config     *Config
	normalizer *event.Normalizer
	signatures *signature.Engine
	incidents  *correlation.Engine
	generator  *fixgen.Generator
	workflow   *review.Workflow
	auditLog   audit.Log
	events     EventStore
	logger     *zap.Logger
	now        func() time.Time

	tracer        trace.Tracer
	meter         metric.Meter
	ingestCounter metric.Int64Counter
}

// New creates a pipeline. Every stage is a required constructor dependency;
// there are no process-wide singletons.
func New(cfg *Config, normalizer *event.Normalizer, signatures *signature.Engine, incidents *correlation.Engine, generator *fixgen.Generator, workflow *review.Workflow, auditLog audit.Log, events EventStore, logger *zap.Logger) (*Pipeline, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if normalizer == nil {
		return nil, errors.New("normalizer is required")
	}
	if signatures == nil {
		return nil, errors.New("signature engine is required")
	}
	if incidents == nil {
		return nil, errors.New("correlation engine is required")
	}
	if generator == nil {
		return nil, errors.New("fix generator is required")
	}
	if workflow == nil {
		return nil, errors.New("review workflow is required")
	}
	if auditLog == nil {
		return nil, errors.New("audit log is required")
	}
	if events == nil {
		return nil, errors.New("event store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GenerationThreshold <= 0 {
		cfg.GenerationThreshold = 0.6
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 30 * 24 * time.Hour
	}

	p := &Pipeline{
		config:     cfg,
		normalizer: normalizer,
		signatures: signatures,
		incidents:  incidents,
		generator:  generator,
		workflow:   workflow,
		auditLog:   auditLog,
		events:     events,
		logger:     logger,
		now:        time.Now,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}

	var err error
	p.ingestCounter, err = p.meter.Int64Counter(
		"remedyd.pipeline.events_total",
		metric.WithDescription("Total number of events processed by the pipeline"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		p.logger.Warn("failed to create ingest counter", zap.Error(err))
	}

	// Creation audit events are written inside the creating critical
	// sections: a failed audit write aborts the creation itself, so no state
	// change is ever visible without its audit record.
	signatures.OnCreate(func(ctx context.Context, sig signature.ErrorSignature) error {
		return auditLog.Record(ctx, audit.Event{
			Kind:     audit.KindSignatureCreated,
			ParentID: sig.ID,
			Actor:    "system",
			Detail: map[string]string{
				"service":  sig.Service,
				"category": string(sig.Category),
				"severity": string(sig.Severity),
			},
		})
	})
	incidents.OnOpen(func(ctx context.Context, inc correlation.Incident) error {
		return auditLog.Record(ctx, audit.Event{
			Kind:     audit.KindIncidentOpened,
			ParentID: inc.ID,
			Actor:    "system",
			Detail:   map[string]string{"service": inc.Service, "seed_event": inc.MemberIDs[0]},
		})
	})
	generator.OnFailure(func(ctx context.Context, failure fixgen.GenerationFailure) error {
		return auditLog.Record(ctx, audit.Event{
			Kind:     audit.KindGenerationFailed,
			ParentID: failure.SignatureID,
			Actor:    "system",
			Detail:   map[string]string{"reason": failure.Reason},
		})
	})

	return p, nil
}

// Ingest runs one raw payload through the full pipeline. Malformed payloads
// fail with InvalidEventError before touching any state; storage errors are
// surfaced for the caller to retry (ingestion is idempotent per content
// because signature hashing is deterministic).
func (p *Pipeline) Ingest(ctx context.Context, payload event.Payload) (IngestResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.ingest")
	defer span.End()

	ev, err := p.normalizer.Normalize(payload)
	if err != nil {
		return IngestResult{}, err
	}
	span.SetAttributes(
		attribute.String("event_id", ev.ID),
		attribute.String("service", ev.Service),
	)

	err = p.events.Update(ctx, ev.ID, func(_ event.RawErrorEvent, _ bool) (event.RawErrorEvent, bool, error) {
		return ev, true, nil
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("failed to persist event: %w", err)
	}

	sigRes, err := p.signatures.Ingest(ctx, ev)
	if err != nil {
		return IngestResult{}, err
	}

	corrRes, err := p.incidents.Correlate(ctx, ev)
	if err != nil {
		return IngestResult{}, err
	}

	res := IngestResult{
		EventID:      ev.ID,
		SignatureID:  sigRes.SignatureID,
		NewSignature: sigRes.New,
		IncidentID:   corrRes.IncidentID,
	}

	proposalID, err := p.maybeGenerate(ctx, sigRes.Signature)
	if err != nil {
		return IngestResult{}, err
	}
	res.ProposalID = proposalID

	if p.ingestCounter != nil {
		p.ingestCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("service", ev.Service),
		))
	}
	return res, nil
}

// maybeGenerate attempts fix generation when the signature's confidence has
// crossed the threshold and no active proposal exists. A duplicate proposal
// raced in by a concurrent ingestion is a no-op, not an error.
func (p *Pipeline) maybeGenerate(ctx context.Context, sig signature.ErrorSignature) (string, error) {
	if sig.Confidence < p.config.GenerationThreshold {
		return "", nil
	}

	active, err := p.workflow.HasActive(ctx, sig.ID)
	if err != nil {
		return "", err
	}
	if active {
		return "", nil
	}

	patch, failure, err := p.generator.TryGenerate(ctx, sig)
	if err != nil {
		return "", err
	}
	if failure != nil {
		return "", nil
	}

	proposal, err := p.workflow.Submit(ctx, review.SubmitRequest{Signature: sig, Patch: *patch})
	if err != nil {
		var dup *review.DuplicateProposalError
		if errors.As(err, &dup) {
			return "", nil
		}
		return "", err
	}
	return proposal.ID, nil
}

// SealIncidents runs the periodic sealing scan and audits each sealed
// incident.
func (p *Pipeline) SealIncidents(ctx context.Context) error {
	sealed, err := p.incidents.SealExpired(ctx)
	if err != nil {
		return err
	}
	for _, inc := range sealed {
		if err := p.auditLog.Record(ctx, audit.Event{
			Kind:     audit.KindIncidentSealed,
			ParentID: inc.ID,
			Actor:    "system",
			Detail: map[string]string{
				"service": inc.Service,
				"members": fmt.Sprintf("%d", len(inc.MemberIDs)),
			},
		}); err != nil {
			return err
		}
	}
	return nil
}

// ScanTimeouts runs the review workflow's periodic timeout scan.
func (p *Pipeline) ScanTimeouts(ctx context.Context) error {
	_, err := p.workflow.ScanTimeouts(ctx)
	return err
}

// SweepRetention purges raw events and stale signatures older than the TTL.
// The audit log is never touched by this sweep.
func (p *Pipeline) SweepRetention(ctx context.Context) error {
	cutoff := p.now().Add(-p.config.EventTTL)

	events, err := p.events.List(ctx)
	if err != nil {
		return err
	}
	purgedEvents := 0
	for _, ev := range events {
		if ev.Timestamp.After(cutoff) {
			continue
		}
		if err := p.events.Delete(ctx, ev.ID); err != nil {
			return err
		}
		purgedEvents++
	}

	purgedSigs, err := p.signatures.PurgeStale(ctx, cutoff)
	if err != nil {
		return err
	}

	if purgedEvents > 0 || purgedSigs > 0 {
		p.logger.Info("retention sweep completed",
			zap.Int("events_purged", purgedEvents),
			zap.Int("signatures_purged", purgedSigs))
	}
	return nil
}

// Workflow exposes the review workflow for the HTTP boundary.
func (p *Pipeline) Workflow() *review.Workflow { return p.workflow }

// Signatures exposes the signature engine for the HTTP boundary.
func (p *Pipeline) Signatures() *signature.Engine { return p.signatures }

// Incidents exposes the correlation engine for the HTTP boundary.
func (p *Pipeline) Incidents() *correlation.Engine { return p.incidents }

// Generator exposes the fix generator for the HTTP boundary.
func (p *Pipeline) Generator() *fixgen.Generator { return p.generator }

// Audit exposes the audit log for the HTTP boundary.
func (p *Pipeline) Audit() audit.Log { return p.auditLog }

package fixgen

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

	"github.com/fyrsmithlabs/remedyd/internal/signature"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/fixgen"

// Patch is a synthesized remediation candidate: a patch body plus a
// generated test asserting the previously failing path now fails gracefully.
type Patch struct {
	TemplateName string             `json:"template_name"`
	Category     signature.Category `json:"category"`
	Description  string             `json:"description"`
	Diff         string             `json:"diff"`
	Test         string             `json:"test"`
}

// GenerationFailure is a recorded, queryable outcome; it is not an error.
// The signature stays eligible for retry once the catalog has been extended.
type GenerationFailure struct {
	ID          string    `json:"id"`
	SignatureID string    `json:"signature_id"`
	Service     string    `json:"service"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

// FailureStore records generation failures for later inspection.
type FailureStore interface {
	List(ctx context.Context) ([]GenerationFailure, error)
	Update(ctx context.Context, id string, fn func(cur GenerationFailure, exists bool) (GenerationFailure, bool, error)) error
}

// Generator matches signatures against the catalog.
type Generator struct {
	catalog   *Catalog
	failures  FailureStore
	logger    *zap.Logger
	now       func() time.Time
	onFailure func(ctx context.Context, failure GenerationFailure) error

	tracer          trace.Tracer
	meter           metric.Meter
	generateCounter metric.Int64Counter
}

// NewGenerator creates a fix candidate generator.
func NewGenerator(catalog *Catalog, failures FailureStore, logger *zap.Logger) (*Generator, error) {
	if catalog == nil {
		return nil, errors.New("template catalog is required")
	}
	if failures == nil {
		return nil, errors.New("failure store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Generator{
		catalog:  catalog,
		failures: failures,
		logger:   logger,
		now:      time.Now,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	var err error
	g.generateCounter, err = g.meter.Int64Counter(
		"remedyd.fixgen.generations_total",
		metric.WithDescription("Total number of generation attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		g.logger.Warn("failed to create generation counter", zap.Error(err))
	}

	return g, nil
}

// OnFailure registers a hook invoked inside the recording critical section
// before a generation failure becomes visible. A hook error aborts the
// recording. Must be called before the first TryGenerate.
func (g *Generator) OnFailure(fn func(ctx context.Context, failure GenerationFailure) error) {
	g.onFailure = fn
}

// TryGenerate matches the signature against the catalog. Exactly one of the
// returned patch and failure is non-nil on success. Callers must only invoke
// this for signatures above the generation threshold with no active proposal.
func (g *Generator) TryGenerate(ctx context.Context, sig signature.ErrorSignature) (*Patch, *GenerationFailure, error) {
	ctx, span := g.tracer.Start(ctx, "fixgen.try_generate")
	defer span.End()

	span.SetAttributes(
		attribute.String("signature_id", sig.ID),
		attribute.String("category", string(sig.Category)),
	)

	tmpl, ok := g.catalog.Match(sig)
	if !ok {
		failure := GenerationFailure{
			ID:          uuid.New().String(),
			SignatureID: sig.ID,
			Service:     sig.Service,
			Reason:      "no matching template",
			At:          g.now().UTC(),
		}
		err := g.failures.Update(ctx, failure.ID, func(_ GenerationFailure, _ bool) (GenerationFailure, bool, error) {
			if g.onFailure != nil {
				if err := g.onFailure(ctx, failure); err != nil {
					return GenerationFailure{}, false, err
				}
			}
			return failure, true, nil
		})
		if err != nil {
			return nil, nil, err
		}

		if g.generateCounter != nil {
			g.generateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "no_match")))
		}
		g.logger.Info("no fix template matched",
			zap.String("signature_id", sig.ID),
			zap.String("category", string(sig.Category)))
		return nil, &failure, nil
	}

	diff, test, err := tmpl.render(sig)
	if err != nil {
		return nil, nil, err
	}

	patch := &Patch{
		TemplateName: tmpl.Name,
		Category:     tmpl.Category,
		Description:  tmpl.Description,
		Diff:         diff,
		Test:         test,
	}

	if g.generateCounter != nil {
		g.generateCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", "generated"),
			attribute.String("template", tmpl.Name),
		))
	}
	g.logger.Info("generated fix candidate",
		zap.String("signature_id", sig.ID),
		zap.String("template", tmpl.Name))

	span.SetAttributes(attribute.String("template", tmpl.Name))
	return patch, nil, nil
}

// Failures returns all recorded generation failures.
func (g *Generator) Failures(ctx context.Context) ([]GenerationFailure, error) {
	return g.failures.List(ctx)
}

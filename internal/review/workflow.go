package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/audit"
	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
	"github.com/fyrsmithlabs/remedyd/internal/signature"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/review"

// Store is the keyed proposal table.
type Store interface {
	Get(ctx context.Context, id string) (Proposal, bool, error)
	List(ctx context.Context) ([]Proposal, error)
	Update(ctx context.Context, id string, fn func(cur Proposal, exists bool) (Proposal, bool, error)) error
	Delete(ctx context.Context, id string) error
}

// ActiveIndex maps signature ids to their active proposal, enforcing the
// single-active-proposal invariant.
type ActiveIndex interface {
	Get(ctx context.Context, signatureID string) (string, bool, error)
	Update(ctx context.Context, signatureID string, fn func(cur string, exists bool) (string, bool, error)) error
	DeleteIf(ctx context.Context, signatureID string, fn func(cur string) bool) error
}

// Notifier receives structured events for the external notification and
// source-control collaborators. Delivery is best-effort: failures are logged
// but never abort a transition.
type Notifier interface {
	ProposalSubmitted(ctx context.Context, p Proposal) error
	ProposalApproved(ctx context.Context, p Proposal) error
	ProposalAutoApproved(ctx context.Context, p Proposal) error
	ProposalExpired(ctx context.Context, p Proposal) error
}

type nopNotifier struct{}

func (nopNotifier) ProposalSubmitted(context.Context, Proposal) error    { return nil }
func (nopNotifier) ProposalApproved(context.Context, Proposal) error     { return nil }
func (nopNotifier) ProposalAutoApproved(context.Context, Proposal) error { return nil }
func (nopNotifier) ProposalExpired(context.Context, Proposal) error      { return nil }

// Config configures the review workflow.
type Config struct {
	// AutoApproveTimeout is how long a non-critical proposal may sit without
	// a decision before it is auto-approved (default: 24h).
	AutoApproveTimeout time.Duration

	// ExpireCeiling is the hard ceiling for critical proposals; past it the
	// proposal expires as an escalation signal, never a silent approval
	// (default: 7 days).
	ExpireCeiling time.Duration

	// ApprovalRateWindow is the rolling window for the approval-rate
	// statistic (default: 7 days).
	ApprovalRateWindow time.Duration
}

// DefaultConfig returns the workflow defaults.
func DefaultConfig() *Config {
	return &Config{
		AutoApproveTimeout: 24 * time.Hour,
		ExpireCeiling:      7 * 24 * time.Hour,
		ApprovalRateWindow: 7 * 24 * time.Hour,
	}
}

// Workflow owns proposals from submission to a terminal outcome.
type Workflow struct {
	config    *Config
	proposals Store
	active    ActiveIndex
	auditLog  audit.Log
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time

	tracer            trace.Tracer
	meter             metric.Meter
	transitionCounter metric.Int64Counter
}

// NewWorkflow creates a review workflow. notifier may be nil.
func NewWorkflow(cfg *Config, st Store, active ActiveIndex, auditLog audit.Log, notifier Notifier, logger *zap.Logger) (*Workflow, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if st == nil {
		return nil, errors.New("proposal store is required")
	}
	if active == nil {
		return nil, errors.New("active index is required")
	}
	if auditLog == nil {
		return nil, errors.New("audit log is required")
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.AutoApproveTimeout <= 0 {
		cfg.AutoApproveTimeout = 24 * time.Hour
	}
	if cfg.ExpireCeiling <= 0 {
		cfg.ExpireCeiling = 7 * 24 * time.Hour
	}
	if cfg.ApprovalRateWindow <= 0 {
		cfg.ApprovalRateWindow = 7 * 24 * time.Hour
	}

	w := &Workflow{
		config:    cfg,
		proposals: st,
		active:    active,
		auditLog:  auditLog,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
		tracer:    otel.Tracer(instrumentationName),
		meter:     otel.Meter(instrumentationName),
	}

	var err error
	w.transitionCounter, err = w.meter.Int64Counter(
		"remedyd.review.transitions_total",
		metric.WithDescription("Total number of committed proposal transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		w.logger.Warn("failed to create transition counter", zap.Error(err))
	}

	return w, nil
}

// SubmitRequest carries a freshly generated candidate into review.
type SubmitRequest struct {
	Signature signature.ErrorSignature
	Patch     fixgen.Patch
}

// Submit creates a proposal for the signature and moves it
// GENERATED -> SUBMITTED. If an active proposal already exists for the
// signature, Submit fails with DuplicateProposalError and changes nothing.
func (w *Workflow) Submit(ctx context.Context, req SubmitRequest) (Proposal, error) {
	ctx, span := w.tracer.Start(ctx, "review.submit")
	defer span.End()

	sig := req.Signature
	span.SetAttributes(attribute.String("signature_id", sig.ID))

	now := w.now().UTC()
	p := Proposal{
		ID:          uuid.New().String(),
		SignatureID: sig.ID,
		Service:     sig.Service,
		Severity:    sig.Severity,
		Patch:       req.Patch,
		Confidence:  sig.Confidence, // frozen at generation time
		Status:      StatusGenerated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// The active-index critical section makes the duplicate check and the
	// proposal creation atomic per signature.
	err := w.active.Update(ctx, sig.ID, func(curID string, exists bool) (string, bool, error) {
		if exists {
			cur, found, err := w.proposals.Get(ctx, curID)
			if err != nil {
				return "", false, err
			}
			if found && cur.Status.Active() {
				return "", false, &DuplicateProposalError{SignatureID: sig.ID, ProposalID: curID}
			}
		}

		err := w.proposals.Update(ctx, p.ID, func(_ Proposal, _ bool) (Proposal, bool, error) {
			if err := w.auditLog.Record(ctx, audit.Event{
				Kind:     audit.KindProposalGenerated,
				ParentID: p.ID,
				Actor:    "system",
				At:       now,
				Detail: map[string]string{
					"signature_id": sig.ID,
					"template":     req.Patch.TemplateName,
					"severity":     string(sig.Severity),
					"confidence":   fmt.Sprintf("%.3f", sig.Confidence),
				},
			}); err != nil {
				return p, false, err
			}
			return p, true, nil
		})
		if err != nil {
			return "", false, err
		}
		return p.ID, true, nil
	})
	if err != nil {
		return Proposal{}, err
	}

	submitted, err := w.commit(ctx, p.ID, StatusSubmitted, "system", noRevisionCheck, audit.KindProposalState, nil, func(cur *Proposal) error {
		cur.SubmittedAt = w.now().UTC()
		return nil
	})
	if err != nil {
		return Proposal{}, err
	}

	if err := w.notifier.ProposalSubmitted(ctx, submitted); err != nil {
		w.logger.Warn("submit notification failed",
			zap.String("proposal_id", submitted.ID), zap.Error(err))
	}

	w.logger.Info("proposal submitted for review",
		zap.String("proposal_id", submitted.ID),
		zap.String("signature_id", sig.ID),
		zap.String("severity", string(submitted.Severity)))
	return submitted, nil
}

// Open marks a proposal as being looked at by a reviewer. Optimistic:
// reviewers may skip straight to a decision from SUBMITTED.
func (w *Workflow) Open(ctx context.Context, proposalID, reviewer string) (Proposal, error) {
	return w.commit(ctx, proposalID, StatusUnderReview, reviewer, noRevisionCheck, audit.KindProposalState, nil, nil)
}

// DecideRequest is an explicit reviewer decision.
type DecideRequest struct {
	ProposalID string
	Reviewer   string
	Decision   Decision
	Comments   string

	// ExpectedRevision is the revision the reviewer last saw. The losing
	// writer of two concurrent decisions fails with
	// ConcurrencyConflictError and must retry against the refreshed state.
	ExpectedRevision int64
}

var decisionTargets = map[Decision]Status{
	DecisionApprove:             StatusApproved,
	DecisionReject:              StatusRejected,
	DecisionRequestModification: StatusModificationRequested,
}

// Decide applies a reviewer decision, appending a ReviewRecord.
func (w *Workflow) Decide(ctx context.Context, req DecideRequest) (Proposal, error) {
	ctx, span := w.tracer.Start(ctx, "review.decide")
	defer span.End()

	if !req.Decision.Valid() {
		return Proposal{}, fmt.Errorf("unknown decision %q", req.Decision)
	}
	if req.Reviewer == "" {
		return Proposal{}, errors.New("reviewer identity is required")
	}
	if req.Decision == DecisionReject && req.Comments == "" {
		return Proposal{}, errors.New("rejection requires a non-empty reason")
	}

	target := decisionTargets[req.Decision]
	span.SetAttributes(
		attribute.String("proposal_id", req.ProposalID),
		attribute.String("decision", string(req.Decision)),
	)

	record := ReviewRecord{
		ID:         uuid.New().String(),
		ProposalID: req.ProposalID,
		Reviewer:   req.Reviewer,
		Decision:   req.Decision,
		Comments:   req.Comments,
		At:         w.now().UTC(),
	}

	detail := map[string]string{
		"decision": string(req.Decision),
		"comments": req.Comments,
	}
	p, err := w.commit(ctx, req.ProposalID, target, req.Reviewer, req.ExpectedRevision, audit.KindReviewDecision, detail, func(cur *Proposal) error {
		cur.Reviews = append(cur.Reviews, record)
		return nil
	})
	if err != nil {
		return Proposal{}, err
	}

	if !p.Status.Active() {
		w.clearActive(ctx, p)
	}
	if p.Status == StatusApproved {
		if err := w.notifier.ProposalApproved(ctx, p); err != nil {
			w.logger.Warn("approval notification failed",
				zap.String("proposal_id", p.ID), zap.Error(err))
		}
	}

	w.logger.Info("review decision applied",
		zap.String("proposal_id", p.ID),
		zap.String("reviewer", req.Reviewer),
		zap.String("decision", string(req.Decision)))
	return p, nil
}

// Resubmit moves a proposal back to SUBMITTED after requested modifications,
// carrying the same proposal id forward. A non-nil patch replaces the
// candidate; the timeout clock restarts.
func (w *Workflow) Resubmit(ctx context.Context, proposalID string, patch *fixgen.Patch) (Proposal, error) {
	return w.commit(ctx, proposalID, StatusSubmitted, "system", noRevisionCheck, audit.KindProposalState, nil, func(cur *Proposal) error {
		if patch != nil {
			cur.Patch = *patch
		}
		cur.SubmittedAt = w.now().UTC()
		return nil
	})
}

// MarkDeployed records merge completion reported by the source-control
// collaborator. Not reachable by any internal timer.
func (w *Workflow) MarkDeployed(ctx context.Context, proposalID, commit string) (Proposal, error) {
	detail := map[string]string{"commit": commit}
	return w.commit(ctx, proposalID, StatusDeployed, "source-control", noRevisionCheck, audit.KindProposalState, detail, func(cur *Proposal) error {
		cur.DeployedCommit = commit
		return nil
	})
}

// ScanResult reports one timeout scan's transitions.
type ScanResult struct {
	AutoApproved []Proposal
	Expired      []Proposal
}

// ScanTimeouts applies the time-driven transitions: non-critical proposals
// past the auto-approve timeout become AUTO_APPROVED; critical proposals
// past the hard ceiling become EXPIRED. Idempotent: a scan that finds
// nothing newly eligible is a no-op.
func (w *Workflow) ScanTimeouts(ctx context.Context) (ScanResult, error) {
	ctx, span := w.tracer.Start(ctx, "review.scan_timeouts")
	defer span.End()

	proposals, err := w.proposals.List(ctx)
	if err != nil {
		return ScanResult{}, err
	}

	now := w.now()
	var res ScanResult
	for _, p := range proposals {
		if p.Status != StatusSubmitted && p.Status != StatusUnderReview {
			continue
		}
		elapsed := now.Sub(p.SubmittedAt)

		if p.Severity == signature.SeverityCritical {
			if elapsed <= w.config.ExpireCeiling {
				continue
			}
			expired, err := w.commit(ctx, p.ID, StatusExpired, SystemReviewer, noRevisionCheck, audit.KindProposalState,
				map[string]string{"reason": "no decision within hard ceiling"}, nil)
			if err != nil {
				return res, err
			}
			w.clearActive(ctx, expired)
			if err := w.notifier.ProposalExpired(ctx, expired); err != nil {
				w.logger.Warn("expire notification failed",
					zap.String("proposal_id", expired.ID), zap.Error(err))
			}
			res.Expired = append(res.Expired, expired)
			continue
		}

		if elapsed <= w.config.AutoApproveTimeout {
			continue
		}
		record := ReviewRecord{
			ID:         uuid.New().String(),
			ProposalID: p.ID,
			Reviewer:   SystemReviewer,
			Decision:   DecisionApprove,
			Comments:   fmt.Sprintf("auto-approved after %s without a decision", w.config.AutoApproveTimeout),
			At:         now.UTC(),
		}
		approved, err := w.commit(ctx, p.ID, StatusAutoApproved, SystemReviewer, noRevisionCheck, audit.KindProposalState,
			map[string]string{"timeout": w.config.AutoApproveTimeout.String()}, func(cur *Proposal) error {
				cur.Reviews = append(cur.Reviews, record)
				return nil
			})
		if err != nil {
			return res, err
		}
		w.clearActive(ctx, approved)
		if err := w.notifier.ProposalAutoApproved(ctx, approved); err != nil {
			w.logger.Warn("auto-approve notification failed",
				zap.String("proposal_id", approved.ID), zap.Error(err))
		}
		res.AutoApproved = append(res.AutoApproved, approved)
	}

	if n := len(res.AutoApproved) + len(res.Expired); n > 0 {
		w.logger.Info("timeout scan applied transitions",
			zap.Int("auto_approved", len(res.AutoApproved)),
			zap.Int("expired", len(res.Expired)))
	}
	span.SetAttributes(
		attribute.Int("auto_approved", len(res.AutoApproved)),
		attribute.Int("expired", len(res.Expired)),
	)
	return res, nil
}

// Get returns a proposal by id.
func (w *Workflow) Get(ctx context.Context, proposalID string) (Proposal, error) {
	p, ok, err := w.proposals.Get(ctx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if !ok {
		return Proposal{}, &NotFoundError{ProposalID: proposalID}
	}
	return p, nil
}

// HasActive reports whether the signature currently has an active proposal.
func (w *Workflow) HasActive(ctx context.Context, signatureID string) (bool, error) {
	id, ok, err := w.active.Get(ctx, signatureID)
	if err != nil || !ok {
		return false, err
	}
	p, found, err := w.proposals.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return found && p.Status.Active(), nil
}

// Pending returns proposals awaiting action, optionally filtered by
// severity, ordered most severe first and oldest submission first within a
// severity.
func (w *Workflow) Pending(ctx context.Context, severity signature.Severity) ([]Proposal, error) {
	proposals, err := w.proposals.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []Proposal
	for _, p := range proposals {
		if !p.Status.Active() || p.Status == StatusGenerated {
			continue
		}
		if severity != "" && p.Severity != severity {
			continue
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity.Rank() != out[j].Severity.Rank() {
			return out[i].Severity.Rank() > out[j].Severity.Rank()
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

// History returns proposals created within the last given number of days,
// newest first.
func (w *Workflow) History(ctx context.Context, days int) ([]Proposal, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := w.now().AddDate(0, 0, -days)

	proposals, err := w.proposals.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []Proposal
	for _, p := range proposals {
		if p.CreatedAt.After(cutoff) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Stats summarizes the review queue.
type Stats struct {
	PendingBySeverity map[signature.Severity]int `json:"pending_by_severity"`
	ApprovalRate      float64                    `json:"approval_rate"`
	OldestPendingAge  time.Duration              `json:"oldest_pending_age"`
}

// Stats computes pending counts by severity, the approval rate over the
// rolling window, and the age of the oldest pending proposal.
func (w *Workflow) Stats(ctx context.Context) (Stats, error) {
	proposals, err := w.proposals.List(ctx)
	if err != nil {
		return Stats{}, err
	}

	now := w.now()
	windowStart := now.Add(-w.config.ApprovalRateWindow)

	st := Stats{PendingBySeverity: make(map[signature.Severity]int)}
	var oldest time.Time
	approved, decided := 0, 0

	for _, p := range proposals {
		if p.Status.Active() && p.Status != StatusGenerated {
			st.PendingBySeverity[p.Severity]++
			if oldest.IsZero() || p.SubmittedAt.Before(oldest) {
				oldest = p.SubmittedAt
			}
		}

		if p.UpdatedAt.Before(windowStart) {
			continue
		}
		switch p.Status {
		case StatusApproved, StatusAutoApproved, StatusDeployed:
			approved++
			decided++
		case StatusRejected, StatusExpired:
			decided++
		}
	}

	if decided > 0 {
		st.ApprovalRate = float64(approved) / float64(decided)
	}
	if !oldest.IsZero() {
		st.OldestPendingAge = now.Sub(oldest)
	}
	return st, nil
}

// noRevisionCheck disables the optimistic revision check on a transition.
const noRevisionCheck int64 = -1

// commit applies one transition inside the proposal's critical section. The
// status change and its audit record succeed or fail together: an audit
// write failure aborts the whole transition.
func (w *Workflow) commit(ctx context.Context, proposalID string, to Status, actor string, expectRevision int64, kind string, detail map[string]string, mutate func(*Proposal) error) (Proposal, error) {
	var out Proposal
	found := false

	err := w.proposals.Update(ctx, proposalID, func(cur Proposal, exists bool) (Proposal, bool, error) {
		if !exists {
			return cur, false, nil
		}
		found = true

		if expectRevision != noRevisionCheck && cur.Revision != expectRevision {
			return cur, false, &ConcurrencyConflictError{
				ProposalID: proposalID,
				Expected:   expectRevision,
				Actual:     cur.Revision,
			}
		}
		if !transitionAllowed(cur.Status, to) {
			return cur, false, &IllegalTransitionError{ProposalID: proposalID, From: cur.Status, To: to}
		}

		from := cur.Status
		cur.Status = to
		cur.Revision++
		cur.UpdatedAt = w.now().UTC()
		if mutate != nil {
			if err := mutate(&cur); err != nil {
				return cur, false, err
			}
		}

		d := map[string]string{"from": string(from), "to": string(to)}
		for k, v := range detail {
			d[k] = v
		}
		if err := w.auditLog.Record(ctx, audit.Event{
			Kind:     kind,
			ParentID: cur.ID,
			Actor:    actor,
			At:       cur.UpdatedAt,
			Detail:   d,
		}); err != nil {
			return cur, false, fmt.Errorf("audit write failed, transition aborted: %w", err)
		}

		out = cur
		return cur, true, nil
	})
	if err != nil {
		return Proposal{}, err
	}
	if !found {
		return Proposal{}, &NotFoundError{ProposalID: proposalID}
	}

	if w.transitionCounter != nil {
		w.transitionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("to", string(to)),
		))
	}
	return out, nil
}

// clearActive removes the signature's active-index entry if it still points
// at this proposal.
func (w *Workflow) clearActive(ctx context.Context, p Proposal) {
	// Check and removal must share one critical section: a Submit for the
	// same signature may install a new proposal's entry the moment this one
	// goes terminal, and that entry must survive.
	err := w.active.DeleteIf(ctx, p.SignatureID, func(cur string) bool {
		return cur == p.ID
	})
	if err != nil {
		w.logger.Warn("failed to clear active proposal index",
			zap.String("signature_id", p.SignatureID), zap.Error(err))
	}
}

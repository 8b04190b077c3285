// Package notify emits structured pipeline events for the external
// notification and source-control collaborators over NATS. Delivery
// mechanics past the broker (email, chat, branch/PR creation) are entirely
// external.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/review"
)

// Subjects relative to the configured prefix.
const (
	SubjectGenerated    = "fix.generated"
	SubjectApproved     = "fix.approved"
	SubjectAutoApproved = "fix.auto_approved"
	SubjectExpired      = "fix.expired"
)

// FixEvent is the wire payload published for proposal transitions. The
// approved event carries the patch and generated test for the source-control
// collaborator.
type FixEvent struct {
	Kind        string    `json:"kind"`
	ProposalID  string    `json:"proposal_id"`
	SignatureID string    `json:"signature_id"`
	Service     string    `json:"service"`
	Severity    string    `json:"severity"`
	Revision    int64     `json:"revision"`
	Patch       string    `json:"patch,omitempty"`
	Test        string    `json:"test,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher publishes a payload to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
	Close()
}

// NopPublisher discards every event; used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }
func (NopPublisher) Close()                                     {}

// NATSPublisher publishes JSON payloads over a NATS connection, retrying
// transient failures with bounded exponential backoff.
type NATSPublisher struct {
	conn       *nats.Conn
	maxRetries uint64
	logger     *zap.Logger
}

// NewNATSPublisher wraps an established NATS connection.
func NewNATSPublisher(conn *nats.Conn, logger *zap.Logger) (*NATSPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, maxRetries: 5, logger: logger}, nil
}

// Publish marshals the payload and publishes it, retrying up to maxRetries.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", subject, err)
	}

	op := func() error {
		return p.conn.Publish(subject, data)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.maxRetries), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Close closes the underlying connection.
func (p *NATSPublisher) Close() {
	p.conn.Close()
}

// Notifier adapts a Publisher to the review workflow's notification
// boundary.
type Notifier struct {
	pub    Publisher
	prefix string
	logger *zap.Logger
}

// NewNotifier creates a notifier with the given subject prefix
// (default: "remedyd").
func NewNotifier(pub Publisher, prefix string, logger *zap.Logger) (*Notifier, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if prefix == "" {
		prefix = "remedyd"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, prefix: prefix, logger: logger}, nil
}

func (n *Notifier) publish(ctx context.Context, subject string, p review.Proposal, includePatch bool) error {
	ev := FixEvent{
		Kind:        subject,
		ProposalID:  p.ID,
		SignatureID: p.SignatureID,
		Service:     p.Service,
		Severity:    string(p.Severity),
		Revision:    p.Revision,
		At:          time.Now().UTC(),
	}
	if includePatch {
		ev.Patch = p.Patch.Diff
		ev.Test = p.Patch.Test
	}

	full := n.prefix + "." + subject
	if err := n.pub.Publish(ctx, full, ev); err != nil {
		return err
	}
	n.logger.Debug("published fix event",
		zap.String("subject", full),
		zap.String("proposal_id", p.ID))
	return nil
}

// ProposalSubmitted implements review.Notifier.
func (n *Notifier) ProposalSubmitted(ctx context.Context, p review.Proposal) error {
	return n.publish(ctx, SubjectGenerated, p, false)
}

// ProposalApproved implements review.Notifier. The event carries the patch
// and test; the source-control collaborator creates the branch/PR and
// reports merge completion back through the review boundary.
func (n *Notifier) ProposalApproved(ctx context.Context, p review.Proposal) error {
	return n.publish(ctx, SubjectApproved, p, true)
}

// ProposalAutoApproved implements review.Notifier.
func (n *Notifier) ProposalAutoApproved(ctx context.Context, p review.Proposal) error {
	return n.publish(ctx, SubjectAutoApproved, p, true)
}

// ProposalExpired implements review.Notifier.
func (n *Notifier) ProposalExpired(ctx context.Context, p review.Proposal) error {
	return n.publish(ctx, SubjectExpired, p, false)
}

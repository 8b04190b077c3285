// Package review governs fix proposals through a human-review state machine
// with manual decisions, optimistic concurrency and severity-aware timeouts.
package review

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
	"github.com/fyrsmithlabs/remedyd/internal/signature"
)

// Status is a proposal's position in the state machine.
type Status string

const (
	StatusGenerated            Status = "GENERATED"
	StatusSubmitted            Status = "SUBMITTED"
	StatusUnderReview          Status = "UNDER_REVIEW"
	StatusApproved             Status = "APPROVED"
	StatusRejected             Status = "REJECTED"
	StatusModificationRequested Status = "MODIFICATION_REQUESTED"
	StatusAutoApproved         Status = "AUTO_APPROVED"
	StatusExpired              Status = "EXPIRED"
	StatusDeployed             Status = "DEPLOYED"
)

// Active reports whether the status counts against the single-active-
// proposal invariant: while a signature has a proposal in an active status,
// new occurrences reinforce it instead of spawning a duplicate.
func (s Status) Active() bool {
	switch s {
	case StatusGenerated, StatusSubmitted, StatusUnderReview, StatusModificationRequested:
		return true
	}
	return false
}

// legalTransitions enumerates every permitted edge. Anything absent here is
// rejected with an IllegalTransitionError.
var legalTransitions = map[Status][]Status{
	StatusGenerated:            {StatusSubmitted},
	StatusSubmitted:            {StatusUnderReview, StatusApproved, StatusRejected, StatusModificationRequested, StatusAutoApproved, StatusExpired},
	StatusUnderReview:          {StatusApproved, StatusRejected, StatusModificationRequested, StatusAutoApproved, StatusExpired},
	StatusModificationRequested: {StatusSubmitted},
	StatusApproved:             {StatusDeployed},
}

func transitionAllowed(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Decision is a reviewer's verdict.
type Decision string

const (
	DecisionApprove             Decision = "approve"
	DecisionReject              Decision = "reject"
	DecisionRequestModification Decision = "request_modification"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionRequestModification:
		return true
	}
	return false
}

// SystemReviewer is the actor recorded on time-driven transitions.
const SystemReviewer = "system:auto-approval"

// ReviewRecord is one human (or system) decision against a proposal.
// Append-only.
type ReviewRecord struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposal_id"`
	Reviewer   string    `json:"reviewer"`
	Decision   Decision  `json:"decision"`
	Comments   string    `json:"comments,omitempty"`
	At         time.Time `json:"at"`
}

// Proposal is a candidate remediation tied to exactly one signature. The
// confidence is frozen at generation time to give a stable review baseline.
type Proposal struct {
	ID          string             `json:"id"`
	SignatureID string             `json:"signature_id"`
	Service     string             `json:"service"`
	Severity    signature.Severity `json:"severity"`
	Patch       fixgen.Patch       `json:"patch"`
	Confidence  float64            `json:"confidence"`
	Status      Status             `json:"status"`
	Revision    int64              `json:"revision"`
	Reviews     []ReviewRecord     `json:"reviews,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	SubmittedAt time.Time          `json:"submitted_at"`
	DeployedCommit string          `json:"deployed_commit,omitempty"`
}

// IllegalTransitionError reports a state machine contract violation. Always
// a programming or concurrency-race bug; never silently swallowed.
type IllegalTransitionError struct {
	ProposalID string
	From       Status
	To         Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for proposal %s: %s -> %s", e.ProposalID, e.From, e.To)
}

// ConcurrencyConflictError reports an optimistic-lock loss. The caller must
// refetch the proposal and retry against the refreshed state.
type ConcurrencyConflictError struct {
	ProposalID string
	Expected   int64
	Actual     int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of proposal %s: expected revision %d, found %d",
		e.ProposalID, e.Expected, e.Actual)
}

// DuplicateProposalError reports an attempted generation while an active
// proposal already exists for the signature. Not an error to the emitting
// signature; the pipeline treats it as a no-op.
type DuplicateProposalError struct {
	SignatureID string
	ProposalID  string
}

func (e *DuplicateProposalError) Error() string {
	return fmt.Sprintf("signature %s already has active proposal %s", e.SignatureID, e.ProposalID)
}

// NotFoundError reports a missing proposal.
type NotFoundError struct {
	ProposalID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("proposal not found: %s", e.ProposalID)
}

// Package signature computes deterministic fingerprints for error events and
// maintains per-signature statistics with a reinforcement/decay confidence
// model.
package signature

import (
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/event"
)

// Category is the defect class a signature belongs to. It drives both the
// severity weighting and fix-template matching.
type Category string

const (
	// CategoryNullAccess is an unguarded nil/null dereference.
	CategoryNullAccess Category = "null_access"
	// CategoryRemoteCall is an unchecked remote-call failure (timeouts,
	// refused connections, upstream 5xx).
	CategoryRemoteCall Category = "remote_call"
	// CategoryNumericParse is an unvalidated numeric or format parse.
	CategoryNumericParse Category = "numeric_parse"
	// CategoryDatabase is a database or constraint failure.
	CategoryDatabase Category = "database"
	// CategoryResource is resource exhaustion (memory, descriptors).
	CategoryResource Category = "resource"
	// CategoryUnknown is everything the classifier cannot place.
	CategoryUnknown Category = "unknown"
)

// Severity classifies the operational impact of a signature.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities for sorting and escalation; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// escalate bumps a severity one level, capped at critical.
func escalate(s Severity) Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// ErrorSignature is the canonical identity for one class of defect. Mutated
// only by the Engine; never deleted while occurrences remain inside the
// retention window.
type ErrorSignature struct {
	ID         string             `json:"id"`
	Service    string             `json:"service"`
	Message    string             `json:"message"`
	Frames     []event.StackFrame `json:"frames,omitempty"` // top-N, line numbers excluded from identity
	Category   Category           `json:"category"`
	Severity   Severity           `json:"severity"`
	FirstSeen  time.Time          `json:"first_seen"`
	LastSeen   time.Time          `json:"last_seen"`
	Count      int64              `json:"count"`
	Confidence float64            `json:"confidence"`
}

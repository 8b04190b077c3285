package event

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/secrets"
)

// redactRule replaces one class of dynamic substring with a stable token so
// textually-varying instances of the same defect collapse to one message.
type redactRule struct {
	pattern *regexp.Regexp
	token   string
}

// The rules are ordered: specific shapes (UUIDs, timestamps, addresses) are
// replaced before the generic number rule can eat parts of them.
var redactRules = []redactRule{
	{regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`), "<uuid>"},
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`), "<ts>"},
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "<email>"},
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?\b`), "<addr>"},
	{regexp.MustCompile(`0x[0-9a-fA-F]+`), "<ptr>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{16,}\b`), "<hex>"},
	{regexp.MustCompile(`\b\d+\b`), "<n>"},
}

// Normalizer converts source-specific payloads into RawErrorEvents.
type Normalizer struct {
	logger   *zap.Logger
	scrubber *secrets.Scrubber
}

// NewNormalizer creates a normalizer with the default credential scrubber.
func NewNormalizer(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	scrubber, err := secrets.New(nil)
	if err != nil {
		// DefaultConfig rules are compile-time constants.
		panic(err)
	}
	return &Normalizer{logger: logger, scrubber: scrubber}
}

// Normalize validates the payload and produces a RawErrorEvent with a
// redacted message. It has no side effects beyond constructing the value;
// persisting the event is the caller's responsibility.
func (n *Normalizer) Normalize(p Payload) (RawErrorEvent, error) {
	if strings.TrimSpace(p.Message) == "" {
		return RawErrorEvent{}, &InvalidEventError{Field: "message", Reason: "must not be empty"}
	}
	if strings.TrimSpace(p.Service) == "" {
		return RawErrorEvent{}, &InvalidEventError{Field: "service", Reason: "must not be empty"}
	}
	if p.Timestamp.IsZero() {
		return RawErrorEvent{}, &InvalidEventError{Field: "timestamp", Reason: "must be set"}
	}
	if !p.Source.Valid() {
		return RawErrorEvent{}, &InvalidEventError{Field: "source", Reason: "must be exception, log or trace_span"}
	}

	// Credentials are scrubbed before token redaction: everything past this
	// point, including the append-only audit trail, sees only the clean text.
	scrubbed, findings := n.scrubber.Scrub(p.Message)
	if len(findings) > 0 {
		n.logger.Warn("credentials scrubbed from error message",
			zap.String("service", p.Service),
			zap.Int("findings", len(findings)))
	}

	ev := RawErrorEvent{
		ID:        uuid.New().String(),
		Source:    p.Source,
		Service:   p.Service,
		Timestamp: p.Timestamp.UTC(),
		Message:   Redact(scrubbed),
		Frames:    append([]StackFrame(nil), p.Frames...),
		TraceID:   p.TraceID,
		SessionID: p.SessionID,
	}

	n.logger.Debug("normalized event",
		zap.String("event_id", ev.ID),
		zap.String("service", ev.Service),
		zap.String("source", string(ev.Source)))

	return ev, nil
}

// Redact strips dynamic substrings from a message using the fixed rule set.
func Redact(msg string) string {
	out := strings.TrimSpace(msg)
	for _, r := range redactRules {
		out = r.pattern.ReplaceAllString(out, r.token)
	}
	return out
}

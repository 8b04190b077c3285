// Package event defines the canonical error event model and the normalizer
// that converts heterogeneous telemetry payloads into it.
package event

import (
	"fmt"
	"time"
)

// SourceType identifies the kind of telemetry that produced an event.
type SourceType string

const (
	// SourceException is a caught or uncaught exception with a stack trace.
	SourceException SourceType = "exception"
	// SourceLog is a structured or unstructured error log line.
	SourceLog SourceType = "log"
	// SourceTraceSpan is a failed span snapshot from a tracing backend.
	SourceTraceSpan SourceType = "trace_span"
)

// Valid reports whether the source type is one of the known kinds.
func (s SourceType) Valid() bool {
	switch s {
	case SourceException, SourceLog, SourceTraceSpan:
		return true
	}
	return false
}

// StackFrame is one entry of an ordered stack trace.
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line,omitempty"`
}

// RawErrorEvent is one observed error occurrence. Immutable once created;
// retained for the configured TTL and then purged by the retention sweep.
type RawErrorEvent struct {
	ID        string       `json:"id"`
	Source    SourceType   `json:"source"`
	Service   string       `json:"service"`
	Timestamp time.Time    `json:"timestamp"`
	Message   string       `json:"message"` // redacted, stable across instances of the same defect
	Frames    []StackFrame `json:"frames,omitempty"`
	TraceID   string       `json:"trace_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
}

// Payload is a source-specific event as pushed by a telemetry collector,
// before normalization.
type Payload struct {
	Source    SourceType   `json:"source"`
	Service   string       `json:"service"`
	Timestamp time.Time    `json:"timestamp"`
	Message   string       `json:"message"`
	Frames    []StackFrame `json:"frames,omitempty"`
	TraceID   string       `json:"trace_id,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
}

// InvalidEventError reports a payload that was rejected before processing.
type InvalidEventError struct {
	Field  string
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid event: field %q %s", e.Field, e.Reason)
}

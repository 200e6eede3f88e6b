// Package envelope defines the backend-agnostic representation of one
// telemetry item (span, metric, or log record) as a flat JSON document.
// Envelopes are produced by the instrumentation API and consumed by the
// pipeline; once built they are immutable and owned by whichever
// component currently holds them.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the telemetry type carried by an Envelope.
type Kind string

const (
	KindSpan   Kind = "span"
	KindMetric Kind = "metric"
	KindLog    Kind = "log"
)

// noTraceSentinel is the legacy "no trace context" marker some
// producers emit instead of omitting the field.
const noTraceSentinel = "0"

// Event is a point-in-time annotation attached to a span.
type Event struct {
	Name       string                 `json:"name"`
	Time       string                 `json:"time"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Envelope is one pending telemetry unit. Kind selects which field
// group is meaningful; unused fields stay at their zero value.
type Envelope struct {
	Kind Kind `json:"kind"`

	// Correlation, shared by all kinds. For metrics and logs the ids
	// are optional.
	TraceID      string `json:"trace_id,omitempty"`
	SpanID       string `json:"span_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`

	// Span fields.
	OperationName string  `json:"operation_name,omitempty"`
	StartTime     string  `json:"start_time,omitempty"`
	EndTime       string  `json:"end_time,omitempty"`
	DurationMS    float64 `json:"duration_ms,omitempty"`
	Status        string  `json:"status,omitempty"`
	Events        []Event `json:"events,omitempty"`

	// Metric fields.
	Name  string  `json:"name,omitempty"`
	Value float64 `json:"value,omitempty"`
	Unit  string  `json:"unit,omitempty"`

	// Log fields.
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`

	// Metric and log share a single timestamp.
	Timestamp string `json:"timestamp,omitempty"`

	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Marshal serializes the envelope for queue storage.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Unmarshal deserializes a queue payload back into an Envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &e, nil
}

// Validate checks the kind-specific required fields.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindSpan:
		if e.TraceID == "" || e.SpanID == "" {
			return fmt.Errorf("span envelope missing trace_id/span_id")
		}
		if e.OperationName == "" {
			return fmt.Errorf("span envelope missing operation_name")
		}
	case KindMetric:
		if e.Name == "" {
			return fmt.Errorf("metric envelope missing name")
		}
	case KindLog:
		if e.Message == "" {
			return fmt.Errorf("log envelope missing message")
		}
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	return nil
}

// HasTraceContext reports whether the envelope carries a usable trace
// correlation. An empty id and the legacy "0" sentinel both count as
// absent.
func (e *Envelope) HasTraceContext() bool {
	return e.TraceID != "" && e.TraceID != noTraceSentinel
}

// PriorityClass orders envelopes for queue draining: spans first, then
// metrics, then everything else.
func (e *Envelope) PriorityClass() int {
	switch e.Kind {
	case KindSpan:
		return 0
	case KindMetric:
		return 1
	default:
		return 2
	}
}

// PriorityClassFor maps a stored kind string to its drain priority
// without materializing the envelope.
func PriorityClassFor(kind string) int {
	return (&Envelope{Kind: Kind(kind)}).PriorityClass()
}

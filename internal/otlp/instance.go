package otlp

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// newInstanceID computes a fresh service.instance.id. One id is
// generated per Encoder so every document from a process run carries
// the same value.
func newInstanceID() string {
	return uuid.NewString()
}

// NewTraceID returns a 32-hex-char W3C trace id.
func NewTraceID() string {
	a := uuid.New()
	return hex.EncodeToString(a[:])
}

// NewSpanID returns a 16-hex-char span id.
func NewSpanID() string {
	a := uuid.New()
	return hex.EncodeToString(a[:8])
}

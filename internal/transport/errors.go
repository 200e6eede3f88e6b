package transport

import (
	"context"
	"fmt"
	"net"
)

// ErrorType represents a category of delivery error for metrics and
// retry decisions.
type ErrorType string

const (
	// ErrorTypeNetwork represents network-level errors (DNS, connection refused, etc.)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeServerError represents server-side errors (5xx status codes)
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeClientError represents client-side errors (4xx status codes)
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeAuth represents authentication/authorization errors (401, 403)
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeConfig represents configuration errors (missing or invalid collector URL)
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeUnknown represents unclassified errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// DeliveryError is a structured error returned from Send. It carries
// the classified type, HTTP status code, and a truncated response body
// so the queue can record a useful last-error without unbounded text.
type DeliveryError struct {
	// Err is the underlying error, nil for status-code failures.
	Err error
	// Type is the classified error type.
	Type ErrorType
	// StatusCode is the HTTP status code (0 for network errors).
	StatusCode int
	// Body is the response body truncated to maxBodyCapture bytes.
	Body string
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Body != "" {
		return fmt.Sprintf("delivery failed: type=%s status=%d body=%q", e.Type, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("delivery failed: type=%s status=%d", e.Type, e.StatusCode)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the same request may succeed on retry.
// Configuration errors are retryable too: the config may later become
// valid and the attempt cap is the backstop either way.
func (e *DeliveryError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeConfig:
		return true
	default:
		return false
	}
}

// classifyStatusCode categorizes an HTTP status code.
func classifyStatusCode(statusCode int) ErrorType {
	switch {
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorTypeClientError
	case statusCode >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}

// classifyError categorizes a transport-level error.
func classifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if netErr, ok := err.(net.Error); ok {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}
	if err == context.DeadlineExceeded {
		return ErrorTypeTimeout
	}
	if _, ok := err.(*net.DNSError); ok {
		return ErrorTypeNetwork
	}
	if _, ok := err.(*net.OpError); ok {
		return ErrorTypeNetwork
	}
	return ErrorTypeUnknown
}

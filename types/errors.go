package types

import (
	"errors"
	"fmt"
	"strings"
)

// Expected misses. These occur on the majority of calls and are ordinary
// result values checked with errors.Is, never panics.
var (
	// ErrNotFound means no entry matched the lookup key.
	ErrNotFound = errors.New("entry not found")

	// ErrLowConfidence is returned by the predictive layer when a hint's
	// confidence is below the configured floor. The hint is not stored.
	ErrLowConfidence = errors.New("confidence below threshold")

	// ErrIndexUnavailable means a similarity index is corrupted or
	// unreachable. The orchestrator treats this as a layer miss.
	ErrIndexUnavailable = errors.New("similarity index unavailable")

	// ErrVersionConflict is returned by a backing store when an update's
	// expected version no longer matches the stored version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrConcurrentModification surfaces after optimistic retries on the
	// same entry are exhausted.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrEmbeddingUnavailable means the embedding provider failed; the
	// orchestrator falls back to non-vector layers only.
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
)

// ErrorCode classifies transient and fatal failures.
type ErrorCode string

const (
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeInternal         ErrorCode = "INTERNAL"
)

// Error is a structured error with a code, message, and wrapped cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Layer     LayerID   `json:"layer,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause attaches the underlying cause.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithLayer tags the error with the layer it originated from.
func (e *Error) WithLayer(layer LayerID) *Error {
	e.Layer = layer
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable reports whether the error is worth a local retry.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// ValidationError rejects a malformed entry on store/Record with the full
// list of reasons. Nothing is partially stored when it is returned.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

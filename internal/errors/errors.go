package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// OracleError is the structured error type for memoracle.
// It carries enough context for error handling, logging, and user
// presentation without callers having to parse message strings.
type OracleError struct {
	// Code is the unique error code (e.g., "ERR_301_HTTP_STATUS").
	Code string

	// Message is the human-readable error message.
	Message string

	// Kind is the classification used for control flow.
	Kind Kind

	// Severity is the error severity level.
	Severity Severity

	// Status is the HTTP status code for KindHTTPStatus errors, else 0.
	Status int

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *OracleError) Error() string {
	if e.Kind == KindHTTPStatus {
		// The "HTTP <status>" prefix is part of the page error-message
		// contract: skipped pages store messages beginning with it.
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *OracleError) Unwrap() error {
	return e.Cause
}

// Is matches by code so errors.Is works across wrapped chains.
func (e *OracleError) Is(target error) bool {
	if t, ok := target.(*OracleError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *OracleError) WithSuggestion(suggestion string) *OracleError {
	e.Suggestion = suggestion
	return e
}

// New creates a new OracleError with the given code and message.
// Kind, severity, and the retryable flag are derived from the code.
func New(code string, message string, cause error) *OracleError {
	return &OracleError{
		Code:      code,
		Message:   message,
		Kind:      kindFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// ConfigInvalid creates a fatal configuration error. Multiple offending
// fields are aggregated into one message so the user sees everything at once.
func ConfigInvalid(problems ...string) *OracleError {
	return New(ErrCodeConfigInvalid, strings.Join(problems, "; "), nil)
}

// HTTPStatus creates an error for a non-2xx crawl response.
func HTTPStatus(status int, url string) *OracleError {
	e := New(ErrCodeHTTPStatus, url, nil)
	e.Status = status
	// 429 and 5xx are worth retrying on a later pass.
	e.Retryable = status == 429 || status >= 500
	return e
}

// Transport creates a network-level error (timeout, connection failure).
func Transport(message string, cause error) *OracleError {
	return New(ErrCodeTransport, message, cause)
}

// Provider creates an error for a bad embedding-API response.
func Provider(provider, message string, cause error) *OracleError {
	return New(ErrCodeProvider, fmt.Sprintf("%s: %s", provider, message), cause)
}

// DimensionMismatch creates an error for a vector length that does not
// match the namespace dimensionality.
func DimensionMismatch(expected, got int) *OracleError {
	return New(ErrCodeDimensionMismatch,
		fmt.Sprintf("expected dimension %d, got %d", expected, got), nil)
}

// NotFound creates an error for an unknown docset, page, or chunk.
func NotFound(what, id string) *OracleError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", what, id), nil)
}

// Cancelled wraps a user-requested stop.
func Cancelled(cause error) *OracleError {
	return New(ErrCodeCancelled, "operation cancelled", cause)
}

// Internal creates an internal error.
func Internal(message string, cause error) *OracleError {
	return New(ErrCodeInternal, message, cause)
}

// StoreClosed reports an operation against a closed store.
func StoreClosed(store string) *OracleError {
	return New(ErrCodeStoreClosed, store+" is closed", nil)
}

// KindOf extracts the Kind from an error chain. Unknown errors are
// KindInternal; context cancellation maps to KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var oe *OracleError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// StatusOf returns the HTTP status carried by an error chain, or 0.
func StatusOf(err error) int {
	var oe *OracleError
	if errors.As(err, &oe) {
		return oe.Status
	}
	return 0
}

// SkipStatus reports whether err is an HTTP status error a crawler should
// treat as a permanent skip rather than a failure (401, 403, 404).
func SkipStatus(err error) bool {
	switch StatusOf(err) {
	case 401, 403, 404:
		return true
	}
	return false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsCancelled reports whether err is a cancellation.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return KindOf(err) == KindCancelled
}

// IsRetryable reports whether the operation that produced err can be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var oe *OracleError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return false
}

// IsFatal reports whether err has fatal severity and should abort startup.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var oe *OracleError
	if errors.As(err, &oe) {
		return oe.Severity == SeverityFatal
	}
	return false
}

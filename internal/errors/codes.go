// Package errors provides structured error handling for memoracle.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (metadata, vectors, cache)
//   - 3XX: Network errors (fetch, embedding providers)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Kind classifies an error for control-flow decisions. Callers branch on
// Kind (or the predicate helpers) instead of matching message strings.
type Kind string

const (
	// KindConfig indicates invalid or unknown configuration.
	KindConfig Kind = "CONFIG"
	// KindStorage indicates metadata/vector/cache persistence failures.
	KindStorage Kind = "STORAGE"
	// KindHTTPStatus indicates a non-2xx response from a crawled site.
	KindHTTPStatus Kind = "HTTP_STATUS"
	// KindTransport indicates a network-level failure (timeout, reset).
	KindTransport Kind = "TRANSPORT"
	// KindProvider indicates a bad or unparseable embedding API response.
	KindProvider Kind = "PROVIDER"
	// KindDimension indicates a vector length mismatch for a namespace.
	KindDimension Kind = "DIMENSION"
	// KindNotFound indicates an unknown docset, page, or chunk.
	KindNotFound Kind = "NOT_FOUND"
	// KindCancelled indicates a user-requested stop.
	KindCancelled Kind = "CANCELLED"
	// KindInternal indicates an unexpected internal error.
	KindInternal Kind = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but the process can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigInvalid    = "ERR_101_CONFIG_INVALID"
	ErrCodeConfigUnknownKey = "ERR_102_CONFIG_UNKNOWN_KEY"

	// Storage errors (200-299)
	ErrCodeStoreOpen    = "ERR_201_STORE_OPEN"
	ErrCodeStoreWrite   = "ERR_202_STORE_WRITE"
	ErrCodeStoreClosed  = "ERR_203_STORE_CLOSED"
	ErrCodeCacheCorrupt = "ERR_204_CACHE_CORRUPT"

	// Network errors (300-399)
	ErrCodeHTTPStatus = "ERR_301_HTTP_STATUS"
	ErrCodeTransport  = "ERR_302_TRANSPORT"
	ErrCodeProvider   = "ERR_303_PROVIDER"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeNotFound          = "ERR_403_NOT_FOUND"

	// Internal errors (500-599)
	ErrCodeInternal  = "ERR_501_INTERNAL"
	ErrCodeCancelled = "ERR_502_CANCELLED"
)

// kindFromCode derives the Kind for a code.
func kindFromCode(code string) Kind {
	switch code {
	case ErrCodeConfigInvalid, ErrCodeConfigUnknownKey:
		return KindConfig
	case ErrCodeStoreOpen, ErrCodeStoreWrite, ErrCodeStoreClosed, ErrCodeCacheCorrupt:
		return KindStorage
	case ErrCodeHTTPStatus:
		return KindHTTPStatus
	case ErrCodeTransport:
		return KindTransport
	case ErrCodeProvider:
		return KindProvider
	case ErrCodeDimensionMismatch:
		return KindDimension
	case ErrCodeNotFound:
		return KindNotFound
	case ErrCodeCancelled:
		return KindCancelled
	default:
		return KindInternal
	}
}

// severityFromCode determines severity based on the error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeConfigInvalid, ErrCodeConfigUnknownKey, ErrCodeStoreOpen:
		return SeverityFatal
	case ErrCodeTransport:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// isRetryableCode reports whether an error code represents a retryable error.
func isRetryableCode(code string) bool {
	return code == ErrCodeTransport
}

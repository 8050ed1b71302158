package fetch

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	oerrors "github.com/memoracle/memoracle/internal/errors"
)

// RetryConfig bounds the retry loop for remote embedding calls. Page
// fetches are NOT retried here; the crawl's own retry_count handles those
// across passes.
type RetryConfig struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // backoff base
	MaxDelay    time.Duration // backoff cap, also caps Retry-After
}

// DefaultRetryConfig returns the retry policy for remote providers.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// transientPatterns are network error messages worth retrying.
var transientPatterns = []string{
	"timeout",
	"connection reset",
	"connection refused",
	"socket hang up",
	"fetch failed",
}

// retryableStatuses are HTTP statuses worth retrying.
var retryableStatuses = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

// RetryAfterError lets a callee propagate a server-provided Retry-After
// delay through the retry loop.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// Do runs fn with exponential backoff: delay = base*2^attempt +
// random*base, capped at MaxDelay. Retries only transient errors; a
// Retry-After below the cap is honoured instead of the computed delay.
func Do(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return oerrors.Cancelled(ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !Retryable(err) || attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.BaseDelay*(1<<attempt) + time.Duration(rand.Float64()*float64(cfg.BaseDelay))
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		var ra *RetryAfterError
		if errors.As(err, &ra) && ra.After > 0 && ra.After < cfg.MaxDelay {
			delay = ra.After
		}

		select {
		case <-ctx.Done():
			return oerrors.Cancelled(ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}

// Retryable reports whether an error is worth another attempt: a transient
// transport message or a retryable HTTP status.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if status := oerrors.StatusOf(err); status != 0 {
		return retryableStatuses[status]
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return oerrors.IsRetryable(err)
}

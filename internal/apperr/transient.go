package apperr

import (
	"errors"
	"time"
)

// TransientError marks an error as safe to retry, optionally carrying a
// server-requested retry delay (e.g. parsed from a Retry-After header by
// internal/rpcutil). Node/RPC callers use IsTransient to decide whether the
// circuit breaker and retry loop should engage instead of failing fast.
type TransientError struct {
	cause      error
	retryAfter time.Duration
}

// NewTransientError wraps cause as a transient (retriable) error with no
// specific retry delay.
func NewTransientError(cause error) *TransientError {
	return &TransientError{cause: cause}
}

// NewTransientErrorWithRetry wraps cause as transient with a suggested delay
// before the next attempt.
func NewTransientErrorWithRetry(cause error, retryAfter time.Duration) *TransientError {
	return &TransientError{cause: cause, retryAfter: retryAfter}
}

func (e *TransientError) Error() string {
	return e.cause.Error()
}

func (e *TransientError) Unwrap() error {
	return e.cause
}

// IsTransient reports whether err is, or wraps, a *TransientError.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t *TransientError
	return errors.As(err, &t)
}

// GetRetryAfter returns the suggested retry delay for err, or 0 if err is not
// transient or carries no delay.
func GetRetryAfter(err error) time.Duration {
	if err == nil {
		return 0
	}
	var t *TransientError
	if errors.As(err, &t) {
		return t.retryAfter
	}
	return 0
}

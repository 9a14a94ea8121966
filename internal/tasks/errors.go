package tasks

import "errors"

// RetryableError wraps failures the retry machinery should re-queue: network
// drops, flood waits, LLM timeouts, prohibited-content finishes, fetch
// failures, and the deliberate re-entry after a retrieval sub-loop.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable marks err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err (or anything it wraps) is transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

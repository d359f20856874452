package dispatch

import (
	"errors"
	"fmt"
)

// RetryableError marks a trigger failure as transient (network timeout,
// platform temporarily unavailable). The dispatcher requeues the request
// with backoff instead of failing it, up to the attempt ceiling.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps an error to mark it transient.
func Retryable(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether the error is marked transient.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}

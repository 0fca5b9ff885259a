package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the database
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's already claimed
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in QUEUED status")

	// ErrInvalidPayload is returned when a submission payload is malformed.
	// Jobs with invalid payloads are rejected before enqueue and never retried.
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrMaxRetriesExceeded is returned when a job has exceeded its retry limit
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrCircuitOpen is the fail-fast signal from the circuit breaker. It is
	// distinct from any job-level error: the system is overloaded, the
	// caller's job did not fail.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrJobExpired is returned when a queued message outlived its expiry
	// window before any worker claimed it.
	ErrJobExpired = errors.New("job expired before processing")
)

// AdmissionLimitError is returned when a user already has the maximum number
// of concurrent jobs in flight. No job record is created.
type AdmissionLimitError struct {
	Active int
	Max    int
}

func (e *AdmissionLimitError) Error() string {
	return fmt.Sprintf("concurrent job limit reached: %d active of %d allowed", e.Active, e.Max)
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

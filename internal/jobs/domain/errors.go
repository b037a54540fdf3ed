package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job id resolves to no row.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when a claim loses the conditional
	// update race, i.e. the job is no longer PENDING or RETRYING.
	ErrJobAlreadyClaimed = errors.New("job already claimed or not dispatchable")

	// ErrDuplicateIdempotencyKey is returned when an insert collides with the
	// unique constraint on idempotency_key.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrRetriesExhausted is returned when a retry row is requested for a
	// lineage that already used its retry budget.
	ErrRetriesExhausted = errors.New("max retries exhausted")

	// ErrUnknownJobType is returned when no worker adapter is registered for a
	// job's type. This is a configuration error and is never retried.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrNotCancellable is returned when cancelling a job that already
	// reached a terminal state.
	ErrNotCancellable = errors.New("job is not in a cancellable state")
)

// Package store defines the job record store contract and its two backends:
// PostgreSQL for production and an in-memory map for tests and local runs.
package store

import (
	"context"
	"errors"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
)

// ErrSkipMutation aborts a Mutate without writing. The mutation callback
// returns it when the row's current state rules the change out, e.g. a
// heartbeat arriving after the job already reached a terminal status.
var ErrSkipMutation = errors.New("mutation skipped")

// Filter narrows List queries. Zero values mean "no constraint".
type Filter struct {
	Statuses []domain.JobStatus
	JobType  domain.JobType
	EntityID string
	Limit    int
	// OldestFirst orders by created_at ascending (the dispatch loop's FIFO
	// tie-break); the default is newest first for API listings.
	OldestFirst bool
}

// StatusCounts holds per-status job counts for one job type, sampled by the
// autoscaler to derive queue depth and running load.
type StatusCounts struct {
	Pending  int
	Retrying int
	Running  int
}

// QueueDepth is the count of jobs waiting to run.
func (c StatusCounts) QueueDepth() int { return c.Pending + c.Retrying }

// JobStore is the durable table of job rows. Implementations must enforce a
// uniqueness constraint on idempotency_key and make Claim an atomic
// compare-and-swap on status.
type JobStore interface {
	// Create inserts a new row. Returns domain.ErrDuplicateIdempotencyKey if
	// the key is already taken.
	Create(ctx context.Context, job *domain.Job) error

	// GetByID returns the row or domain.ErrJobNotFound.
	GetByID(ctx context.Context, id string) (*domain.Job, error)

	// GetLatestByIdempotencyKey returns the most recently created row with the
	// key, or domain.ErrJobNotFound.
	GetLatestByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error)

	// Update overwrites the row's mutable fields. Missing id is
	// domain.ErrJobNotFound.
	Update(ctx context.Context, job *domain.Job) error

	// Mutate loads the row, applies fn and persists the result as one atomic
	// unit, holding the row lock so a concurrent transition cannot be
	// clobbered by a stale read-modify-write. fn returning ErrSkipMutation
	// (or any other error) leaves the row untouched; the row as fn saw it is
	// returned alongside the error. Missing id is domain.ErrJobNotFound.
	Mutate(ctx context.Context, id string, fn func(job *domain.Job) error) (*domain.Job, error)

	// Delete removes the row. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns rows matching the filter.
	List(ctx context.Context, f Filter) ([]*domain.Job, error)

	// Claim atomically moves a PENDING or RETRYING job to RUNNING, stamping
	// the worker instance, started_at and last_heartbeat_at. Returns
	// domain.ErrJobAlreadyClaimed if the job is in any other state and
	// domain.ErrJobNotFound if it does not exist.
	Claim(ctx context.Context, id, workerInstanceID string) (*domain.Job, error)

	// ReplaceForRetry deletes the terminal row oldID and inserts replacement
	// (which reuses its idempotency key) as one atomic unit. If the insert
	// fails the delete must not be observable.
	ReplaceForRetry(ctx context.Context, oldID string, replacement *domain.Job) error

	// CountByStatus returns per-status counts for one job type.
	CountByStatus(ctx context.Context, jobType domain.JobType) (StatusCounts, error)
}

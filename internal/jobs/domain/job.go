package domain

import "time"

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusRetrying  JobStatus = "RETRYING"
	JobStatusStale     JobStatus = "STALE"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether the status ends a job's run. Terminal does not
// mean permanently blocking: STALE, FAILED and CANCELLED rows can be retired
// and replaced by a retry row under the same idempotency key.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusStale:
		return true
	}
	return false
}

// IsDispatchable reports whether the dispatch loop may claim a job in this state.
func (s JobStatus) IsDispatchable() bool {
	return s == JobStatusPending || s == JobStatusRetrying
}

// JobType identifies which worker handles a job.
type JobType string

const (
	JobTypeAnalysis         JobType = "ANALYSIS"
	JobTypeSourceSeparation JobType = "SOURCE_SEPARATION"
	JobTypeGeneration       JobType = "GENERATION"
	JobTypeTraining         JobType = "TRAINING"
)

// Job is a unit of asynchronous work handed off to an external worker.
// One active (non-terminal) job exists per idempotency key at any time.
type Job struct {
	ID               string         `db:"job_id"`
	JobType          JobType        `db:"job_type"`
	EntityID         string         `db:"entity_id"`
	Status           JobStatus      `db:"status"`
	IdempotencyKey   string         `db:"idempotency_key"`
	RetryCount       int            `db:"retry_count"`
	MaxRetries       int            `db:"max_retries"`
	CurrentStep      string         `db:"current_step"`
	Checkpoints      map[string]any `db:"-"`
	Metadata         map[string]any `db:"-"`
	ErrorMessage     string         `db:"error_message"`
	WorkerInstanceID string         `db:"worker_instance_id"`
	CreatedAt        time.Time      `db:"created_at"`
	StartedAt        *time.Time     `db:"started_at"`
	CompletedAt      *time.Time     `db:"completed_at"`
	LastHeartbeatAt  *time.Time     `db:"last_heartbeat_at"`
}

// HeartbeatAge returns how long ago the job last heartbeated, measured at now.
// Jobs that never heartbeated are aged from their creation time.
func (j *Job) HeartbeatAge(now time.Time) time.Duration {
	if j.LastHeartbeatAt != nil {
		return now.Sub(*j.LastHeartbeatAt)
	}
	return now.Sub(j.CreatedAt)
}

// RetriesExhausted reports whether the job's lineage has used up its retry budget.
func (j *Job) RetriesExhausted() bool {
	return j.RetryCount >= j.MaxRetries
}

// Clone returns a deep copy. Store implementations hand out clones so callers
// can never mutate stored state behind the store's back.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Checkpoints = cloneMap(j.Checkpoints)
	cp.Metadata = cloneMap(j.Metadata)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.LastHeartbeatAt = cloneTime(j.LastHeartbeatAt)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// Package jobs implements the orchestration core: the idempotent job
// lifecycle manager and the polling dispatch loop that hands eligible jobs to
// external workers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
	"github.com/stemforge/orchestrator/internal/jobs/store"
	"github.com/stemforge/orchestrator/internal/notify"
)

// ManagerConfig tunes lifecycle thresholds. The two staleness thresholds are
// intentionally different: StaleAfter is checked inline when a duplicate
// request arrives for a running job, SweepStaleAfter is the longer cutoff used
// by the periodic sweep. Both existed in the original system; unifying them
// would change observed behavior.
type ManagerConfig struct {
	MaxRetries        map[domain.JobType]int
	DefaultMaxRetries int
	StaleAfter        time.Duration
	SweepStaleAfter   time.Duration
	CompletedGrace    time.Duration
}

const (
	defaultMaxRetries      = 2
	defaultStaleAfter      = 15 * time.Minute
	defaultSweepStaleAfter = 30 * time.Minute
	defaultCompletedGrace  = 30 * time.Second
)

func (c *ManagerConfig) applyDefaults() {
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = defaultMaxRetries
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.SweepStaleAfter <= 0 {
		c.SweepStaleAfter = defaultSweepStaleAfter
	}
	if c.CompletedGrace <= 0 {
		c.CompletedGrace = defaultCompletedGrace
	}
}

// Manager owns the job state machine. Repeated requests for the same work
// converge on one job, and failures are retried a bounded number of times
// without duplicate or orphaned rows.
type Manager struct {
	store    store.JobStore
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      ManagerConfig

	now func() time.Time
}

// NewManager creates a Manager over a job store. A nil notifier discards
// progress events.
func NewManager(s store.JobStore, notifier notify.Notifier, logger *slog.Logger, cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Manager{
		store:    s,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// maxRetriesFor resolves the per-type retry budget.
func (m *Manager) maxRetriesFor(jobType domain.JobType) int {
	if n, ok := m.cfg.MaxRetries[jobType]; ok && n >= 0 {
		return n
	}
	return m.cfg.DefaultMaxRetries
}

// CreateOrGetJob creates a job for (jobType, entityID, metadata) or returns
// the existing one sharing the idempotency key. A terminal row that still has
// retry budget is retired and replaced by a retry row.
func (m *Manager) CreateOrGetJob(ctx context.Context, jobType domain.JobType, entityID string, metadata map[string]any) (*domain.Job, error) {
	key := IdempotencyKey(jobType, entityID, metadata)

	existing, err := m.store.GetLatestByIdempotencyKey(ctx, key)
	if errors.Is(err, domain.ErrJobNotFound) {
		return m.insertFresh(ctx, jobType, entityID, metadata, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}

	switch {
	case existing.Status == domain.JobStatusCompleted:
		// Work is done; nothing to redo.
		return existing, nil

	case existing.Status == domain.JobStatusRunning:
		if existing.HeartbeatAge(m.now()) <= m.cfg.StaleAfter {
			// Still alive, don't start duplicate work.
			return existing, nil
		}
		m.logger.Warn("Running job missed inline staleness threshold, retiring",
			slog.String("job_id", existing.ID),
			slog.Duration("heartbeat_age", existing.HeartbeatAge(m.now())),
		)
		staled, err := m.markStale(ctx, existing.ID, "heartbeat timeout detected on resubmission")
		if errors.Is(err, store.ErrSkipMutation) {
			// The runner finished or was cancelled in the meantime.
			return staled, nil
		}
		if err != nil {
			return nil, err
		}
		if staled.RetriesExhausted() {
			// No budget for another run; the staled row stays terminal.
			return staled, nil
		}
		return m.createRetryRow(ctx, staled, metadata)

	case existing.Status.IsDispatchable():
		// Pending or Retrying: already queued.
		return existing, nil

	case existing.RetriesExhausted():
		// Failed/Cancelled/Stale with no budget left stays terminal.
		return existing, nil

	default:
		// Failed, Cancelled or Stale with retry budget remaining.
		return m.createRetryRow(ctx, existing, metadata)
	}
}

func (m *Manager) insertFresh(ctx context.Context, jobType domain.JobType, entityID string, metadata map[string]any, key string) (*domain.Job, error) {
	job := &domain.Job{
		ID:             uuid.New().String(),
		JobType:        jobType,
		EntityID:       entityID,
		Status:         domain.JobStatusPending,
		IdempotencyKey: key,
		RetryCount:     0,
		MaxRetries:     m.maxRetriesFor(jobType),
		Metadata:       metadata,
		CreatedAt:      m.now(),
	}

	err := m.store.Create(ctx, job)
	if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
		// Lost the create race; the winner's row is the job.
		winner, getErr := m.store.GetLatestByIdempotencyKey(ctx, key)
		if getErr != nil {
			return nil, fmt.Errorf("failed to resolve idempotency conflict: %w", getErr)
		}
		return winner, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	m.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(jobType)),
		slog.String("entity_id", entityID),
	)
	return job, nil
}

// createRetryRow retires the terminal row and inserts a replacement with the
// same idempotency key, an incremented retry count and cleared run state.
// Checkpoints carry over so the replacement can resume where the old run left
// off. Delete and insert are one atomic unit in the store.
func (m *Manager) createRetryRow(ctx context.Context, old *domain.Job, metadata map[string]any) (*domain.Job, error) {
	if old.RetriesExhausted() {
		return nil, domain.ErrRetriesExhausted
	}

	merged := mergeMaps(old.Metadata, metadata)
	retry := &domain.Job{
		ID:             uuid.New().String(),
		JobType:        old.JobType,
		EntityID:       old.EntityID,
		Status:         domain.JobStatusRetrying,
		IdempotencyKey: old.IdempotencyKey,
		RetryCount:     old.RetryCount + 1,
		MaxRetries:     old.MaxRetries,
		Checkpoints:    old.Checkpoints,
		Metadata:       merged,
		CreatedAt:      m.now(),
	}

	if err := m.store.ReplaceForRetry(ctx, old.ID, retry); err != nil {
		return nil, fmt.Errorf("failed to create retry row: %w", err)
	}

	m.logger.Info("Retry row created",
		slog.String("old_job_id", old.ID),
		slog.String("job_id", retry.ID),
		slog.Int("retry_count", retry.RetryCount),
		slog.Int("max_retries", retry.MaxRetries),
	)
	return retry, nil
}

// StartProcessing claims a PENDING or RETRYING job for a worker instance.
// Returns false without error when the claim loses the race or the job is
// gone; this is the double-dispatch guard.
func (m *Manager) StartProcessing(ctx context.Context, jobID, workerInstanceID string) (bool, error) {
	job, err := m.store.Claim(ctx, jobID, workerInstanceID)
	if errors.Is(err, domain.ErrJobAlreadyClaimed) {
		return false, nil
	}
	if errors.Is(err, domain.ErrJobNotFound) {
		m.logger.Warn("StartProcessing on missing job",
			slog.String("job_id", jobID),
		)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("worker_instance_id", workerInstanceID),
		slog.String("job_type", string(job.JobType)),
	)
	m.emit(ctx, job, 0, "processing started")
	return true, nil
}

// HeartbeatUpdate carries the optional fields of UpdateWithHeartbeat. Empty
// Status and CurrentStep leave the stored values unchanged; Checkpoints are
// merged last-writer-wins per key.
type HeartbeatUpdate struct {
	Status      domain.JobStatus
	CurrentStep string
	Checkpoints map[string]any
}

// UpdateWithHeartbeat refreshes last_heartbeat_at and applies the optional
// updates as one conditional write. A heartbeat racing a terminal transition
// is dropped rather than resurrecting the row with a stale snapshot. A
// missing job id is a logged no-op.
func (m *Manager) UpdateWithHeartbeat(ctx context.Context, jobID string, update HeartbeatUpdate) error {
	_, err := m.store.Mutate(ctx, jobID, func(job *domain.Job) error {
		if job.Status.IsTerminal() {
			return store.ErrSkipMutation
		}
		now := m.now()
		job.LastHeartbeatAt = &now
		if update.Status != "" {
			job.Status = update.Status
		}
		if update.CurrentStep != "" {
			job.CurrentStep = update.CurrentStep
		}
		if len(update.Checkpoints) > 0 {
			job.Checkpoints = mergeMaps(job.Checkpoints, update.Checkpoints)
		}
		return nil
	})

	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		m.logger.Warn("Heartbeat for missing job",
			slog.String("job_id", jobID),
		)
		return nil
	case errors.Is(err, store.ErrSkipMutation):
		m.logger.Debug("Heartbeat for terminal job dropped",
			slog.String("job_id", jobID),
		)
		return nil
	case err != nil:
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// Complete marks the job COMPLETED and merges the final metadata patch. With
// autoDelete the row is removed after the grace period; the grace exists so a
// client polling right after a completion notification still reads the final
// row once.
func (m *Manager) Complete(ctx context.Context, jobID string, metadataPatch map[string]any, autoDelete bool) error {
	job, err := m.store.Mutate(ctx, jobID, func(job *domain.Job) error {
		if job.Status.IsTerminal() {
			return store.ErrSkipMutation
		}
		now := m.now()
		job.Status = domain.JobStatusCompleted
		job.CompletedAt = &now
		job.Metadata = mergeMaps(job.Metadata, metadataPatch)
		return nil
	})

	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		m.logger.Warn("Complete for missing job",
			slog.String("job_id", jobID),
		)
		return nil
	case errors.Is(err, store.ErrSkipMutation):
		m.logger.Warn("Completion for terminal job ignored",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
		)
		return nil
	case err != nil:
		return fmt.Errorf("failed to complete job: %w", err)
	}

	m.logger.Info("Job completed",
		slog.String("job_id", jobID),
		slog.String("job_type", string(job.JobType)),
	)
	m.emit(ctx, job, 100, "completed")

	if autoDelete {
		m.scheduleDeletion(jobID)
	}
	return nil
}

// scheduleDeletion removes the completed row after the grace period. Detached
// from the caller's context: completion already happened, the cleanup should
// survive the request that triggered it.
func (m *Manager) scheduleDeletion(jobID string) {
	time.AfterFunc(m.cfg.CompletedGrace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.store.Delete(ctx, jobID); err != nil {
			m.logger.Warn("Failed to auto-delete completed job",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
			return
		}
		m.logger.Debug("Completed job auto-deleted",
			slog.String("job_id", jobID),
		)
	})
}

// Fail marks the job FAILED, storing the error message and merging the
// failure metadata patch. A missing job id is a logged no-op.
func (m *Manager) Fail(ctx context.Context, jobID, errorMessage string, metadataPatch map[string]any) error {
	job, err := m.store.Mutate(ctx, jobID, func(job *domain.Job) error {
		if job.Status.IsTerminal() {
			return store.ErrSkipMutation
		}
		now := m.now()
		job.Status = domain.JobStatusFailed
		job.CompletedAt = &now
		job.ErrorMessage = errorMessage
		job.Metadata = mergeMaps(job.Metadata, metadataPatch)
		return nil
	})

	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		m.logger.Warn("Fail for missing job",
			slog.String("job_id", jobID),
		)
		return nil
	case errors.Is(err, store.ErrSkipMutation):
		m.logger.Warn("Failure for terminal job ignored",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
		)
		return nil
	case err != nil:
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	m.logger.Error("Job failed",
		slog.String("job_id", jobID),
		slog.String("job_type", string(job.JobType)),
		slog.String("error", errorMessage),
		slog.Int("retry_count", job.RetryCount),
		slog.Int("max_retries", job.MaxRetries),
	)
	m.emit(ctx, job, 0, errorMessage)
	return nil
}

// Cancel moves a PENDING, RUNNING or RETRYING job to CANCELLED.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	job, err := m.store.Mutate(ctx, jobID, func(job *domain.Job) error {
		if job.Status.IsTerminal() {
			return store.ErrSkipMutation
		}
		now := m.now()
		job.Status = domain.JobStatusCancelled
		job.CompletedAt = &now
		return nil
	})

	switch {
	case errors.Is(err, store.ErrSkipMutation):
		return domain.ErrNotCancellable
	case errors.Is(err, domain.ErrJobNotFound):
		return err
	case err != nil:
		return fmt.Errorf("failed to cancel job: %w", err)
	}

	m.logger.Info("Job cancelled",
		slog.String("job_id", jobID),
	)
	m.emit(ctx, job, 0, "cancelled")
	return nil
}

// CleanupStaleJobs sweeps RUNNING jobs whose heartbeat is older than the sweep
// threshold and marks them STALE. Returns the number of jobs retired.
func (m *Manager) CleanupStaleJobs(ctx context.Context) (int, error) {
	running, err := m.store.List(ctx, store.Filter{
		Statuses: []domain.JobStatus{domain.JobStatusRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list running jobs: %w", err)
	}

	now := m.now()
	swept := 0
	for _, job := range running {
		if job.HeartbeatAge(now) <= m.cfg.SweepStaleAfter {
			continue
		}
		_, err := m.markStale(ctx, job.ID, "heartbeat timeout detected by sweep")
		if errors.Is(err, store.ErrSkipMutation) {
			continue
		}
		if err != nil {
			m.logger.Error("Failed to mark job stale",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			continue
		}
		swept++
	}

	if swept > 0 {
		m.logger.Info("Stale job sweep finished",
			slog.Int("swept", swept),
		)
	}
	return swept, nil
}

// markStale retires a runner whose heartbeat lapsed. The write is conditional
// on the row still being RUNNING; a completion or cancellation landing first
// wins and store.ErrSkipMutation is returned with the row as it stands.
func (m *Manager) markStale(ctx context.Context, jobID, reason string) (*domain.Job, error) {
	job, err := m.store.Mutate(ctx, jobID, func(job *domain.Job) error {
		if job.Status != domain.JobStatusRunning {
			return store.ErrSkipMutation
		}
		job.Status = domain.JobStatusStale
		job.ErrorMessage = reason
		return nil
	})
	if errors.Is(err, store.ErrSkipMutation) {
		return job, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark job stale: %w", err)
	}

	m.logger.Warn("Job marked stale",
		slog.String("job_id", jobID),
		slog.String("reason", reason),
	)
	m.emit(ctx, job, 0, reason)
	return job, nil
}

// CleanupOldJobs deletes FAILED and CANCELLED rows whose completion is older
// than the threshold. Storage hygiene only, not part of the state machine.
func (m *Manager) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	terminal, err := m.store.List(ctx, store.Filter{
		Statuses: []domain.JobStatus{domain.JobStatusFailed, domain.JobStatusCancelled},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list terminal jobs: %w", err)
	}

	cutoff := m.now().Add(-olderThan)
	deleted := 0
	for _, job := range terminal {
		if job.CompletedAt == nil || job.CompletedAt.After(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, job.ID); err != nil {
			m.logger.Error("Failed to delete old job",
				slog.String("job_id", job.ID),
				slog.Any("error", err),
			)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		m.logger.Info("Old job cleanup finished",
			slog.Int("deleted", deleted),
		)
	}
	return deleted, nil
}

// GetJob returns a job by id.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return m.store.GetByID(ctx, jobID)
}

// ListJobs returns jobs matching the filter.
func (m *Manager) ListJobs(ctx context.Context, f store.Filter) ([]*domain.Job, error) {
	return m.store.List(ctx, f)
}

// DeleteJob removes a job row outright.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) error {
	return m.store.Delete(ctx, jobID)
}

// FindLatestByEntity resolves the most recent job for (jobType, entityID).
// Worker callbacks identify the originating job this way.
func (m *Manager) FindLatestByEntity(ctx context.Context, jobType domain.JobType, entityID string) (*domain.Job, error) {
	matches, err := m.store.List(ctx, store.Filter{
		JobType:  jobType,
		EntityID: entityID,
		Limit:    1,
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, domain.ErrJobNotFound
	}
	return matches[0], nil
}

func (m *Manager) emit(ctx context.Context, job *domain.Job, pct float64, message string) {
	m.notifier.Publish(ctx, notify.Event{
		JobID:              job.ID,
		Status:             job.Status,
		CurrentStep:        job.CurrentStep,
		ProgressPercentage: pct,
		ProgressMessage:    message,
		Metadata:           job.Metadata,
		Timestamp:          m.now(),
	})
}

func mergeMaps(base, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return base
	}
	merged := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
	"github.com/stemforge/orchestrator/internal/jobs/store"
	"github.com/stemforge/orchestrator/internal/workers"
)

// DispatcherConfig tunes the polling dispatch loop.
type DispatcherConfig struct {
	WorkerInstanceID  string
	PollInterval      time.Duration
	BatchSize         int
	MaxConcurrentJobs int64
	ErrorBackoff      time.Duration
}

const (
	defaultPollInterval      = 2 * time.Second
	defaultBatchSize         = 10
	defaultMaxConcurrentJobs = 5
	defaultErrorBackoff      = 10 * time.Second
)

func (c *DispatcherConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = defaultMaxConcurrentJobs
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = defaultErrorBackoff
	}
}

// Dispatcher is the recurring loop that moves PENDING/RETRYING jobs to
// RUNNING and hands them to the matching worker adapter. A counting semaphore
// bounds how many dispatch units are in flight; the loop itself never waits
// for a job to finish.
type Dispatcher struct {
	manager  *Manager
	store    store.JobStore
	adapters *workers.Registry
	logger   *slog.Logger
	cfg      DispatcherConfig

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewDispatcher creates a dispatcher. The manager performs all state
// transitions; the dispatcher only selects and submits.
func NewDispatcher(manager *Manager, s store.JobStore, adapters *workers.Registry, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		manager:  manager,
		store:    s,
		adapters: adapters,
		logger:   logger,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentJobs),
	}
}

// Run polls until ctx is cancelled. Poll-level errors back off longer than
// the regular interval; the loop never terminates on its own.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatch loop started",
		slog.String("worker_instance_id", d.cfg.WorkerInstanceID),
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Int("batch_size", d.cfg.BatchSize),
		slog.Int64("max_concurrent_jobs", d.cfg.MaxConcurrentJobs),
	)

	for {
		delay := d.cfg.PollInterval
		if err := d.pollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("Dispatch poll failed, backing off",
				slog.Any("error", err),
				slog.Duration("backoff", d.cfg.ErrorBackoff),
			)
			delay = d.cfg.ErrorBackoff
		}

		select {
		case <-ctx.Done():
			d.logger.Info("Dispatch loop stopping - context cancelled")
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Wait blocks until in-flight dispatch units finish. Called during graceful
// shutdown after Run has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// pollOnce fetches one batch of eligible jobs, oldest first, and launches a
// dispatch unit per job behind the concurrency semaphore.
func (d *Dispatcher) pollOnce(ctx context.Context) error {
	batch, err := d.store.List(ctx, store.Filter{
		Statuses:    []domain.JobStatus{domain.JobStatusPending, domain.JobStatusRetrying},
		Limit:       d.cfg.BatchSize,
		OldestFirst: true,
	})
	if err != nil {
		return fmt.Errorf("failed to poll for eligible jobs: %w", err)
	}

	for _, job := range batch {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return err
		}

		d.wg.Add(1)
		go func(jobID string) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.dispatch(ctx, jobID)
		}(job.ID)
	}
	return nil
}

// dispatch is one unit of work for one job. Any failure is recorded on that
// job alone and never escapes the unit.
func (d *Dispatcher) dispatch(ctx context.Context, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic while dispatching job",
				slog.String("job_id", jobID),
				slog.Any("panic", r),
			)
			_ = d.manager.Fail(ctx, jobID, fmt.Sprintf("dispatch panic: %v", r), nil)
		}
	}()

	// Re-read: another instance or cycle may have claimed it since the poll.
	job, err := d.store.GetByID(ctx, jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return
	}
	if err != nil {
		d.logger.Error("Failed to re-read job before dispatch",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}
	if !job.Status.IsDispatchable() {
		return
	}

	claimed, err := d.manager.StartProcessing(ctx, jobID, d.cfg.WorkerInstanceID)
	if err != nil {
		d.logger.Error("Failed to claim job",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}
	if !claimed {
		return
	}

	if err := d.manager.UpdateWithHeartbeat(ctx, jobID, HeartbeatUpdate{
		CurrentStep: "submitting to worker",
		Checkpoints: map[string]any{
			"dispatched_at": time.Now().UTC().Format(time.RFC3339),
		},
	}); err != nil {
		d.logger.Warn("Failed to record initial heartbeat",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	adapter, err := d.adapters.ForType(job.JobType)
	if err != nil {
		// Configuration error, not transient: fail immediately, never retried.
		_ = d.manager.Fail(ctx, jobID, err.Error(), nil)
		return
	}

	statusCode, submitErr := adapter.Submit(ctx, job)

	if err := d.manager.UpdateWithHeartbeat(ctx, jobID, HeartbeatUpdate{
		Checkpoints: map[string]any{
			"submit_status_code": statusCode,
		},
	}); err != nil {
		d.logger.Warn("Failed to record submission checkpoint",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	if submitErr != nil {
		d.logger.Error("Worker submission failed",
			slog.String("job_id", jobID),
			slog.String("job_type", string(job.JobType)),
			slog.Int("status_code", statusCode),
			slog.Any("error", submitErr),
		)
		_ = d.manager.Fail(ctx, jobID, submitErr.Error(), nil)
		return
	}

	// Submission accepted. Completion arrives later through the worker's
	// callback; this unit is done.
	d.logger.Info("Job submitted to worker",
		slog.String("job_id", jobID),
		slog.String("job_type", string(job.JobType)),
		slog.Int("status_code", statusCode),
	)

	if err := d.manager.UpdateWithHeartbeat(ctx, jobID, HeartbeatUpdate{
		CurrentStep: "awaiting worker callback",
	}); err != nil {
		d.logger.Warn("Failed to update current step",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
}

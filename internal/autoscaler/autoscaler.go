// Package autoscaler keeps worker replica counts proportional to queue
// demand, per job type, within configured bounds. Scale-up is proportional to
// backlog while scale-down steps by one replica, biasing the system toward
// over-provisioning under load and conservative contraction.
package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
	"github.com/stemforge/orchestrator/internal/jobs/store"
)

// Config tunes the autoscaling loop.
type Config struct {
	Interval           time.Duration
	Cooldown           time.Duration
	MinWorkers         int
	MaxWorkers         int
	ScaleUpThreshold   int
	ScaleDownThreshold int
	// Pools maps each tracked job type to its worker pool name at the
	// controller.
	Pools map[domain.JobType]string
}

const (
	defaultInterval           = 10 * time.Second
	defaultCooldown           = 60 * time.Second
	defaultMinWorkers         = 1
	defaultMaxWorkers         = 5
	defaultScaleUpThreshold   = 3
	defaultScaleDownThreshold = 1
)

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = defaultMinWorkers
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = defaultMaxWorkers
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = defaultScaleUpThreshold
	}
	if c.ScaleDownThreshold <= 0 {
		c.ScaleDownThreshold = defaultScaleDownThreshold
	}
}

// Autoscaler samples queue depth and running counts from the job store and
// issues scale commands to the pool controller. Replica state is process-local
// and reconciled against the controller at startup.
type Autoscaler struct {
	store      store.JobStore
	controller PoolController
	logger     *slog.Logger
	cfg        Config

	current         map[domain.JobType]int
	lastScaleAction time.Time

	now func() time.Time
}

// New creates an autoscaler. Call Run to start the loop.
func New(s store.JobStore, controller PoolController, logger *slog.Logger, cfg Config) *Autoscaler {
	cfg.applyDefaults()
	return &Autoscaler{
		store:      s,
		controller: controller,
		logger:     logger,
		cfg:        cfg,
		current:    make(map[domain.JobType]int),
		now:        time.Now,
	}
}

// Reconcile reads the true replica count of every tracked pool from the
// controller, replacing any assumed baseline. Returns an error if the
// controller is unreachable; the loop disables itself in that case rather
// than scaling against a broken dependency.
func (a *Autoscaler) Reconcile(ctx context.Context) error {
	for jobType, pool := range a.cfg.Pools {
		replicas, err := a.controller.GetReplicas(ctx, pool)
		if err != nil {
			return fmt.Errorf("failed to reconcile pool %q: %w", pool, err)
		}
		a.current[jobType] = replicas
		a.logger.Info("Reconciled worker pool",
			slog.String("pool", pool),
			slog.String("job_type", string(jobType)),
			slog.Int("replicas", replicas),
		)
	}
	return nil
}

// Run reconciles, then evaluates scaling every interval until ctx is
// cancelled. An unreachable controller at startup disables the loop.
func (a *Autoscaler) Run(ctx context.Context) error {
	if err := a.Reconcile(ctx); err != nil {
		a.logger.Error("Autoscaler disabled - pool controller unreachable at startup",
			slog.Any("error", err),
		)
		return err
	}

	a.logger.Info("Autoscaler loop started",
		slog.Duration("interval", a.cfg.Interval),
		slog.Duration("cooldown", a.cfg.Cooldown),
		slog.Int("min_workers", a.cfg.MinWorkers),
		slog.Int("max_workers", a.cfg.MaxWorkers),
	)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Autoscaler loop stopping - context cancelled")
			return ctx.Err()
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				a.logger.Error("Autoscaler cycle failed",
					slog.Any("error", err),
				)
			}
		}
	}
}

// tick runs one scaling evaluation: sample load per job type, honor the
// global cooldown, and issue at most one scale command per pool.
func (a *Autoscaler) tick(ctx context.Context) error {
	if a.inCooldown() {
		return nil
	}

	for jobType, pool := range a.cfg.Pools {
		counts, err := a.store.CountByStatus(ctx, jobType)
		if err != nil {
			return fmt.Errorf("failed to sample load for %s: %w", jobType, err)
		}

		load := counts.QueueDepth() + counts.Running
		current := a.current[jobType]
		desired := a.desiredReplicas(load, current)
		if desired == current {
			continue
		}

		a.logger.Info("Scaling worker pool",
			slog.String("pool", pool),
			slog.String("job_type", string(jobType)),
			slog.Int("queue_depth", counts.QueueDepth()),
			slog.Int("running", counts.Running),
			slog.Int("current", current),
			slog.Int("desired", desired),
		)

		if err := a.controller.SetReplicas(ctx, pool, desired); err != nil {
			// Leave current and the cooldown untouched so the next cycle
			// retries immediately.
			a.logger.Error("Scale command failed",
				slog.String("pool", pool),
				slog.Any("error", err),
			)
			continue
		}

		a.current[jobType] = desired
		a.lastScaleAction = a.now()
	}
	return nil
}

func (a *Autoscaler) inCooldown() bool {
	return !a.lastScaleAction.IsZero() && a.now().Sub(a.lastScaleAction) < a.cfg.Cooldown
}

// desiredReplicas applies the scaling policy: proportional jumps up, single
// steps down, clamped to [MinWorkers, MaxWorkers].
func (a *Autoscaler) desiredReplicas(load, current int) int {
	if load >= a.cfg.ScaleUpThreshold && current < a.cfg.MaxWorkers {
		desired := current + load/a.cfg.ScaleUpThreshold
		if desired > a.cfg.MaxWorkers {
			desired = a.cfg.MaxWorkers
		}
		return desired
	}
	if load <= a.cfg.ScaleDownThreshold && current > a.cfg.MinWorkers {
		return current - 1
	}
	return current
}

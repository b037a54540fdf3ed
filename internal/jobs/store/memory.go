package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
)

// Memory is a mutex-guarded in-memory JobStore. It backs tests and local runs
// and mirrors the transactional guarantees of the PostgreSQL backend: the
// idempotency key is unique, Claim is a compare-and-swap, and ReplaceForRetry
// is all-or-nothing.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job

	// Now supplies claim timestamps. Tests override it alongside the
	// manager's clock.
	Now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*domain.Job), Now: time.Now}
}

func (m *Memory) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(job)
}

// insertLocked enforces the idempotency key uniqueness the way the unique
// index does in PostgreSQL.
func (m *Memory) insertLocked(job *domain.Job) error {
	for _, existing := range m.jobs {
		if existing.IdempotencyKey == job.IdempotencyKey {
			return domain.ErrDuplicateIdempotencyKey
		}
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) GetByID(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (m *Memory) GetLatestByIdempotencyKey(_ context.Context, key string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Job
	for _, job := range m.jobs {
		if job.IdempotencyKey != key {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, domain.ErrJobNotFound
	}
	return latest.Clone(), nil
}

func (m *Memory) Update(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return domain.ErrJobNotFound
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

// Mutate applies fn under the store mutex, mirroring the row lock the
// PostgreSQL backend takes for the same operation.
func (m *Memory) Mutate(_ context.Context, id string, fn func(job *domain.Job) error) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return current.Clone(), err
	}
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*domain.Job
	for _, job := range m.jobs {
		if f.JobType != "" && job.JobType != f.JobType {
			continue
		}
		if f.EntityID != "" && job.EntityID != f.EntityID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, job.Status) {
			continue
		}
		out = append(out, job.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if f.OldestFirst {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Claim(_ context.Context, id, workerInstanceID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if !job.Status.IsDispatchable() {
		return nil, domain.ErrJobAlreadyClaimed
	}

	now := m.Now()
	job.Status = domain.JobStatusRunning
	job.WorkerInstanceID = workerInstanceID
	job.StartedAt = &now
	job.LastHeartbeatAt = &now
	return job.Clone(), nil
}

func (m *Memory) ReplaceForRetry(_ context.Context, oldID string, replacement *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.jobs[oldID]
	if !ok {
		return domain.ErrJobNotFound
	}

	delete(m.jobs, oldID)
	if err := m.insertLocked(replacement); err != nil {
		// Roll the delete back, as the wrapping transaction would.
		m.jobs[oldID] = old
		return err
	}
	return nil
}

func (m *Memory) CountByStatus(_ context.Context, jobType domain.JobType) (StatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var counts StatusCounts
	for _, job := range m.jobs {
		if job.JobType != jobType {
			continue
		}
		switch job.Status {
		case domain.JobStatusPending:
			counts.Pending++
		case domain.JobStatusRetrying:
			counts.Retrying++
		case domain.JobStatusRunning:
			counts.Running++
		}
	}
	return counts, nil
}

func containsStatus(statuses []domain.JobStatus, s domain.JobStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
)

func newJob(id, key string, status domain.JobStatus, createdAt time.Time) *domain.Job {
	return &domain.Job{
		ID:             id,
		JobType:        domain.JobTypeAnalysis,
		EntityID:       "audio-1",
		Status:         status,
		IdempotencyKey: key,
		MaxRetries:     2,
		CreatedAt:      createdAt,
	}
}

func TestMemory_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job := newJob("job-1", "key-1", domain.JobStatusPending, time.Now())
	require.NoError(t, m.Create(ctx, job))

	got, err := m.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, domain.JobStatusPending, got.Status)

	_, err = m.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemory_UniqueIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.Create(ctx, newJob("job-1", "key-1", domain.JobStatusPending, time.Now())))

	err := m.Create(ctx, newJob("job-2", "key-1", domain.JobStatusPending, time.Now()))
	assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)
}

func TestMemory_GetLatestByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	base := time.Now()
	older := newJob("job-1", "key-1", domain.JobStatusFailed, base.Add(-time.Hour))
	require.NoError(t, m.Create(ctx, older))

	// A retry row replaces the old one but shares the key; simulate a history
	// by inserting directly with a different id.
	newer := newJob("job-2", "key-2", domain.JobStatusPending, base)
	require.NoError(t, m.Create(ctx, newer))

	got, err := m.GetLatestByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)

	_, err = m.GetLatestByIdempotencyKey(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestMemory_Claim(t *testing.T) {
	ctx := context.Background()

	t.Run("claims pending job", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Create(ctx, newJob("job-1", "key-1", domain.JobStatusPending, time.Now())))

		claimed, err := m.Claim(ctx, "job-1", "worker-a")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusRunning, claimed.Status)
		assert.Equal(t, "worker-a", claimed.WorkerInstanceID)
		require.NotNil(t, claimed.StartedAt)
		require.NotNil(t, claimed.LastHeartbeatAt)
	})

	t.Run("claims retrying job", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Create(ctx, newJob("job-1", "key-1", domain.JobStatusRetrying, time.Now())))

		_, err := m.Claim(ctx, "job-1", "worker-a")
		require.NoError(t, err)
	})

	t.Run("second claim loses", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Create(ctx, newJob("job-1", "key-1", domain.JobStatusPending, time.Now())))

		_, err := m.Claim(ctx, "job-1", "worker-a")
		require.NoError(t, err)

		_, err = m.Claim(ctx, "job-1", "worker-b")
		assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
	})

	t.Run("missing job", func(t *testing.T) {
		m := NewMemory()
		_, err := m.Claim(ctx, "missing", "worker-a")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestMemory_Mutate(t *testing.T) {
	ctx := context.Background()

	t.Run("applies and persists", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Create(ctx, newJob("job-1", "key-1", domain.JobStatusRunning, time.Now())))

		got, err := m.Mutate(ctx, "job-1", func(job *domain.Job) error {
			job.Status = domain.JobStatusCompleted
			job.CurrentStep = "done"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, got.Status)

		stored, err := m.GetByID(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, stored.Status)
		assert.Equal(t, "done", stored.CurrentStep)
	})

	t.Run("skip leaves row untouched", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Create(ctx, newJob("job-1", "key-1", domain.JobStatusCompleted, time.Now())))

		got, err := m.Mutate(ctx, "job-1", func(job *domain.Job) error {
			if job.Status.IsTerminal() {
				return ErrSkipMutation
			}
			job.Status = domain.JobStatusRunning
			return nil
		})
		assert.ErrorIs(t, err, ErrSkipMutation)
		assert.Equal(t, domain.JobStatusCompleted, got.Status)

		stored, err := m.GetByID(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	})

	t.Run("callback error discards partial changes", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Create(ctx, newJob("job-1", "key-1", domain.JobStatusRunning, time.Now())))

		_, err := m.Mutate(ctx, "job-1", func(job *domain.Job) error {
			job.Status = domain.JobStatusFailed
			return assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		stored, err := m.GetByID(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusRunning, stored.Status)
	})

	t.Run("missing job", func(t *testing.T) {
		m := NewMemory()
		_, err := m.Mutate(ctx, "missing", func(job *domain.Job) error { return nil })
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestMemory_ReplaceForRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("swaps rows atomically", func(t *testing.T) {
		m := NewMemory()
		old := newJob("job-1", "key-1", domain.JobStatusFailed, time.Now().Add(-time.Hour))
		require.NoError(t, m.Create(ctx, old))

		retry := newJob("job-2", "key-1", domain.JobStatusRetrying, time.Now())
		retry.RetryCount = 1
		require.NoError(t, m.ReplaceForRetry(ctx, "job-1", retry))

		_, err := m.GetByID(ctx, "job-1")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)

		got, err := m.GetByID(ctx, "job-2")
		require.NoError(t, err)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "key-1", got.IdempotencyKey)
	})

	t.Run("rolls back delete when insert conflicts", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Create(ctx, newJob("job-1", "key-1", domain.JobStatusFailed, time.Now())))
		require.NoError(t, m.Create(ctx, newJob("job-other", "key-other", domain.JobStatusPending, time.Now())))

		// Replacement collides with an unrelated row's key.
		retry := newJob("job-2", "key-other", domain.JobStatusRetrying, time.Now())
		err := m.ReplaceForRetry(ctx, "job-1", retry)
		assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)

		// The old row must still exist.
		got, err := m.GetByID(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, got.Status)
	})

	t.Run("missing old row", func(t *testing.T) {
		m := NewMemory()
		err := m.ReplaceForRetry(ctx, "missing", newJob("job-2", "key-1", domain.JobStatusRetrying, time.Now()))
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestMemory_List(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	base := time.Now()
	j1 := newJob("job-1", "key-1", domain.JobStatusPending, base.Add(-3*time.Minute))
	j2 := newJob("job-2", "key-2", domain.JobStatusRunning, base.Add(-2*time.Minute))
	j3 := newJob("job-3", "key-3", domain.JobStatusRetrying, base.Add(-time.Minute))
	j3.JobType = domain.JobTypeGeneration
	j3.EntityID = "req-1"
	require.NoError(t, m.Create(ctx, j1))
	require.NoError(t, m.Create(ctx, j2))
	require.NoError(t, m.Create(ctx, j3))

	t.Run("filters by status", func(t *testing.T) {
		got, err := m.List(ctx, Filter{
			Statuses: []domain.JobStatus{domain.JobStatusPending, domain.JobStatusRetrying},
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
	})

	t.Run("oldest first ordering", func(t *testing.T) {
		got, err := m.List(ctx, Filter{OldestFirst: true})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "job-1", got[0].ID)
		assert.Equal(t, "job-3", got[2].ID)
	})

	t.Run("newest first by default", func(t *testing.T) {
		got, err := m.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "job-3", got[0].ID)
	})

	t.Run("limit truncates", func(t *testing.T) {
		got, err := m.List(ctx, Filter{OldestFirst: true, Limit: 2})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "job-1", got[0].ID)
		assert.Equal(t, "job-2", got[1].ID)
	})

	t.Run("filters by job type and entity", func(t *testing.T) {
		got, err := m.List(ctx, Filter{JobType: domain.JobTypeGeneration, EntityID: "req-1"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "job-3", got[0].ID)
	})
}

func TestMemory_CountByStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	base := time.Now()
	require.NoError(t, m.Create(ctx, newJob("job-1", "key-1", domain.JobStatusPending, base)))
	require.NoError(t, m.Create(ctx, newJob("job-2", "key-2", domain.JobStatusRetrying, base)))
	require.NoError(t, m.Create(ctx, newJob("job-3", "key-3", domain.JobStatusRunning, base)))
	require.NoError(t, m.Create(ctx, newJob("job-4", "key-4", domain.JobStatusCompleted, base)))

	other := newJob("job-5", "key-5", domain.JobStatusPending, base)
	other.JobType = domain.JobTypeTraining
	require.NoError(t, m.Create(ctx, other))

	counts, err := m.CountByStatus(ctx, domain.JobTypeAnalysis)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 1, counts.Retrying)
	assert.Equal(t, 1, counts.Running)
	assert.Equal(t, 2, counts.QueueDepth())
}

func TestMemory_CloneIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	job := newJob("job-1", "key-1", domain.JobStatusPending, time.Now())
	job.Metadata = map[string]any{"blob_uri": "u"}
	require.NoError(t, m.Create(ctx, job))

	got, err := m.GetByID(ctx, "job-1")
	require.NoError(t, err)
	got.Metadata["blob_uri"] = "mutated"
	got.Status = domain.JobStatusFailed

	again, err := m.GetByID(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "u", again.Metadata["blob_uri"])
	assert.Equal(t, domain.JobStatusPending, again.Status)
}

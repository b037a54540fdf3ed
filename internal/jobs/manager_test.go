package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
	"github.com/stemforge/orchestrator/internal/jobs/store"
	"github.com/stemforge/orchestrator/internal/notify"
	"github.com/stemforge/orchestrator/shared/logger"
)

// testClock is a manually advanced clock for lifecycle tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, cfg ManagerConfig) (*Manager, *store.Memory, *testClock) {
	t.Helper()
	mem := store.NewMemory()
	clock := newTestClock()
	mem.Now = clock.Now
	m := NewManager(mem, nil, logger.NewDefault().Logger, cfg)
	m.now = clock.Now
	return m, mem, clock
}

func TestManager_CreateOrGetJob_New(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", map[string]any{"blob_uri": "u"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.Equal(t, 2, job.MaxRetries)
	assert.NotEmpty(t, job.IdempotencyKey)
}

func TestManager_CreateOrGetJob_Duplicate(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	first, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", map[string]any{"blob_uri": "u"})
	require.NoError(t, err)

	second, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", map[string]any{"blob_uri": "u"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestManager_CreateOrGetJob_TimestampMetadataConverges(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	first, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", map[string]any{
		"blob_uri":     "u",
		"requested_at": "2025-06-01T10:00:00Z",
	})
	require.NoError(t, err)

	second, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", map[string]any{
		"blob_uri":     "u",
		"requested_at": "2025-06-01T10:05:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestManager_CreateOrGetJob_Completed(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, job.ID, nil, false))

	again, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, domain.JobStatusCompleted, again.Status)
}

func TestManager_CreateOrGetJob_RunningFresh(t *testing.T) {
	m, _, clock := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)

	claimed, err := m.StartProcessing(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	require.True(t, claimed)

	clock.Advance(5 * time.Minute)

	again, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, domain.JobStatusRunning, again.Status)
}

func TestManager_CreateOrGetJob_RunningStale(t *testing.T) {
	m, mem, clock := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)

	claimed, err := m.StartProcessing(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	require.True(t, claimed)

	// Heartbeat stops; past the inline threshold the duplicate request
	// retires the runner and queues a retry.
	clock.Advance(16 * time.Minute)

	retry, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, retry.ID)
	assert.Equal(t, domain.JobStatusRetrying, retry.Status)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, job.IdempotencyKey, retry.IdempotencyKey)

	// The stale row is gone; the retry row replaced it.
	_, err = mem.GetByID(ctx, job.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestManager_CreateOrGetJob_RunningStaleRetriesExhausted(t *testing.T) {
	m, mem, clock := newTestManager(t, ManagerConfig{
		MaxRetries: map[domain.JobType]int{domain.JobTypeAnalysis: 0},
	})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	claimed, err := m.StartProcessing(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	require.True(t, claimed)

	clock.Advance(16 * time.Minute)

	// The runner is retired, but with no retry budget the staled row is
	// returned instead of an error.
	got, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, domain.JobStatusStale, got.Status)

	stored, err := mem.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusStale, stored.Status)
}

func TestManager_CreateOrGetJob_FailedWithBudget(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, job.ID, "worker exploded", nil))

	retry, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, retry.ID)
	assert.Equal(t, domain.JobStatusRetrying, retry.Status)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Empty(t, retry.ErrorMessage)
	assert.Empty(t, retry.WorkerInstanceID)
}

func TestManager_CreateOrGetJob_RetriesExhausted(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{
		MaxRetries: map[domain.JobType]int{domain.JobTypeAnalysis: 1},
	})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, job.ID, "boom", nil))

	retry, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, retry.RetryCount)
	require.NoError(t, m.Fail(ctx, retry.ID, "boom again", nil))

	// Budget spent: the failed row is returned as-is, no new rows.
	final, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	assert.Equal(t, retry.ID, final.ID)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
}

func TestManager_CreateOrGetJob_RetryCarriesCheckpoints(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)

	_, err = m.StartProcessing(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	require.NoError(t, m.UpdateWithHeartbeat(ctx, job.ID, HeartbeatUpdate{
		Checkpoints: map[string]any{"stems_done": 3},
	}))
	require.NoError(t, m.Fail(ctx, job.ID, "crashed mid-separation", nil))

	retry, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, retry.Checkpoints["stems_done"])
}

func TestManager_StartProcessing_DoubleDispatch(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)

	first, err := m.StartProcessing(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	assert.True(t, first)

	second, err := m.StartProcessing(ctx, job.ID, "worker-b")
	require.NoError(t, err)
	assert.False(t, second)

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-a", got.WorkerInstanceID)
}

func TestManager_StartProcessing_MissingJob(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})

	claimed, err := m.StartProcessing(context.Background(), "missing", "worker-a")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestManager_UpdateWithHeartbeat(t *testing.T) {
	m, _, clock := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	_, err = m.StartProcessing(ctx, job.ID, "worker-a")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, m.UpdateWithHeartbeat(ctx, job.ID, HeartbeatUpdate{
		CurrentStep: "separating stems",
		Checkpoints: map[string]any{"progress": 40},
	}))

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "separating stems", got.CurrentStep)
	assert.Equal(t, 40, got.Checkpoints["progress"])
	require.NotNil(t, got.LastHeartbeatAt)
	assert.Equal(t, clock.Now(), *got.LastHeartbeatAt)

	t.Run("missing job is a no-op", func(t *testing.T) {
		assert.NoError(t, m.UpdateWithHeartbeat(ctx, "missing", HeartbeatUpdate{}))
	})
}

// interleaveStore injects a competing transition between a caller deciding to
// mutate a job and the mutation reaching the row.
type interleaveStore struct {
	*store.Memory
	before func()
}

func (s *interleaveStore) Mutate(ctx context.Context, id string, fn func(job *domain.Job) error) (*domain.Job, error) {
	if s.before != nil {
		before := s.before
		s.before = nil
		before()
	}
	return s.Memory.Mutate(ctx, id, fn)
}

func TestManager_HeartbeatRacingCompletionKeepsTerminalRow(t *testing.T) {
	mem := store.NewMemory()
	clock := newTestClock()
	mem.Now = clock.Now
	wrapped := &interleaveStore{Memory: mem}
	m := NewManager(wrapped, nil, logger.NewDefault().Logger, ManagerConfig{})
	m.now = clock.Now
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	claimed, err := m.StartProcessing(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	require.True(t, claimed)

	// The worker's completion callback lands between the dispatcher deciding
	// to heartbeat and the heartbeat reaching the row.
	wrapped.before = func() {
		require.NoError(t, m.Complete(ctx, job.ID, map[string]any{"jams_url": "https://blobs/x.jams"}, false))
	}

	require.NoError(t, m.UpdateWithHeartbeat(ctx, job.ID, HeartbeatUpdate{
		Status:      domain.JobStatusRunning,
		CurrentStep: "awaiting worker callback",
	}))

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "https://blobs/x.jams", got.Metadata["jams_url"])
	assert.NotEqual(t, "awaiting worker callback", got.CurrentStep)
}

func TestManager_LateFailureCannotOverwriteCompletion(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	_, err = m.StartProcessing(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, job.ID, map[string]any{"jams_url": "https://blobs/x.jams"}, false))

	// A delayed failure callback for the same run is dropped.
	require.NoError(t, m.Fail(ctx, job.ID, "worker timed out", nil))

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "https://blobs/x.jams", got.Metadata["jams_url"])
}

func TestManager_Complete(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", map[string]any{"blob_uri": "u"})
	require.NoError(t, err)

	require.NoError(t, m.Complete(ctx, job.ID, map[string]any{"jams_url": "https://blobs/x.jams"}, false))

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "u", got.Metadata["blob_uri"])
	assert.Equal(t, "https://blobs/x.jams", got.Metadata["jams_url"])

	t.Run("missing job is a no-op", func(t *testing.T) {
		assert.NoError(t, m.Complete(ctx, "missing", nil, false))
	})
}

func TestManager_Complete_AutoDelete(t *testing.T) {
	m, mem, _ := newTestManager(t, ManagerConfig{CompletedGrace: 20 * time.Millisecond})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, job.ID, nil, true))

	// Still readable inside the grace window.
	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)

	assert.Eventually(t, func() bool {
		_, err := mem.GetByID(ctx, job.ID)
		return err != nil
	}, time.Second, 5*time.Millisecond)
}

func TestManager_Fail(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, job.ID, "worker returned 500", nil))

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	assert.Equal(t, "worker returned 500", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)
}

func TestManager_Cancel(t *testing.T) {
	m, _, _ := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	t.Run("cancels pending job", func(t *testing.T) {
		job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
		require.NoError(t, err)
		require.NoError(t, m.Cancel(ctx, job.ID))

		got, err := m.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, got.Status)
	})

	t.Run("terminal job is not cancellable", func(t *testing.T) {
		job, err := m.CreateOrGetJob(ctx, domain.JobTypeGeneration, "req-1", nil)
		require.NoError(t, err)
		require.NoError(t, m.Complete(ctx, job.ID, nil, false))

		err = m.Cancel(ctx, job.ID)
		assert.ErrorIs(t, err, domain.ErrNotCancellable)
	})

	t.Run("missing job", func(t *testing.T) {
		err := m.Cancel(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestManager_CleanupStaleJobs(t *testing.T) {
	m, _, clock := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	oldJob, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-old", nil)
	require.NoError(t, err)
	_, err = m.StartProcessing(ctx, oldJob.ID, "worker-a")
	require.NoError(t, err)

	clock.Advance(25 * time.Minute)

	freshJob, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-fresh", nil)
	require.NoError(t, err)
	_, err = m.StartProcessing(ctx, freshJob.ID, "worker-a")
	require.NoError(t, err)

	// Old runner is 31m past its heartbeat, fresh one only 6m.
	clock.Advance(6 * time.Minute)

	swept, err := m.CleanupStaleJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := m.GetJob(ctx, oldJob.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusStale, got.Status)

	got, err = m.GetJob(ctx, freshJob.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, got.Status)
}

func TestManager_StaleJobRetriesOnResubmission(t *testing.T) {
	m, _, clock := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	_, err = m.StartProcessing(ctx, job.ID, "worker-a")
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	swept, err := m.CleanupStaleJobs(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	retry, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRetrying, retry.Status)
	assert.Equal(t, 1, retry.RetryCount)
}

func TestManager_CleanupOldJobs(t *testing.T) {
	m, _, clock := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	failed, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, failed.ID, "boom", nil))

	clock.Advance(48 * time.Hour)

	recent, err := m.CreateOrGetJob(ctx, domain.JobTypeGeneration, "req-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, recent.ID))

	deleted, err := m.CleanupOldJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = m.GetJob(ctx, failed.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	_, err = m.GetJob(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestManager_EmitsProgressEvents(t *testing.T) {
	mem := store.NewMemory()
	hub := notify.NewHub(logger.NewDefault().Logger)
	m := NewManager(mem, hub, logger.NewDefault().Logger, ManagerConfig{})
	ctx := context.Background()

	events, cancel := hub.Subscribe()
	defer cancel()

	job, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	_, err = m.StartProcessing(ctx, job.ID, "worker-a")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, job.ID, nil, false))

	var got []notify.Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatalf("expected 2 events, got %d", len(got))
		}
	}
	assert.Equal(t, domain.JobStatusRunning, got[0].Status)
	assert.Equal(t, domain.JobStatusCompleted, got[1].Status)
	assert.Equal(t, float64(100), got[1].ProgressPercentage)
}

func TestManager_FindLatestByEntity(t *testing.T) {
	m, _, clock := newTestManager(t, ManagerConfig{})
	ctx := context.Background()

	first, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)
	require.NoError(t, m.Fail(ctx, first.ID, "boom", nil))

	clock.Advance(time.Minute)
	retry, err := m.CreateOrGetJob(ctx, domain.JobTypeAnalysis, "audio-1", nil)
	require.NoError(t, err)

	got, err := m.FindLatestByEntity(ctx, domain.JobTypeAnalysis, "audio-1")
	require.NoError(t, err)
	assert.Equal(t, retry.ID, got.ID)

	_, err = m.FindLatestByEntity(ctx, domain.JobTypeTraining, "audio-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

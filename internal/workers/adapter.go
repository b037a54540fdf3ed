// Package workers contains the adapters that hand jobs to external worker
// processes: HTTP submissions for analysis and generation, a queue publish for
// training. Completion is asynchronous; workers call back into the host API.
package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
)

// Adapter submits a claimed job to its worker. The returned status code is the
// worker's HTTP response (or http.StatusAccepted for queue-based workers) and
// is recorded as a checkpoint on the job.
type Adapter interface {
	Submit(ctx context.Context, job *domain.Job) (int, error)
}

// Registry maps job types to adapters.
type Registry struct {
	byType map[domain.JobType]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[domain.JobType]Adapter)}
}

// Register binds an adapter to a job type, replacing any previous binding.
func (r *Registry) Register(jobType domain.JobType, adapter Adapter) {
	r.byType[jobType] = adapter
}

// ForType resolves the adapter for a job type. An unregistered type is a
// configuration error, not a transient fault.
func (r *Registry) ForType(jobType domain.JobType) (Adapter, error) {
	adapter, ok := r.byType[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownJobType, jobType)
	}
	return adapter, nil
}

// maxErrorBody caps how much of a worker error response gets copied into the
// job's error message.
const maxErrorBody = 512

// postJSON issues the submission POST shared by the HTTP adapters.
func postJSON(ctx context.Context, client *http.Client, url string, payload any) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal worker request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("worker submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, fmt.Errorf("worker rejected submission: status %d: %s", resp.StatusCode, snippet)
	}
	return resp.StatusCode, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// metaString pulls a string field out of job metadata.
func metaString(metadata map[string]any, key string) string {
	if v, ok := metadata[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

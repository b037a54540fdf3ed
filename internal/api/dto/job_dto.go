package dto

import "time"

// CreateJobRequest asks the orchestrator for work on a domain entity.
// Identical requests converge on one job via the idempotency key derived from
// job_type, entity_id and the non-time-related metadata entries.
type CreateJobRequest struct {
	JobType  string         `json:"job_type" binding:"required"`
	EntityID string         `json:"entity_id" binding:"required"`
	Metadata map[string]any `json:"metadata"`
}

// ListJobsRequest filters the job listing.
type ListJobsRequest struct {
	JobType  string `form:"job_type"`
	Status   string `form:"status"`
	EntityID string `form:"entity_id"`
	Limit    int    `form:"limit"`
}

// JobDTO is the wire shape of a job row.
type JobDTO struct {
	JobID            string         `json:"job_id"`
	JobType          string         `json:"job_type"`
	EntityID         string         `json:"entity_id"`
	Status           string         `json:"status"`
	IdempotencyKey   string         `json:"idempotency_key"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	CurrentStep      string         `json:"current_step,omitempty"`
	Checkpoints      map[string]any `json:"checkpoints,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	WorkerInstanceID string         `json:"worker_instance_id,omitempty"`
	CreatedAt        string         `json:"created_at"`
	StartedAt        string         `json:"started_at,omitempty"`
	CompletedAt      string         `json:"completed_at,omitempty"`
	LastHeartbeatAt  string         `json:"last_heartbeat_at,omitempty"`
}

// ListJobsResponse wraps a job listing.
type ListJobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

// AnalysisCallback is the outcome the analysis worker posts back after an
// analyze submission. Result fields land in the job's metadata.
type AnalysisCallback struct {
	AudioFileID           string         `json:"audio_file_id" binding:"required"`
	Status                string         `json:"status" binding:"required"`
	Error                 string         `json:"error"`
	ProcessingTimeSeconds float64        `json:"processing_time_seconds"`
	Analysis              map[string]any `json:"analysis"`
	Stems                 []any          `json:"stems"`
	JamsURL               string         `json:"jams_url"`
}

// GenerationCallback is the outcome the generation worker posts back.
type GenerationCallback struct {
	GenerationRequestID   string         `json:"generation_request_id" binding:"required"`
	Status                string         `json:"status" binding:"required"`
	Error                 string         `json:"error"`
	ProcessingTimeSeconds float64        `json:"processing_time_seconds"`
	Track                 map[string]any `json:"track"`
	Parameters            map[string]any `json:"parameters"`
}

// TrainingCallback is the outcome the training worker posts back. Training
// messages carry the job id, so the callback references it directly.
type TrainingCallback struct {
	JobID    string         `json:"job_id" binding:"required"`
	Status   string         `json:"status" binding:"required"`
	Error    string         `json:"error"`
	ModelURL string         `json:"model_url"`
	Metrics  map[string]any `json:"metrics"`
}

// CallbackStatusCompleted and CallbackStatusFailed are the status values
// workers send.
const (
	CallbackStatusCompleted = "completed"
	CallbackStatusFailed    = "failed"
)

// FormatTime renders an optional timestamp for the wire.
func FormatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

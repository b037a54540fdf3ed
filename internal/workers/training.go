package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
)

// Publisher is the queue publish operation the training adapter needs,
// satisfied by the shared rabbitmq client.
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// TrainingAdapter dispatches training jobs by publishing to the training-jobs
// queue; the training worker consumes messages instead of exposing an HTTP
// submit endpoint.
type TrainingAdapter struct {
	publisher       Publisher
	callbackBaseURL string
}

// NewTrainingAdapter creates the adapter over a queue publisher.
func NewTrainingAdapter(publisher Publisher, callbackBaseURL string) *TrainingAdapter {
	return &TrainingAdapter{publisher: publisher, callbackBaseURL: callbackBaseURL}
}

type trainingMessage struct {
	JobID         string `json:"job_id"`
	TrainingSetID string `json:"training_set_id"`
	ModelName     string `json:"model_name,omitempty"`
	CallbackURL   string `json:"callback_url"`
}

func (t *TrainingAdapter) Submit(ctx context.Context, job *domain.Job) (int, error) {
	msg := trainingMessage{
		JobID:         job.ID,
		TrainingSetID: job.EntityID,
		ModelName:     metaString(job.Metadata, "model_name"),
		CallbackURL:   t.callbackBaseURL + "/api/v1/callbacks/training",
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal training message: %w", err)
	}
	if err := t.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return 0, fmt.Errorf("failed to publish training job: %w", err)
	}
	return http.StatusAccepted, nil
}

package workers

import (
	"context"
	"net/http"
	"time"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
)

// GenerationConfig configures the generation worker adapter.
type GenerationConfig struct {
	BaseURL         string
	CallbackBaseURL string
	Timeout         time.Duration
}

// GenerationAdapter submits stem-generation jobs to the generation worker's
// /generate endpoint.
type GenerationAdapter struct {
	cfg    GenerationConfig
	client *http.Client
}

// NewGenerationAdapter creates the adapter.
func NewGenerationAdapter(cfg GenerationConfig) *GenerationAdapter {
	return &GenerationAdapter{cfg: cfg, client: newHTTPClient(cfg.Timeout)}
}

type generateRequest struct {
	GenerationRequestID string   `json:"generation_request_id"`
	Prompt              string   `json:"prompt,omitempty"`
	TargetStems         []string `json:"target_stems,omitempty"`
	CallbackURL         string   `json:"callback_url"`
}

func (g *GenerationAdapter) Submit(ctx context.Context, job *domain.Job) (int, error) {
	payload := generateRequest{
		GenerationRequestID: job.EntityID,
		Prompt:              metaString(job.Metadata, "prompt"),
		TargetStems:         metaStrings(job.Metadata, "target_stems"),
		CallbackURL:         g.cfg.CallbackBaseURL + "/api/v1/callbacks/generation",
	}
	return postJSON(ctx, g.client, g.cfg.BaseURL+"/generate", payload)
}

// metaStrings pulls a string slice out of job metadata, tolerating the
// []any shape JSON round-trips produce.
func metaStrings(metadata map[string]any, key string) []string {
	switch v := metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

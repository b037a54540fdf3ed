package workers

import (
	"context"
	"net/http"
	"time"

	"github.com/stemforge/orchestrator/internal/jobs/domain"
)

// AnalysisConfig configures the analysis worker adapter. The analysis worker
// also performs source separation, so the adapter serves both job types.
type AnalysisConfig struct {
	BaseURL         string
	CallbackBaseURL string
	Timeout         time.Duration
}

// AnalysisAdapter submits analysis and source-separation jobs to the analysis
// worker's /analyze endpoint.
type AnalysisAdapter struct {
	cfg    AnalysisConfig
	client *http.Client
}

// NewAnalysisAdapter creates the adapter.
func NewAnalysisAdapter(cfg AnalysisConfig) *AnalysisAdapter {
	return &AnalysisAdapter{cfg: cfg, client: newHTTPClient(cfg.Timeout)}
}

type analyzeRequest struct {
	AudioFileID string `json:"audio_file_id"`
	BlobURI     string `json:"blob_uri"`
	CallbackURL string `json:"callback_url"`
}

func (a *AnalysisAdapter) Submit(ctx context.Context, job *domain.Job) (int, error) {
	payload := analyzeRequest{
		AudioFileID: job.EntityID,
		BlobURI:     metaString(job.Metadata, "blob_uri"),
		CallbackURL: a.cfg.CallbackBaseURL + "/api/v1/callbacks/analysis",
	}
	return postJSON(ctx, a.client, a.cfg.BaseURL+"/analyze", payload)
}

package autoscaler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// PoolController adjusts the replica count of a named worker pool.
type PoolController interface {
	GetReplicas(ctx context.Context, pool string) (int, error)
	SetReplicas(ctx context.Context, pool string, replicas int) error
}

// HTTPControllerConfig configures the HTTP pool controller client.
type HTTPControllerConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPController talks to the worker-pool controller's REST surface:
// GET /pools/{pool} reads replicas, PUT /pools/{pool} sets them.
type HTTPController struct {
	cfg    HTTPControllerConfig
	client *http.Client
	logger *slog.Logger
}

// NewHTTPController creates the controller client.
func NewHTTPController(cfg HTTPControllerConfig, logger *slog.Logger) *HTTPController {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPController{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type poolState struct {
	Replicas int `json:"replicas"`
}

func (c *HTTPController) GetReplicas(ctx context.Context, pool string) (int, error) {
	url := fmt.Sprintf("%s/pools/%s", c.cfg.BaseURL, pool)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build pool request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("pool controller unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, fmt.Errorf("pool controller returned status %d: %s", resp.StatusCode, body)
	}

	var state poolState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return 0, fmt.Errorf("failed to decode pool state: %w", err)
	}
	return state.Replicas, nil
}

func (c *HTTPController) SetReplicas(ctx context.Context, pool string, replicas int) error {
	body, err := json.Marshal(poolState{Replicas: replicas})
	if err != nil {
		return fmt.Errorf("failed to marshal pool state: %w", err)
	}

	url := fmt.Sprintf("%s/pools/%s", c.cfg.BaseURL, pool)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build pool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pool controller unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("pool controller returned status %d: %s", resp.StatusCode, respBody)
	}

	c.logger.Info("Worker pool scaled",
		slog.String("pool", pool),
		slog.Int("replicas", replicas),
	)
	return nil
}

package handler

import (
	"log/slog"

	"github.com/stemforge/orchestrator/internal/jobs"
)

// Dependencies holds everything the handlers need.
type Dependencies struct {
	Logger  *slog.Logger
	Manager *jobs.Manager
}

// JobHandler serves the job endpoints and the worker callbacks.
type JobHandler struct {
	logger  *slog.Logger
	manager *jobs.Manager
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		manager: deps.Manager,
	}
}

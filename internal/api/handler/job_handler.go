package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stemforge/orchestrator/internal/api/dto"
	"github.com/stemforge/orchestrator/internal/jobs/domain"
	"github.com/stemforge/orchestrator/internal/jobs/store"
)

// CreateJob handles POST /api/v1/jobs. Duplicate requests for the same work
// return the existing job rather than creating a second one.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid create job request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	jobType := domain.JobType(req.JobType)
	switch jobType {
	case domain.JobTypeAnalysis, domain.JobTypeSourceSeparation, domain.JobTypeGeneration, domain.JobTypeTraining:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown job_type"})
		return
	}

	job, err := h.manager.CreateOrGetJob(c.Request.Context(), jobType, req.EntityID, req.Metadata)
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	c.JSON(http.StatusOK, toDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.manager.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	c.JSON(http.StatusOK, toDTO(job))
}

// ListJobs handles GET /api/v1/jobs.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	if req.Limit <= 0 {
		req.Limit = 20
	}
	if req.Limit > 100 {
		req.Limit = 100
	}

	filter := store.Filter{
		JobType:  domain.JobType(req.JobType),
		EntityID: req.EntityID,
		Limit:    req.Limit,
	}
	if req.Status != "" {
		filter.Statuses = []domain.JobStatus{domain.JobStatus(req.Status)}
	}

	list, err := h.manager.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(list))}
	for i, job := range list {
		resp.Jobs[i] = toDTO(job)
	}
	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	err := h.manager.Cancel(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, domain.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": "Job is not in a cancellable state"})
	case err != nil:
		h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel job"})
	default:
		c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": string(domain.JobStatusCancelled)})
	}
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if err := h.manager.DeleteJob(c.Request.Context(), jobID); err != nil {
		h.logger.Error("Failed to delete job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete job"})
		return
	}
	c.Status(http.StatusNoContent)
}

func toDTO(job *domain.Job) dto.JobDTO {
	return dto.JobDTO{
		JobID:            job.ID,
		JobType:          string(job.JobType),
		EntityID:         job.EntityID,
		Status:           string(job.Status),
		IdempotencyKey:   job.IdempotencyKey,
		RetryCount:       job.RetryCount,
		MaxRetries:       job.MaxRetries,
		CurrentStep:      job.CurrentStep,
		Checkpoints:      job.Checkpoints,
		Metadata:         job.Metadata,
		ErrorMessage:     job.ErrorMessage,
		WorkerInstanceID: job.WorkerInstanceID,
		CreatedAt:        job.CreatedAt.Format(time.RFC3339),
		StartedAt:        dto.FormatTime(job.StartedAt),
		CompletedAt:      dto.FormatTime(job.CompletedAt),
		LastHeartbeatAt:  dto.FormatTime(job.LastHeartbeatAt),
	}
}

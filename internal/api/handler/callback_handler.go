package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemforge/orchestrator/internal/api/dto"
	"github.com/stemforge/orchestrator/internal/jobs/domain"
)

// AnalysisCallback handles POST /api/v1/callbacks/analysis. The worker keys
// the callback by audio_file_id, so the job is resolved through the latest
// analysis or source-separation job for that entity.
func (h *JobHandler) AnalysisCallback(c *gin.Context) {
	var cb dto.AnalysisCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		h.logger.Error("Invalid analysis callback", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid callback body"})
		return
	}

	job, err := h.findAnalysisJob(c.Request.Context(), cb.AudioFileID)
	if errors.Is(err, domain.ErrJobNotFound) {
		h.logger.Warn("Analysis callback for unknown audio file",
			slog.String("audio_file_id", cb.AudioFileID),
		)
		c.JSON(http.StatusNotFound, gin.H{"error": "No job for audio file"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to resolve analysis callback job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve job"})
		return
	}

	switch cb.Status {
	case dto.CallbackStatusCompleted:
		patch := map[string]any{
			"processing_time_seconds": cb.ProcessingTimeSeconds,
		}
		if cb.Analysis != nil {
			patch["analysis"] = cb.Analysis
		}
		if cb.Stems != nil {
			patch["stems"] = cb.Stems
		}
		if cb.JamsURL != "" {
			patch["jams_url"] = cb.JamsURL
		}
		err = h.manager.Complete(c.Request.Context(), job.ID, patch, true)
	case dto.CallbackStatusFailed:
		err = h.manager.Fail(c.Request.Context(), job.ID, cb.Error, nil)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown callback status"})
		return
	}

	if err != nil {
		h.logger.Error("Failed to apply analysis callback",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply callback"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID})
}

// findAnalysisJob tries the analysis job first, then source separation; both
// worker flows key their callbacks by audio_file_id.
func (h *JobHandler) findAnalysisJob(ctx context.Context, audioFileID string) (*domain.Job, error) {
	job, err := h.manager.FindLatestByEntity(ctx, domain.JobTypeAnalysis, audioFileID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return h.manager.FindLatestByEntity(ctx, domain.JobTypeSourceSeparation, audioFileID)
	}
	return job, err
}

// GenerationCallback handles POST /api/v1/callbacks/generation, keyed by
// generation_request_id.
func (h *JobHandler) GenerationCallback(c *gin.Context) {
	var cb dto.GenerationCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		h.logger.Error("Invalid generation callback", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid callback body"})
		return
	}

	job, err := h.manager.FindLatestByEntity(c.Request.Context(), domain.JobTypeGeneration, cb.GenerationRequestID)
	if errors.Is(err, domain.ErrJobNotFound) {
		h.logger.Warn("Generation callback for unknown request",
			slog.String("generation_request_id", cb.GenerationRequestID),
		)
		c.JSON(http.StatusNotFound, gin.H{"error": "No job for generation request"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to resolve generation callback job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve job"})
		return
	}

	switch cb.Status {
	case dto.CallbackStatusCompleted:
		patch := map[string]any{
			"processing_time_seconds": cb.ProcessingTimeSeconds,
		}
		if cb.Track != nil {
			patch["track"] = cb.Track
		}
		if cb.Parameters != nil {
			patch["parameters"] = cb.Parameters
		}
		err = h.manager.Complete(c.Request.Context(), job.ID, patch, true)
	case dto.CallbackStatusFailed:
		err = h.manager.Fail(c.Request.Context(), job.ID, cb.Error, nil)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown callback status"})
		return
	}

	if err != nil {
		h.logger.Error("Failed to apply generation callback",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply callback"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID})
}

// TrainingCallback handles POST /api/v1/callbacks/training. Training queue
// messages carry the job id, so the callback addresses the job directly.
func (h *JobHandler) TrainingCallback(c *gin.Context) {
	var cb dto.TrainingCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		h.logger.Error("Invalid training callback", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid callback body"})
		return
	}

	var err error
	switch cb.Status {
	case dto.CallbackStatusCompleted:
		patch := map[string]any{}
		if cb.ModelURL != "" {
			patch["model_url"] = cb.ModelURL
		}
		if cb.Metrics != nil {
			patch["metrics"] = cb.Metrics
		}
		err = h.manager.Complete(c.Request.Context(), cb.JobID, patch, false)
	case dto.CallbackStatusFailed:
		err = h.manager.Fail(c.Request.Context(), cb.JobID, cb.Error, nil)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown callback status"})
		return
	}

	if err != nil {
		h.logger.Error("Failed to apply training callback",
			slog.String("job_id", cb.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply callback"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": cb.JobID})
}

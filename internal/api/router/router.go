package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stemforge/orchestrator/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "orchestrator",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Create a job (idempotent)
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

			// DELETE /api/v1/jobs/:job_id - Delete a job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}

		callbacks := v1.Group("/callbacks")
		{
			// POST /api/v1/callbacks/analysis - Analysis worker outcome
			callbacks.POST("/analysis", jobHandler.AnalysisCallback)

			// POST /api/v1/callbacks/generation - Generation worker outcome
			callbacks.POST("/generation", jobHandler.GenerationCallback)

			// POST /api/v1/callbacks/training - Training worker outcome
			callbacks.POST("/training", jobHandler.TrainingCallback)
		}
	}

	return r
}

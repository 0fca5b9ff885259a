package router

import (
	"github.com/gin-gonic/gin"
	"github.com/renderlab/renderq/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// Operational endpoints
	r.GET("/health", jobHandler.GetHealth)
	r.GET("/metrics", jobHandler.GetMetrics)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a new render job
			jobs.POST("", jobHandler.SubmitJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/wait - Block until the job settles
			jobs.GET("/:job_id/wait", jobHandler.WaitJob)
		}

		// GET /api/v1/dlq - Jobs that exhausted their retry budget
		v1.GET("/dlq", jobHandler.ListDeadLetters)
	}

	return r
}

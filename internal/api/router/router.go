package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/inthavong/doctrans-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", healthHandler(deps))

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Submit a new translation job
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// POST /api/v1/jobs/status - Worker status reporting endpoint
			jobs.POST("/status", jobHandler.ReportStatus)

			// GET /api/v1/jobs/stream - WebSocket stream of status changes
			if deps.Hub != nil {
				jobs.GET("/stream", deps.Hub.Stream)
			}

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/timeline - Get job event history
			jobs.GET("/:job_id/timeline", jobHandler.GetTimeline)

			// GET /api/v1/jobs/:job_id/result - Get final result once terminal
			jobs.GET("/:job_id/result", jobHandler.GetResult)

			// GET /api/v1/jobs/:job_id/artifacts/:name - Serve one artifact
			jobs.GET("/:job_id/artifacts/:name", jobHandler.GetArtifact)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}
	}

	return r
}

// healthHandler reports liveness plus the reachability of the job store and
// the queue broker.
func healthHandler(deps *handler.Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		healthy := true

		if err := deps.Store.Ping(c.Request.Context()); err != nil {
			checks["store"] = err.Error()
			healthy = false
		} else {
			checks["store"] = "ok"
		}

		if err := deps.Broker.Ping(c.Request.Context()); err != nil {
			checks["broker"] = err.Error()
			healthy = false
		} else {
			checks["broker"] = "ok"
		}

		status := http.StatusOK
		label := "healthy"
		if !healthy {
			status = http.StatusServiceUnavailable
			label = "degraded"
		}

		c.JSON(status, gin.H{
			"status":       label,
			"service":      "doctrans-api-service",
			"dependencies": checks,
		})
	}
}

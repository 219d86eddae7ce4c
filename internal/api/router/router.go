package router

import (
	"github.com/cuongbtq/formrelay/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// Options tunes the router
type Options struct {
	MaxBodyBytes int64
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	jobHandler := handler.NewJobHandler(deps)

	r.GET("/health", jobHandler.Health)

	knownOrigin := func(origin string) bool {
		_, err := deps.Pipeline.Policy(origin)
		return err == nil
	}

	v1 := r.Group("/api/v1")
	{
		origin := v1.Group("/:origin", OriginMiddleware(knownOrigin))
		{
			// POST /api/v1/:origin/submissions - Accept a raw form or CRM submission
			origin.POST("/submissions", BodyLimitMiddleware(opts.MaxBodyBytes), jobHandler.Submit)

			// POST /api/v1/:origin/dispatch - Run one batch of new jobs
			origin.POST("/dispatch", jobHandler.Dispatch)

			// POST /api/v1/:origin/retry - Run one batch of failed jobs below the retry limit
			origin.POST("/retry", jobHandler.Retry)

			// Replay by external id, single or batch
			origin.GET("/replay/:external_id", jobHandler.Replay)
			origin.POST("/replay/:external_id", jobHandler.Replay)
			origin.POST("/replay", jobHandler.ReplayBatch)

			// POST /api/v1/:origin/reset - Force a status on selected jobs
			origin.POST("/reset", jobHandler.Reset)

			origin.GET("/jobs", jobHandler.ListJobs)
			origin.GET("/jobs/external/:external_id", jobHandler.GetByExternalID)
			origin.GET("/failed", jobHandler.ListFailed)
			origin.GET("/stats", jobHandler.Stats)
		}
	}

	return r
}

package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mozilla/redash/internal/api/handler"
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
			"service": "query-api-service",
		})
	})

	queryHandler := handler.NewQueryHandler(deps)
	schemaHandler := handler.NewSchemaHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		qs := v1.Group("/queries")
		{
			// POST /api/v1/queries/execute - Dispatch a query execution
			qs.POST("/execute", queryHandler.ExecuteQuery)
		}

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs/:job_id - Get job status
			jobs.GET("/:job_id", queryHandler.GetJob)

			// POST /api/v1/jobs/:job_id/cancel - Cancel a job
			jobs.POST("/:job_id/cancel", queryHandler.CancelJob)

			// DELETE /api/v1/jobs/:job_id - Cancel a job
			jobs.DELETE("/:job_id", queryHandler.CancelJob)
		}

		results := v1.Group("/query_results")
		{
			// GET /api/v1/query_results/:result_id - Fetch a stored result
			results.GET("/:result_id", queryHandler.GetQueryResult)
		}

		sources := v1.Group("/data_sources")
		{
			// GET /api/v1/data_sources - List data sources
			sources.GET("", schemaHandler.ListDataSources)

			// GET /api/v1/data_sources/:data_source_id/schema - Cached schema
			sources.GET("/:data_source_id/schema", schemaHandler.GetSchema)

			// POST /api/v1/data_sources/:data_source_id/schema/refresh - Force refresh
			sources.POST("/:data_source_id/schema/refresh", schemaHandler.RefreshSchema)

			// POST /api/v1/data_sources/:data_source_id/test - Connection test
			sources.POST("/:data_source_id/test", schemaHandler.TestConnection)
		}
	}

	return r
}

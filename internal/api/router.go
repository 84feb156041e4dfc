package api

import (
	"github.com/gin-gonic/gin"

	"github.com/firmforge/firmforge/internal/artifact"
	"github.com/firmforge/firmforge/internal/common/logger"
	"github.com/firmforge/firmforge/internal/events/bus"
	"github.com/firmforge/firmforge/internal/orchestrator"
	"github.com/firmforge/firmforge/internal/retrieval"
)

// generateRateLimit bounds run submissions per second; reads are not limited.
const generateRateLimit = 20

// SetupRoutes configures the generation API routes
func SetupRoutes(router *gin.Engine, orch *orchestrator.Orchestrator, store *artifact.Store,
	docs *retrieval.Engine, eventBus bus.EventBus, log *logger.Logger) {
	handler := NewHandler(orch, store, docs, eventBus, log)

	router.Use(Recovery(log), RequestLogger(log), ErrorHandler(log), CORS())

	router.GET("/health", handler.Health)

	api := router.Group("/api")
	{
		api.POST("/generate", RateLimit(generateRateLimit), handler.Generate)

		// Run routes
		runs := api.Group("/runs")
		{
			runs.GET("", handler.ListRuns)
			runs.GET("/:runId", handler.GetRun)
			runs.POST("/:runId/cancel", handler.CancelRun)
			runs.GET("/:runId/logs", handler.GetRunLogs)
			runs.GET("/:runId/events", handler.StreamRunEvents)
		}

		// Artifact routes
		api.GET("/artifacts", handler.ListArtifacts)
		api.GET("/output/:runId/*path", handler.GetOutput)

		// Documentation routes
		api.GET("/templates", handler.Templates)
		api.GET("/docs/rag", handler.RagDocs)
	}
}

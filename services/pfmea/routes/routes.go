package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/stephenhungg/pfmea-agent/services/llm"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/handlers"
	"github.com/stephenhungg/pfmea-agent/services/pfmea/store"
)

// SetupRoutes registers every HTTP and websocket route on the router.
func SetupRoutes(router *gin.Engine, db *store.Store, client llm.Client,
	runner *handlers.Runner, hub *handlers.ProgressHub) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/health/model", handlers.ModelHealth(client))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		analyses := v1.Group("/analyses")
		{
			analyses.POST("", handlers.UploadWorkInstruction(db))
			analyses.GET("", handlers.ListAnalyses(db))
			analyses.GET("/:id", handlers.GetAnalysis(db))
			analyses.DELETE("/:id", handlers.DeleteAnalysis(db))
			analyses.POST("/:id/start", handlers.StartAnalysis(runner))
			analyses.GET("/:id/status", handlers.GetAnalysisStatus(db))
			analyses.GET("/:id/results", handlers.GetResults(db))
			analyses.GET("/:id/export", handlers.ExportResultsCSV(db))
			analyses.GET("/:id/ws", handlers.HandleProgressWebSocket(hub))
		}
	}
}

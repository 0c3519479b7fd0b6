package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kokino/kokino/internal/agent/registry"
	"github.com/kokino/kokino/internal/agent/repository"
	"github.com/kokino/kokino/internal/bootstrap"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/compaction"
)

// SetupRoutes configures the agent API routes.
// router should be the /api/v1 group.
func SetupRoutes(
	router *gin.RouterGroup,
	reg *registry.Registry,
	configs repository.Repository,
	orch *bootstrap.Orchestrator,
	monitor *compaction.Monitor,
	log *logger.Logger,
) {
	handler := NewHandler(reg, configs, orch, monitor, log)

	agents := router.Group("/agents")
	{
		agents.POST("", handler.RegisterAgent)
		agents.GET("", handler.ListAgents)
		agents.GET("/:agentId", handler.GetAgent)
		agents.DELETE("/:agentId", handler.DeleteAgent)
		agents.POST("/:agentId/heartbeat", handler.Heartbeat)
		agents.PUT("/:agentId/status", handler.UpdateStatus)

		agents.POST("/:agentId/bootstrap", handler.TriggerBootstrap)
		agents.GET("/:agentId/bootstrap/history", handler.BootstrapHistory)

		agents.POST("/:agentId/compaction/track", handler.TrackTurn)
		agents.GET("/:agentId/compaction", handler.CompactionStatus)
		agents.POST("/:agentId/compaction/reset", handler.ResetCompaction)
		agents.GET("/:agentId/compaction/history", handler.CompactionHistory)
	}

	configsGroup := router.Group("/agent-configs")
	{
		configsGroup.POST("", handler.CreateConfig)
		configsGroup.GET("", handler.ListConfigs)
		configsGroup.GET("/:configId", handler.GetConfig)
		configsGroup.DELETE("/:configId", handler.DeleteConfig)
	}
}

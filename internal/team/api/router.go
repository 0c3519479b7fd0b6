package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/team/service"
)

// SetupRoutes configures the project and team API routes.
// router should be the /api/v1 group.
func SetupRoutes(router *gin.RouterGroup, svc *service.Service, log *logger.Logger) {
	handler := NewHandler(svc, log)

	projects := router.Group("/projects")
	{
		projects.POST("", handler.CreateProject)
		projects.GET("", handler.ListProjects)
		projects.GET("/:projectId", handler.GetProject)
		projects.PUT("/:projectId", handler.UpdateProject)
		projects.DELETE("/:projectId", handler.DeleteProject)

		projects.POST("/:projectId/teams", handler.CreateTeam)
		projects.GET("/:projectId/teams", handler.ListTeams)
	}

	teams := router.Group("/teams")
	{
		teams.GET("/:teamId", handler.GetTeam)
		teams.PUT("/:teamId", handler.UpdateTeam)
		teams.DELETE("/:teamId", handler.DeleteTeam)

		teams.POST("/:teamId/runs", handler.RunTeam)
		teams.GET("/:teamId/runs", handler.ListRuns)
		teams.GET("/:teamId/runs/:runId", handler.GetRun)
	}
}

package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/ticket/store"
)

// SetupRoutes configures the ticket API routes.
// router should be the /api/v1 group.
func SetupRoutes(router *gin.RouterGroup, st *store.Store, log *logger.Logger) {
	handler := NewHandler(st, log)

	tickets := router.Group("/tickets")
	{
		tickets.POST("", handler.SubmitTicket)
		tickets.GET("/:ticketId", handler.GetTicket)
		tickets.POST("/:ticketId/respond", handler.Respond)
		tickets.POST("/:ticketId/acknowledge", handler.Acknowledge)
		tickets.GET("/:ticketId/reply", handler.WaitForReply)
	}

	// Agent-scoped ticket queue; the agent API owns the rest of /agents.
	router.GET("/agents/:agentId/tickets", handler.GetPending)
}

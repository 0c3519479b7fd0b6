package api

import (
	goerrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/ticket/models"
	"github.com/kokino/kokino/internal/ticket/store"
)

// Handler contains HTTP handlers for the ticket API.
type Handler struct {
	store  *store.Store
	logger *logger.Logger
}

// NewHandler creates a new ticket API handler.
func NewHandler(st *store.Store, log *logger.Logger) *Handler {
	return &Handler{
		store:  st,
		logger: log.WithFields(zap.String("component", "ticket-api")),
	}
}

// writeError converts an error into a structured JSON response, preserving
// the AppError code and HTTP status when present.
func writeError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if goerrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	fallback := errors.InternalError("request failed", err)
	c.JSON(fallback.HTTPStatus, fallback)
}

// SubmitTicket accepts a new ticket for delivery. It never validates agent
// existence: tickets for unknown agents wait in the store.
// POST /api/v1/tickets
func (h *Handler) SubmitTicket(c *gin.Context) {
	var req SubmitTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	ticket, err := h.store.Create(c.Request.Context(), &store.CreateRequest{
		TargetAgent: req.AgentID,
		OriginAgent: req.OriginAgent,
		Payload:     req.Payload,
		Metadata:    req.Metadata,
		ExpectReply: req.ExpectReply,
		TimeoutMs:   req.TimeoutMs,
	})
	if err != nil {
		h.logger.Error("failed to submit ticket", zap.Error(err))
		writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitTicketResponse{
		TicketID: ticket.ID,
		Status:   string(ticket.Status),
	})
}

// GetTicket returns a ticket by ID.
// GET /api/v1/tickets/:ticketId
func (h *Handler) GetTicket(c *gin.Context) {
	ticket, err := h.store.Get(c.Request.Context(), c.Param("ticketId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticketToResponse(ticket))
}

// Respond posts an agent's reply to a ticket.
// POST /api/v1/tickets/:ticketId/respond
func (h *Handler) Respond(c *gin.Context) {
	ticketID := c.Param("ticketId")

	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	if _, err := h.store.Respond(c.Request.Context(), ticketID, req.Payload, req.Metadata); err != nil {
		if !errors.IsNotFound(err) {
			h.logger.Error("failed to respond to ticket", zap.String("ticket_id", ticketID), zap.Error(err))
		}
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// Acknowledge marks a pending ticket as picked up.
// POST /api/v1/tickets/:ticketId/acknowledge
func (h *Handler) Acknowledge(c *gin.Context) {
	ticket, err := h.store.Acknowledge(c.Request.Context(), c.Param("ticketId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticketToResponse(ticket))
}

// WaitForReply long-polls until the ticket resolves. A responded ticket
// returns immediately with 200; a timed-out or errored one with 408. A
// live ticket suspends the handler until its waiter fires or the ticket
// timeout elapses.
// GET /api/v1/tickets/:ticketId/reply
func (h *Handler) WaitForReply(c *gin.Context) {
	ctx := c.Request.Context()
	ticketID := c.Param("ticketId")

	ticket, err := h.store.Get(ctx, ticketID)
	if err != nil {
		writeError(c, err)
		return
	}

	switch {
	case ticket.Status == models.StatusResponded:
		c.JSON(http.StatusOK, ticketToResponse(ticket))
		return
	case ticket.Status.Terminal():
		c.JSON(http.StatusRequestTimeout, ticketToResponse(ticket))
		return
	}

	ch, err := h.store.AddWaiter(ctx, ticketID)
	if err != nil {
		// The ticket may have finalized between the read and the register.
		if errors.IsConflict(err) {
			h.replyFromState(c, ticketID)
			return
		}
		writeError(c, err)
		return
	}

	select {
	case <-ch:
		// A nil payload means timeout or error; either way the stored
		// state is authoritative now.
		h.replyFromState(c, ticketID)
	case <-time.After(time.Duration(ticket.TimeoutMs) * time.Millisecond):
		h.replyFromState(c, ticketID)
	case <-ctx.Done():
		// Client went away; nothing to write.
	}
}

// replyFromState re-reads the ticket and writes 200 or 408 from its state.
func (h *Handler) replyFromState(c *gin.Context, ticketID string) {
	ticket, err := h.store.Get(c.Request.Context(), ticketID)
	if err != nil {
		writeError(c, err)
		return
	}
	if ticket.Status == models.StatusResponded {
		c.JSON(http.StatusOK, ticketToResponse(ticket))
		return
	}
	c.JSON(http.StatusRequestTimeout, ticketToResponse(ticket))
}

// GetPending returns the pending tickets addressed to an agent, oldest
// first. Polling agents drain their queue through this endpoint.
// GET /api/v1/agents/:agentId/tickets
func (h *Handler) GetPending(c *gin.Context) {
	agentID := c.Param("agentId")

	tickets, err := h.store.GetPending(c.Request.Context(), agentID)
	if err != nil {
		h.logger.Error("failed to list pending tickets", zap.String("agent_id", agentID), zap.Error(err))
		writeError(c, err)
		return
	}

	resp := TicketsListResponse{
		Tickets: make([]*TicketResponse, len(tickets)),
		Total:   len(tickets),
	}
	for i, t := range tickets {
		resp.Tickets[i] = ticketToResponse(t)
	}
	c.JSON(http.StatusOK, resp)
}

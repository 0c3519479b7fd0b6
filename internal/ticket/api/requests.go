// Package api provides HTTP handlers for the ticket API.
package api

import (
	"time"

	"github.com/kokino/kokino/internal/ticket/models"
)

// SubmitTicketRequest submits a new ticket for delivery.
type SubmitTicketRequest struct {
	AgentID     string                 `json:"agentId" binding:"required"`
	OriginAgent string                 `json:"originAgent,omitempty"`
	Payload     string                 `json:"payload"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	ExpectReply bool                   `json:"expectReply"`
	TimeoutMs   int                    `json:"timeoutMs,omitempty"`
}

// SubmitTicketResponse acknowledges an accepted ticket.
type SubmitTicketResponse struct {
	TicketID string `json:"ticketId"`
	Status   string `json:"status"`
}

// RespondRequest posts an agent's reply to a ticket.
type RespondRequest struct {
	Payload  string                 `json:"payload"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// TicketResponse is the serialized ticket returned by read endpoints.
// LatencyMs is present only on responded tickets.
type TicketResponse struct {
	TicketID    string                 `json:"ticketId"`
	TargetAgent string                 `json:"targetAgent"`
	OriginAgent string                 `json:"originAgent,omitempty"`
	Payload     string                 `json:"payload"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	ExpectReply bool                   `json:"expectReply"`
	TimeoutMs   int                    `json:"timeoutMs"`
	Status      string                 `json:"status"`
	Response    *models.Response       `json:"response,omitempty"`
	LatencyMs   *int64                 `json:"latencyMs,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// TicketsListResponse lists tickets for an agent.
type TicketsListResponse struct {
	Tickets []*TicketResponse `json:"tickets"`
	Total   int               `json:"total"`
}

func ticketToResponse(t *models.Ticket) *TicketResponse {
	resp := &TicketResponse{
		TicketID:    t.ID,
		TargetAgent: t.TargetAgent,
		OriginAgent: t.OriginAgent,
		Payload:     t.Payload,
		Metadata:    t.Metadata,
		ExpectReply: t.ExpectReply,
		TimeoutMs:   t.TimeoutMs,
		Status:      string(t.Status),
		Response:    t.Response,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	if t.Status == models.StatusResponded && t.Response != nil {
		latency := t.Response.At.Sub(t.CreatedAt).Milliseconds()
		resp.LatencyMs = &latency
	}
	return resp
}

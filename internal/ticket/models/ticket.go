// Package models defines the ticket data structures shared by the
// repository, store, and API layers.
package models

import "time"

// Status represents the lifecycle state of a ticket.
type Status string

const (
	// StatusPending is the initial state: the ticket is stored but the
	// target agent has not consumed it yet.
	StatusPending Status = "pending"
	// StatusDelivered means a store-and-forward agent acknowledged pickup.
	// The ticket still awaits a response.
	StatusDelivered Status = "delivered"
	// StatusResponded means the target agent produced a response.
	StatusResponded Status = "responded"
	// StatusTimeout means the delivery deadline elapsed without a response.
	StatusTimeout Status = "timeout"
	// StatusError means delivery or execution failed.
	StatusError Status = "error"
)

// Terminal reports whether the status is final. Terminal tickets are
// immutable: no further transition may overwrite them.
func (s Status) Terminal() bool {
	switch s {
	case StatusResponded, StatusTimeout, StatusError:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusResponded, StatusTimeout, StatusError:
		return true
	}
	return false
}

// Response holds the answer attached to a responded ticket. A ticket has a
// non-nil Response exactly when its status is responded.
type Response struct {
	Payload  string                 `json:"payload"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	At       time.Time              `json:"at"`
}

// Ticket is a correlated message from an origin agent to a target agent.
// Tickets are the unit of delivery, timeout, and reply correlation.
type Ticket struct {
	ID          string                 `json:"ticketId"`
	TargetAgent string                 `json:"targetAgent"`
	OriginAgent string                 `json:"originAgent,omitempty"`
	Payload     string                 `json:"payload"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	ExpectReply bool                   `json:"expectReply"`
	TimeoutMs   int                    `json:"timeoutMs"`
	Status      Status                 `json:"status"`
	Response    *Response              `json:"response,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// IsReply reports whether the ticket is a reverse ticket generated from a
// response to an earlier ticket.
func (t *Ticket) IsReply() bool {
	if t.Metadata == nil {
		return false
	}
	v, ok := t.Metadata["isReply"].(bool)
	return ok && v
}

// ReplyTo returns the originating ticket ID for a reverse ticket, or an
// empty string if the ticket is not a reply.
func (t *Ticket) ReplyTo() string {
	if t.Metadata == nil {
		return ""
	}
	id, _ := t.Metadata["replyTo"].(string)
	return id
}

// Package repository provides persistent storage for tickets.
package repository

import (
	"context"
	"time"

	"github.com/kokino/kokino/internal/ticket/models"
)

// Repository defines the interface for ticket storage operations.
//
// Transition is the only mutation that changes status. Implementations must
// make it atomic and first-wins: a transition to a terminal status succeeds
// only while the ticket is non-terminal, a transition to delivered only
// while the ticket is pending, and a transition to timeout only while the
// ticket is pending (an acknowledged ticket never expires under its agent).
// The boolean result reports whether the row actually changed, so callers
// can distinguish a won race from a lost one.
type Repository interface {
	// Create stores a new ticket. The caller must have assigned the ID.
	Create(ctx context.Context, ticket *models.Ticket) error

	// Get retrieves a ticket by ID.
	Get(ctx context.Context, id string) (*models.Ticket, error)

	// Transition moves a ticket to the given status, attaching resp when the
	// target status is responded. Returns false when the guard fails, i.e.
	// the ticket was already terminal (or already past pending for a
	// transition to delivered).
	Transition(ctx context.Context, id string, to models.Status, resp *models.Response) (bool, error)

	// UpdateMetadata replaces a ticket's metadata. Status is untouched, so
	// the delivery engine can annotate a ticket without racing Transition.
	UpdateMetadata(ctx context.Context, id string, metadata map[string]interface{}) error

	// GetPending returns all pending tickets addressed to targetAgent,
	// ordered by creation time ascending.
	GetPending(ctx context.Context, targetAgent string) ([]*models.Ticket, error)

	// CountAll returns the number of tickets currently stored, any status.
	CountAll(ctx context.Context) (int, error)

	// DeleteTerminalBefore removes terminal tickets whose last update is
	// older than cutoff. Returns the number of tickets removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases any underlying resources.
	Close() error
}

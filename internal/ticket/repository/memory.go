package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/ticket/models"
)

// MemoryRepository provides in-memory ticket storage. It is used by tests
// and by ephemeral deployments that do not need durability across restarts.
type MemoryRepository struct {
	mu      sync.RWMutex
	tickets map[string]*models.Ticket
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tickets: make(map[string]*models.Ticket)}
}

func cloneTicket(t *models.Ticket) *models.Ticket {
	clone := *t
	if t.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	if t.Response != nil {
		resp := *t.Response
		clone.Response = &resp
	}
	return &clone
}

// Create stores a new ticket.
func (r *MemoryRepository) Create(_ context.Context, ticket *models.Ticket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tickets[ticket.ID]; exists {
		return apperrors.Conflict("ticket already exists: " + ticket.ID)
	}
	r.tickets[ticket.ID] = cloneTicket(ticket)
	return nil
}

// Get retrieves a ticket by ID.
func (r *MemoryRepository) Get(_ context.Context, id string) (*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ticket, ok := r.tickets[id]
	if !ok {
		return nil, apperrors.NotFound("ticket", id)
	}
	return cloneTicket(ticket), nil
}

// Transition moves a ticket to the given status under the lifecycle guard.
func (r *MemoryRepository) Transition(_ context.Context, id string, to models.Status, resp *models.Response) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ticket, ok := r.tickets[id]
	if !ok {
		return false, nil
	}

	switch {
	case to == models.StatusDelivered:
		if ticket.Status != models.StatusPending {
			return false, nil
		}
	// Timeout only reaps tickets nobody picked up. A delivered ticket has
	// an agent working on it and finalizes through respond or error.
	case to == models.StatusTimeout:
		if ticket.Status != models.StatusPending {
			return false, nil
		}
	case to.Terminal():
		if ticket.Status.Terminal() {
			return false, nil
		}
	default:
		return false, apperrors.BadRequest("invalid ticket transition to " + string(to))
	}

	ticket.Status = to
	if to == models.StatusResponded && resp != nil {
		clone := *resp
		ticket.Response = &clone
	}
	ticket.UpdatedAt = time.Now().UTC()
	return true, nil
}

// UpdateMetadata replaces a ticket's metadata without touching its status.
func (r *MemoryRepository) UpdateMetadata(_ context.Context, id string, metadata map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ticket, ok := r.tickets[id]
	if !ok {
		return apperrors.NotFound("ticket", id)
	}
	ticket.Metadata = nil
	if metadata != nil {
		ticket.Metadata = make(map[string]interface{}, len(metadata))
		for k, v := range metadata {
			ticket.Metadata[k] = v
		}
	}
	ticket.UpdatedAt = time.Now().UTC()
	return nil
}

// GetPending returns pending tickets for an agent in arrival order.
func (r *MemoryRepository) GetPending(_ context.Context, targetAgent string) ([]*models.Ticket, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var pending []*models.Ticket
	for _, ticket := range r.tickets {
		if ticket.TargetAgent == targetAgent && ticket.Status == models.StatusPending {
			pending = append(pending, cloneTicket(ticket))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// CountAll returns the number of stored tickets.
func (r *MemoryRepository) CountAll(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tickets), nil
}

// DeleteTerminalBefore removes terminal tickets older than cutoff.
func (r *MemoryRepository) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, ticket := range r.tickets {
		if ticket.Status.Terminal() && ticket.UpdatedAt.Before(cutoff) {
			delete(r.tickets, id)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

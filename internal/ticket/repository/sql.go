package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/db"
	"github.com/kokino/kokino/internal/ticket/models"
)

// SQLRepository provides ticket storage on the shared database pool. It
// works against both the sqlite and postgres drivers; queries are written
// with ? placeholders and rebound per dialect.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates a ticket repository on an opened pool. The
// schema must already be applied.
func NewSQLRepository(pool *db.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

// ticketRow mirrors the tickets table.
type ticketRow struct {
	ID          string         `db:"id"`
	TargetAgent string         `db:"target_agent"`
	OriginAgent string         `db:"origin_agent"`
	Payload     string         `db:"payload"`
	Metadata    string         `db:"metadata"`
	ExpectReply bool           `db:"expect_reply"`
	TimeoutMs   int            `db:"timeout_ms"`
	Status      string         `db:"status"`
	Response    sql.NullString `db:"response"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r ticketRow) toModel() (*models.Ticket, error) {
	t := &models.Ticket{
		ID:          r.ID,
		TargetAgent: r.TargetAgent,
		OriginAgent: r.OriginAgent,
		Payload:     r.Payload,
		ExpectReply: r.ExpectReply,
		TimeoutMs:   r.TimeoutMs,
		Status:      models.Status(r.Status),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		if err := json.Unmarshal([]byte(r.Metadata), &t.Metadata); err != nil {
			return nil, apperrors.Storage("corrupt ticket metadata", err)
		}
	}
	if r.Response.Valid && r.Response.String != "" {
		var resp models.Response
		if err := json.Unmarshal([]byte(r.Response.String), &resp); err != nil {
			return nil, apperrors.Storage("corrupt ticket response", err)
		}
		t.Response = &resp
	}
	return t, nil
}

func marshalMetadata(meta map[string]interface{}) string {
	if len(meta) == 0 {
		return "{}"
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Create stores a new ticket.
func (r *SQLRepository) Create(ctx context.Context, ticket *models.Ticket) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO tickets (id, target_agent, origin_agent, payload, metadata, expect_reply, timeout_ms, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := writer.ExecContext(ctx, query,
		ticket.ID, ticket.TargetAgent, ticket.OriginAgent, ticket.Payload,
		marshalMetadata(ticket.Metadata), ticket.ExpectReply, ticket.TimeoutMs,
		string(ticket.Status), ticket.CreatedAt, ticket.UpdatedAt)
	if err != nil {
		return apperrors.Storage("failed to create ticket", err)
	}
	return nil
}

// Get retrieves a ticket by ID.
func (r *SQLRepository) Get(ctx context.Context, id string) (*models.Ticket, error) {
	reader := r.pool.Reader()
	query := reader.Rebind(`
		SELECT id, target_agent, origin_agent, payload, metadata, expect_reply, timeout_ms, status, response, created_at, updated_at
		FROM tickets WHERE id = ?
	`)

	var row ticketRow
	if err := reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("ticket", id)
		}
		return nil, apperrors.Storage("failed to load ticket", err)
	}
	return row.toModel()
}

// Transition moves a ticket to the given status under the lifecycle guard.
func (r *SQLRepository) Transition(ctx context.Context, id string, to models.Status, resp *models.Response) (bool, error) {
	now := time.Now().UTC()
	writer := r.pool.Writer()

	var (
		query string
		args  []interface{}
	)

	switch {
	case to == models.StatusDelivered:
		query = `UPDATE tickets SET status = ?, updated_at = ? WHERE id = ? AND status = 'pending'`
		args = []interface{}{string(to), now, id}

	// Timeout only reaps tickets nobody picked up. A delivered ticket has
	// an agent working on it and finalizes through respond or error.
	case to == models.StatusTimeout:
		query = `UPDATE tickets SET status = ?, updated_at = ? WHERE id = ? AND status = 'pending'`
		args = []interface{}{string(to), now, id}

	case to.Terminal():
		var respJSON interface{}
		if resp != nil {
			data, err := json.Marshal(resp)
			if err != nil {
				return false, apperrors.Storage("failed to encode response", err)
			}
			respJSON = string(data)
		}
		query = `UPDATE tickets SET status = ?, response = ?, updated_at = ? WHERE id = ? AND status IN ('pending', 'delivered')`
		args = []interface{}{string(to), respJSON, now, id}

	default:
		return false, apperrors.BadRequest("invalid ticket transition to " + string(to))
	}

	result, err := writer.ExecContext(ctx, writer.Rebind(query), args...)
	if err != nil {
		return false, apperrors.Storage("failed to transition ticket", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, apperrors.Storage("failed to read transition result", err)
	}
	return rows > 0, nil
}

// UpdateMetadata replaces a ticket's metadata without touching its status.
func (r *SQLRepository) UpdateMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`UPDATE tickets SET metadata = ?, updated_at = ? WHERE id = ?`)
	result, err := writer.ExecContext(ctx, query, marshalMetadata(metadata), time.Now().UTC(), id)
	if err != nil {
		return apperrors.Storage("failed to update ticket metadata", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("ticket", id)
	}
	return nil
}

// GetPending returns pending tickets for an agent in arrival order.
func (r *SQLRepository) GetPending(ctx context.Context, targetAgent string) ([]*models.Ticket, error) {
	reader := r.pool.Reader()
	query := reader.Rebind(`
		SELECT id, target_agent, origin_agent, payload, metadata, expect_reply, timeout_ms, status, response, created_at, updated_at
		FROM tickets WHERE target_agent = ? AND status = 'pending'
		ORDER BY created_at ASC
	`)

	var rows []ticketRow
	if err := reader.SelectContext(ctx, &rows, query, targetAgent); err != nil {
		return nil, apperrors.Storage("failed to list pending tickets", err)
	}

	tickets := make([]*models.Ticket, 0, len(rows))
	for _, row := range rows {
		t, err := row.toModel()
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, t)
	}
	return tickets, nil
}

// CountAll returns the number of stored tickets.
func (r *SQLRepository) CountAll(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.Reader().GetContext(ctx, &count, `SELECT COUNT(*) FROM tickets`); err != nil {
		return 0, apperrors.Storage("failed to count tickets", err)
	}
	return count, nil
}

// DeleteTerminalBefore removes terminal tickets older than cutoff.
func (r *SQLRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	writer := r.pool.Writer()
	query := writer.Rebind(`
		DELETE FROM tickets
		WHERE status IN ('responded', 'timeout', 'error') AND updated_at < ?
	`)
	result, err := writer.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, apperrors.Storage("failed to clean up tickets", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Close is a no-op; the shared pool is owned by the caller.
func (r *SQLRepository) Close() error {
	return nil
}

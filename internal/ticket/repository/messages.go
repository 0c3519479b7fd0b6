package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/db"
)

// Message is a durable mirror of ticket traffic, written as tickets move
// through their lifecycle so conversation history survives ticket cleanup.
type Message struct {
	ID          string                 `json:"id"`
	TicketID    string                 `json:"ticketId"`
	EventType   string                 `json:"eventType"`
	TargetAgent string                 `json:"targetAgent"`
	OriginAgent string                 `json:"originAgent,omitempty"`
	Payload     string                 `json:"payload"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// MessageLog records ticket traffic for audit and UI history.
type MessageLog interface {
	Record(ctx context.Context, msg *Message) error
	ListByTicket(ctx context.Context, ticketID string) ([]*Message, error)
}

// SQLMessageLog stores messages in the messages table.
type SQLMessageLog struct {
	pool *db.Pool
}

var _ MessageLog = (*SQLMessageLog)(nil)

// NewSQLMessageLog creates a message log on an opened pool.
func NewSQLMessageLog(pool *db.Pool) *SQLMessageLog {
	return &SQLMessageLog{pool: pool}
}

type messageRow struct {
	ID          string    `db:"id"`
	TicketID    string    `db:"ticket_id"`
	EventType   string    `db:"event_type"`
	TargetAgent string    `db:"target_agent"`
	OriginAgent string    `db:"origin_agent"`
	Payload     string    `db:"payload"`
	Metadata    string    `db:"metadata"`
	CreatedAt   time.Time `db:"created_at"`
}

// Record appends one message row.
func (l *SQLMessageLog) Record(ctx context.Context, msg *Message) error {
	writer := l.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO messages (id, ticket_id, event_type, target_agent, origin_agent, payload, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := writer.ExecContext(ctx, query,
		msg.ID, msg.TicketID, msg.EventType, msg.TargetAgent, msg.OriginAgent,
		msg.Payload, marshalMetadata(msg.Metadata), msg.CreatedAt.UTC())
	if err != nil {
		return apperrors.Storage("failed to record message", err)
	}
	return nil
}

// ListByTicket returns a ticket's messages in write order.
func (l *SQLMessageLog) ListByTicket(ctx context.Context, ticketID string) ([]*Message, error) {
	reader := l.pool.Reader()
	query := reader.Rebind(`
		SELECT id, ticket_id, event_type, target_agent, origin_agent, payload, metadata, created_at
		FROM messages WHERE ticket_id = ? ORDER BY created_at ASC
	`)

	var rows []messageRow
	if err := reader.SelectContext(ctx, &rows, query, ticketID); err != nil {
		return nil, apperrors.Storage("failed to list messages", err)
	}

	messages := make([]*Message, 0, len(rows))
	for _, row := range rows {
		msg := &Message{
			ID:          row.ID,
			TicketID:    row.TicketID,
			EventType:   row.EventType,
			TargetAgent: row.TargetAgent,
			OriginAgent: row.OriginAgent,
			Payload:     row.Payload,
			CreatedAt:   row.CreatedAt.UTC(),
		}
		if row.Metadata != "" && row.Metadata != "{}" {
			_ = json.Unmarshal([]byte(row.Metadata), &msg.Metadata)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// MemoryMessageLog keeps messages in memory for tests.
type MemoryMessageLog struct {
	mu       sync.RWMutex
	messages []*Message
}

var _ MessageLog = (*MemoryMessageLog)(nil)

// NewMemoryMessageLog creates an empty in-memory message log.
func NewMemoryMessageLog() *MemoryMessageLog {
	return &MemoryMessageLog{}
}

// Record appends one message.
func (l *MemoryMessageLog) Record(_ context.Context, msg *Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	clone := *msg
	l.messages = append(l.messages, &clone)
	return nil
}

// ListByTicket returns a ticket's messages in write order.
func (l *MemoryMessageLog) ListByTicket(_ context.Context, ticketID string) ([]*Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*Message
	for _, msg := range l.messages {
		if msg.TicketID == ticketID {
			clone := *msg
			result = append(result, &clone)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

package compaction

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/db"
)

// Repository persists one metric row per tracked turn.
type Repository interface {
	// SaveMetric stores a measurement. Writes are conflict-tolerant: a
	// duplicate (agentID, measuredAt) pair replaces the existing row.
	SaveMetric(ctx context.Context, metric *Metric) error

	// Latest returns the agent's most recent row, or nil when the agent
	// has no rows.
	Latest(ctx context.Context, agentID string) (*Metric, error)

	// DeleteAll removes every row for the agent.
	DeleteAll(ctx context.Context, agentID string) error

	// History returns the agent's rows, most recent first.
	History(ctx context.Context, agentID string, limit int) ([]*Metric, error)
}

// SQLRepository stores metric rows in the compaction_metrics table.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates a metrics repository on an opened pool.
func NewSQLRepository(pool *db.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

type metricRow struct {
	AgentID           string    `db:"agent_id"`
	ConversationTurns int       `db:"conversation_turns"`
	TotalTokens       int       `db:"total_tokens"`
	ErrorCount        int       `db:"error_count"`
	ConfusionCount    int       `db:"confusion_count"`
	AvgResponseMs     float64   `db:"avg_response_ms"`
	Severity          string    `db:"severity"`
	MeasuredAt        time.Time `db:"measured_at"`
}

func (r metricRow) toModel() *Metric {
	return &Metric{
		AgentID:           r.AgentID,
		ConversationTurns: r.ConversationTurns,
		TotalTokens:       r.TotalTokens,
		ErrorCount:        r.ErrorCount,
		ConfusionCount:    r.ConfusionCount,
		AvgResponseMs:     r.AvgResponseMs,
		Severity:          Severity(r.Severity),
		MeasuredAt:        r.MeasuredAt.UTC(),
	}
}

// SaveMetric upserts one measurement row.
func (r *SQLRepository) SaveMetric(ctx context.Context, metric *Metric) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO compaction_metrics (agent_id, conversation_turns, total_tokens, error_count, confusion_count, avg_response_ms, severity, measured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, measured_at) DO UPDATE SET
			conversation_turns = excluded.conversation_turns,
			total_tokens = excluded.total_tokens,
			error_count = excluded.error_count,
			confusion_count = excluded.confusion_count,
			avg_response_ms = excluded.avg_response_ms,
			severity = excluded.severity
	`)
	_, err := writer.ExecContext(ctx, query,
		metric.AgentID, metric.ConversationTurns, metric.TotalTokens,
		metric.ErrorCount, metric.ConfusionCount, metric.AvgResponseMs,
		string(metric.Severity), metric.MeasuredAt.UTC())
	if err != nil {
		return apperrors.Storage("failed to save compaction metric", err)
	}
	return nil
}

// Latest returns the agent's most recent row, or nil when none exist.
func (r *SQLRepository) Latest(ctx context.Context, agentID string) (*Metric, error) {
	reader := r.pool.Reader()
	query := reader.Rebind(`
		SELECT agent_id, conversation_turns, total_tokens, error_count, confusion_count, avg_response_ms, severity, measured_at
		FROM compaction_metrics WHERE agent_id = ?
		ORDER BY measured_at DESC LIMIT 1
	`)

	var row metricRow
	if err := reader.GetContext(ctx, &row, query, agentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperrors.Storage("failed to load latest compaction metric", err)
	}
	return row.toModel(), nil
}

// DeleteAll removes every row for the agent.
func (r *SQLRepository) DeleteAll(ctx context.Context, agentID string) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`DELETE FROM compaction_metrics WHERE agent_id = ?`)
	if _, err := writer.ExecContext(ctx, query, agentID); err != nil {
		return apperrors.Storage("failed to delete compaction metrics", err)
	}
	return nil
}

// History returns an agent's rows, most recent first.
func (r *SQLRepository) History(ctx context.Context, agentID string, limit int) ([]*Metric, error) {
	if limit <= 0 {
		limit = 50
	}
	reader := r.pool.Reader()
	query := reader.Rebind(`
		SELECT agent_id, conversation_turns, total_tokens, error_count, confusion_count, avg_response_ms, severity, measured_at
		FROM compaction_metrics WHERE agent_id = ?
		ORDER BY measured_at DESC LIMIT ?
	`)

	var rows []metricRow
	if err := reader.SelectContext(ctx, &rows, query, agentID, limit); err != nil {
		return nil, apperrors.Storage("failed to load compaction history", err)
	}

	metrics := make([]*Metric, 0, len(rows))
	for _, row := range rows {
		metrics = append(metrics, row.toModel())
	}
	return metrics, nil
}

// MemoryRepository keeps metric rows in memory for tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	metrics map[string][]*Metric
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory metrics store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{metrics: make(map[string][]*Metric)}
}

// SaveMetric upserts one measurement row.
func (r *MemoryRepository) SaveMetric(_ context.Context, metric *Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *metric
	for i, existing := range r.metrics[metric.AgentID] {
		if existing.MeasuredAt.Equal(metric.MeasuredAt) {
			r.metrics[metric.AgentID][i] = &clone
			return nil
		}
	}
	r.metrics[metric.AgentID] = append(r.metrics[metric.AgentID], &clone)
	return nil
}

// Latest returns the agent's most recent row, or nil when none exist.
func (r *MemoryRepository) Latest(_ context.Context, agentID string) (*Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *Metric
	for _, m := range r.metrics[agentID] {
		if latest == nil || m.MeasuredAt.After(latest.MeasuredAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

// DeleteAll removes every row for the agent.
func (r *MemoryRepository) DeleteAll(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.metrics, agentID)
	return nil
}

// History returns an agent's rows, most recent first.
func (r *MemoryRepository) History(_ context.Context, agentID string, limit int) ([]*Metric, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	metrics := make([]*Metric, 0, len(r.metrics[agentID]))
	for _, m := range r.metrics[agentID] {
		clone := *m
		metrics = append(metrics, &clone)
	}
	sort.Slice(metrics, func(i, j int) bool {
		return metrics[i].MeasuredAt.After(metrics[j].MeasuredAt)
	})
	if len(metrics) > limit {
		metrics = metrics[:limit]
	}
	return metrics, nil
}

package bootstrap

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	agentmodels "github.com/kokino/kokino/internal/agent/models"
	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/db"
)

// HistoryEntry is the audit record of one bootstrap run. Entries are
// created when the run starts and completed exactly once.
type HistoryEntry struct {
	ID           string                    `json:"id"`
	AgentID      string                    `json:"agentId"`
	Mode         agentmodels.BootstrapMode `json:"mode"`
	Success      bool                      `json:"success"`
	FilesLoaded  []string                  `json:"filesLoaded"`
	ContextSize  int                       `json:"contextSize"`
	DurationMs   int64                     `json:"durationMs"`
	ErrorMessage string                    `json:"errorMessage,omitempty"`
	StartedAt    time.Time                 `json:"startedAt"`
	CompletedAt  *time.Time                `json:"completedAt,omitempty"`
}

// HistoryRepository persists bootstrap run records.
type HistoryRepository interface {
	Begin(ctx context.Context, entry *HistoryEntry) error
	Complete(ctx context.Context, entry *HistoryEntry) error
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*HistoryEntry, error)
}

// SQLHistoryRepository stores history in the bootstrap_history table.
type SQLHistoryRepository struct {
	pool *db.Pool
}

var _ HistoryRepository = (*SQLHistoryRepository)(nil)

// NewSQLHistoryRepository creates a history repository on an opened pool.
func NewSQLHistoryRepository(pool *db.Pool) *SQLHistoryRepository {
	return &SQLHistoryRepository{pool: pool}
}

type historyRow struct {
	ID           string       `db:"id"`
	AgentID      string       `db:"agent_id"`
	Mode         string       `db:"mode"`
	Success      bool         `db:"success"`
	FilesLoaded  string       `db:"files_loaded"`
	ContextSize  int          `db:"context_size"`
	DurationMs   int64        `db:"duration_ms"`
	ErrorMessage string       `db:"error_message"`
	StartedAt    time.Time    `db:"started_at"`
	CompletedAt  sql.NullTime `db:"completed_at"`
}

func (r historyRow) toModel() *HistoryEntry {
	entry := &HistoryEntry{
		ID:           r.ID,
		AgentID:      r.AgentID,
		Mode:         agentmodels.BootstrapMode(r.Mode),
		Success:      r.Success,
		ContextSize:  r.ContextSize,
		DurationMs:   r.DurationMs,
		ErrorMessage: r.ErrorMessage,
		StartedAt:    r.StartedAt.UTC(),
	}
	_ = json.Unmarshal([]byte(r.FilesLoaded), &entry.FilesLoaded)
	if r.CompletedAt.Valid {
		completed := r.CompletedAt.Time.UTC()
		entry.CompletedAt = &completed
	}
	return entry
}

func marshalFiles(files []string) string {
	if len(files) == 0 {
		return "[]"
	}
	data, err := json.Marshal(files)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// Begin records the start of a bootstrap run.
func (r *SQLHistoryRepository) Begin(ctx context.Context, entry *HistoryEntry) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`
		INSERT INTO bootstrap_history (id, agent_id, mode, success, files_loaded, context_size, duration_ms, error_message, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := writer.ExecContext(ctx, query,
		entry.ID, entry.AgentID, string(entry.Mode), false,
		"[]", 0, 0, "", entry.StartedAt.UTC())
	if err != nil {
		return apperrors.Storage("failed to record bootstrap start", err)
	}
	return nil
}

// Complete fills in the outcome of a bootstrap run.
func (r *SQLHistoryRepository) Complete(ctx context.Context, entry *HistoryEntry) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`
		UPDATE bootstrap_history
		SET success = ?, files_loaded = ?, context_size = ?, duration_ms = ?, error_message = ?, completed_at = ?
		WHERE id = ?
	`)
	var completedAt interface{}
	if entry.CompletedAt != nil {
		completedAt = entry.CompletedAt.UTC()
	}
	_, err := writer.ExecContext(ctx, query,
		entry.Success, marshalFiles(entry.FilesLoaded), entry.ContextSize,
		entry.DurationMs, entry.ErrorMessage, completedAt, entry.ID)
	if err != nil {
		return apperrors.Storage("failed to record bootstrap completion", err)
	}
	return nil
}

// ListByAgent returns an agent's bootstrap runs, most recent first.
func (r *SQLHistoryRepository) ListByAgent(ctx context.Context, agentID string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	reader := r.pool.Reader()
	query := reader.Rebind(`
		SELECT id, agent_id, mode, success, files_loaded, context_size, duration_ms, error_message, started_at, completed_at
		FROM bootstrap_history WHERE agent_id = ?
		ORDER BY started_at DESC LIMIT ?
	`)

	var rows []historyRow
	if err := reader.SelectContext(ctx, &rows, query, agentID, limit); err != nil {
		return nil, apperrors.Storage("failed to load bootstrap history", err)
	}

	entries := make([]*HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toModel())
	}
	return entries, nil
}

// MemoryHistoryRepository keeps history in memory for tests.
type MemoryHistoryRepository struct {
	mu      sync.RWMutex
	entries map[string]*HistoryEntry
}

var _ HistoryRepository = (*MemoryHistoryRepository)(nil)

// NewMemoryHistoryRepository creates an empty in-memory history store.
func NewMemoryHistoryRepository() *MemoryHistoryRepository {
	return &MemoryHistoryRepository{entries: make(map[string]*HistoryEntry)}
}

// Begin records the start of a bootstrap run.
func (r *MemoryHistoryRepository) Begin(_ context.Context, entry *HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *entry
	r.entries[entry.ID] = &clone
	return nil
}

// Complete fills in the outcome of a bootstrap run.
func (r *MemoryHistoryRepository) Complete(_ context.Context, entry *HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *entry
	clone.FilesLoaded = append([]string(nil), entry.FilesLoaded...)
	r.entries[entry.ID] = &clone
	return nil
}

// ListByAgent returns an agent's bootstrap runs, most recent first.
func (r *MemoryHistoryRepository) ListByAgent(_ context.Context, agentID string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*HistoryEntry
	for _, entry := range r.entries {
		if entry.AgentID == agentID {
			clone := *entry
			entries = append(entries, &clone)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartedAt.After(entries[j].StartedAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

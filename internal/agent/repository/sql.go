package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/kokino/kokino/internal/agent/models"
	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/db"
)

// SQLRepository stores agents and agent configs on the shared pool.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates an agent repository on an opened pool.
func NewSQLRepository(pool *db.Pool) *SQLRepository {
	return &SQLRepository{pool: pool}
}

type agentRow struct {
	ID         string         `db:"id"`
	AgentType  string         `db:"agent_type"`
	CommMode   string         `db:"comm_mode"`
	Role       string         `db:"role"`
	WorkingDir string         `db:"working_dir"`
	ConfigID   sql.NullString `db:"config_id"`
	Context    string         `db:"context"`
	Metadata   string         `db:"metadata"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (r agentRow) toModel() *models.Agent {
	agent := &models.Agent{
		ID:         r.ID,
		Type:       r.AgentType,
		CommMode:   models.CommMode(r.CommMode),
		Role:       r.Role,
		WorkingDir: r.WorkingDir,
		ConfigID:   r.ConfigID.String,
		Context:    r.Context,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if r.Metadata != "" && r.Metadata != "{}" {
		_ = json.Unmarshal([]byte(r.Metadata), &agent.Metadata)
	}
	return agent
}

func marshalJSON(v interface{}, fallback string) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}

// SaveAgent inserts or replaces an agent row.
func (r *SQLRepository) SaveAgent(ctx context.Context, agent *models.Agent) error {
	writer := r.pool.Writer()

	var configID interface{}
	if agent.ConfigID != "" {
		configID = agent.ConfigID
	}

	query := writer.Rebind(`
		DELETE FROM agents WHERE id = ?
	`)
	if _, err := writer.ExecContext(ctx, query, agent.ID); err != nil {
		return apperrors.Storage("failed to replace agent", err)
	}

	query = writer.Rebind(`
		INSERT INTO agents (id, agent_type, comm_mode, role, working_dir, config_id, context, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := writer.ExecContext(ctx, query,
		agent.ID, agent.Type, string(agent.CommMode), agent.Role, agent.WorkingDir,
		configID, agent.Context, marshalJSON(agent.Metadata, "{}"),
		agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return apperrors.Storage("failed to save agent", err)
	}
	return nil
}

// GetAgent retrieves an agent row by ID.
func (r *SQLRepository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	reader := r.pool.Reader()
	query := reader.Rebind(`
		SELECT id, agent_type, comm_mode, role, working_dir, config_id, context, metadata, created_at, updated_at
		FROM agents WHERE id = ?
	`)

	var row agentRow
	if err := reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("agent", id)
		}
		return nil, apperrors.Storage("failed to load agent", err)
	}
	return row.toModel(), nil
}

// ListAgents returns all agent rows ordered by registration time.
func (r *SQLRepository) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	reader := r.pool.Reader()

	var rows []agentRow
	err := reader.SelectContext(ctx, &rows, `
		SELECT id, agent_type, comm_mode, role, working_dir, config_id, context, metadata, created_at, updated_at
		FROM agents ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, apperrors.Storage("failed to list agents", err)
	}

	agents := make([]*models.Agent, 0, len(rows))
	for _, row := range rows {
		agents = append(agents, row.toModel())
	}
	return agents, nil
}

// UpdateAgentContext stores the assembled bootstrap context for an agent.
func (r *SQLRepository) UpdateAgentContext(ctx context.Context, id string, agentContext string) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`UPDATE agents SET context = ?, updated_at = ? WHERE id = ?`)
	result, err := writer.ExecContext(ctx, query, agentContext, time.Now().UTC(), id)
	if err != nil {
		return apperrors.Storage("failed to update agent context", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

// DeleteAgent removes an agent row.
func (r *SQLRepository) DeleteAgent(ctx context.Context, id string) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`DELETE FROM agents WHERE id = ?`)
	result, err := writer.ExecContext(ctx, query, id)
	if err != nil {
		return apperrors.Storage("failed to delete agent", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

type configRow struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	AgentType      string    `db:"agent_type"`
	CommMode       string    `db:"comm_mode"`
	WorkingDir     string    `db:"working_dir"`
	BootstrapMode  string    `db:"bootstrap_mode"`
	BootstrapFiles string    `db:"bootstrap_files"`
	BootstrapCount int       `db:"bootstrap_count"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r configRow) toModel() *models.AgentConfig {
	cfg := &models.AgentConfig{
		ID:             r.ID,
		Name:           r.Name,
		Type:           r.AgentType,
		CommMode:       models.CommMode(r.CommMode),
		WorkingDir:     r.WorkingDir,
		BootstrapMode:  models.BootstrapMode(r.BootstrapMode),
		BootstrapCount: r.BootstrapCount,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	_ = json.Unmarshal([]byte(r.BootstrapFiles), &cfg.BootstrapFiles)
	return cfg
}

// SaveConfig inserts or replaces an agent config template.
func (r *SQLRepository) SaveConfig(ctx context.Context, cfg *models.AgentConfig) error {
	writer := r.pool.Writer()

	query := writer.Rebind(`DELETE FROM agent_configs WHERE id = ?`)
	if _, err := writer.ExecContext(ctx, query, cfg.ID); err != nil {
		return apperrors.Storage("failed to replace agent config", err)
	}

	query = writer.Rebind(`
		INSERT INTO agent_configs (id, name, agent_type, comm_mode, working_dir, bootstrap_mode, bootstrap_files, bootstrap_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := writer.ExecContext(ctx, query,
		cfg.ID, cfg.Name, cfg.Type, string(cfg.CommMode), cfg.WorkingDir,
		string(cfg.BootstrapMode), marshalJSON(cfg.BootstrapFiles, "[]"),
		cfg.BootstrapCount, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		return apperrors.Storage("failed to save agent config", err)
	}
	return nil
}

// GetConfig retrieves an agent config template by ID.
func (r *SQLRepository) GetConfig(ctx context.Context, id string) (*models.AgentConfig, error) {
	reader := r.pool.Reader()
	query := reader.Rebind(`
		SELECT id, name, agent_type, comm_mode, working_dir, bootstrap_mode, bootstrap_files, bootstrap_count, created_at, updated_at
		FROM agent_configs WHERE id = ?
	`)

	var row configRow
	if err := reader.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("agent config", id)
		}
		return nil, apperrors.Storage("failed to load agent config", err)
	}
	return row.toModel(), nil
}

// ListConfigs returns all agent config templates.
func (r *SQLRepository) ListConfigs(ctx context.Context) ([]*models.AgentConfig, error) {
	reader := r.pool.Reader()

	var rows []configRow
	err := reader.SelectContext(ctx, &rows, `
		SELECT id, name, agent_type, comm_mode, working_dir, bootstrap_mode, bootstrap_files, bootstrap_count, created_at, updated_at
		FROM agent_configs ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, apperrors.Storage("failed to list agent configs", err)
	}

	configs := make([]*models.AgentConfig, 0, len(rows))
	for _, row := range rows {
		configs = append(configs, row.toModel())
	}
	return configs, nil
}

// IncrementBootstrapCount bumps the template's bootstrap usage counter.
func (r *SQLRepository) IncrementBootstrapCount(ctx context.Context, id string) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`
		UPDATE agent_configs SET bootstrap_count = bootstrap_count + 1, updated_at = ? WHERE id = ?
	`)
	result, err := writer.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return apperrors.Storage("failed to increment bootstrap count", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("agent config", id)
	}
	return nil
}

// DeleteConfig removes an agent config template.
func (r *SQLRepository) DeleteConfig(ctx context.Context, id string) error {
	writer := r.pool.Writer()
	query := writer.Rebind(`DELETE FROM agent_configs WHERE id = ?`)
	result, err := writer.ExecContext(ctx, query, id)
	if err != nil {
		return apperrors.Storage("failed to delete agent config", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("agent config", id)
	}
	return nil
}

// Close is a no-op; the shared pool is owned by the caller.
func (r *SQLRepository) Close() error {
	return nil
}

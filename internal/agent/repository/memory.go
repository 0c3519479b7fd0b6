package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kokino/kokino/internal/agent/models"
	apperrors "github.com/kokino/kokino/internal/common/errors"
)

// MemoryRepository provides in-memory agent storage for tests and
// ephemeral deployments.
type MemoryRepository struct {
	mu      sync.RWMutex
	agents  map[string]*models.Agent
	configs map[string]*models.AgentConfig
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		agents:  make(map[string]*models.Agent),
		configs: make(map[string]*models.AgentConfig),
	}
}

func cloneAgent(a *models.Agent) *models.Agent {
	clone := *a
	if a.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func cloneConfig(c *models.AgentConfig) *models.AgentConfig {
	clone := *c
	clone.BootstrapFiles = append([]string(nil), c.BootstrapFiles...)
	return &clone
}

// SaveAgent inserts or replaces an agent row.
func (r *MemoryRepository) SaveAgent(_ context.Context, agent *models.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = cloneAgent(agent)
	return nil
}

// GetAgent retrieves an agent row by ID.
func (r *MemoryRepository) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	return cloneAgent(agent), nil
}

// ListAgents returns all agent rows ordered by registration time.
func (r *MemoryRepository) ListAgents(_ context.Context) ([]*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*models.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, cloneAgent(agent))
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents, nil
}

// UpdateAgentContext stores the assembled bootstrap context for an agent.
func (r *MemoryRepository) UpdateAgentContext(_ context.Context, id string, agentContext string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[id]
	if !ok {
		return apperrors.NotFound("agent", id)
	}
	agent.Context = agentContext
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteAgent removes an agent row.
func (r *MemoryRepository) DeleteAgent(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[id]; !ok {
		return apperrors.NotFound("agent", id)
	}
	delete(r.agents, id)
	return nil
}

// SaveConfig inserts or replaces an agent config template.
func (r *MemoryRepository) SaveConfig(_ context.Context, cfg *models.AgentConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.ID] = cloneConfig(cfg)
	return nil
}

// GetConfig retrieves an agent config template by ID.
func (r *MemoryRepository) GetConfig(_ context.Context, id string) (*models.AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[id]
	if !ok {
		return nil, apperrors.NotFound("agent config", id)
	}
	return cloneConfig(cfg), nil
}

// ListConfigs returns all agent config templates.
func (r *MemoryRepository) ListConfigs(_ context.Context) ([]*models.AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	configs := make([]*models.AgentConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		configs = append(configs, cloneConfig(cfg))
	}
	sort.Slice(configs, func(i, j int) bool {
		return configs[i].CreatedAt.Before(configs[j].CreatedAt)
	})
	return configs, nil
}

// IncrementBootstrapCount bumps the template's bootstrap usage counter.
func (r *MemoryRepository) IncrementBootstrapCount(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.configs[id]
	if !ok {
		return apperrors.NotFound("agent config", id)
	}
	cfg.BootstrapCount++
	cfg.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteConfig removes an agent config template.
func (r *MemoryRepository) DeleteConfig(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.configs[id]; !ok {
		return apperrors.NotFound("agent config", id)
	}
	delete(r.configs, id)
	return nil
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

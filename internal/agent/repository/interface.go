// Package repository persists the durable part of agent state: registration
// rows, assembled bootstrap context, and reusable agent config templates.
// Liveness (status, heartbeats) lives in the registry, not here.
package repository

import (
	"context"

	"github.com/kokino/kokino/internal/agent/models"
)

// Repository defines storage operations for agents and agent configs.
type Repository interface {
	// Agent rows
	SaveAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	UpdateAgentContext(ctx context.Context, id string, agentContext string) error
	DeleteAgent(ctx context.Context, id string) error

	// Config templates
	SaveConfig(ctx context.Context, cfg *models.AgentConfig) error
	GetConfig(ctx context.Context, id string) (*models.AgentConfig, error)
	ListConfigs(ctx context.Context) ([]*models.AgentConfig, error)
	IncrementBootstrapCount(ctx context.Context, id string) error
	DeleteConfig(ctx context.Context, id string) error

	Close() error
}

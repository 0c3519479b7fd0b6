// Package registry tracks registered agents, their communication modes,
// and their liveness. Status and heartbeats are kept in memory; the
// durable registration row is mirrored to the agent repository so the
// assembled bootstrap context survives restarts.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kokino/kokino/internal/agent/models"
	"github.com/kokino/kokino/internal/agent/repository"
	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/events"
	"github.com/kokino/kokino/internal/events/bus"
)

// RegisterRequest contains parameters for registering an agent.
type RegisterRequest struct {
	ID         string
	Type       string
	CommMode   models.CommMode
	Role       string
	WorkingDir string
	ConfigID   string
	Metadata   map[string]interface{}
}

// Registry manages the set of registered agents.
type Registry struct {
	repo     repository.Repository
	eventBus bus.EventBus
	logger   *logger.Logger

	heartbeatInterval time.Duration

	agents map[string]*models.Agent
	mu     sync.RWMutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry creates a registry. heartbeatInterval is the cadence agents
// are expected to call Touch at; an agent silent for twice that long is
// marked offline by the liveness sweep.
func NewRegistry(repo repository.Repository, eventBus bus.EventBus, heartbeatInterval time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		repo:              repo,
		eventBus:          eventBus,
		logger:            log.WithFields(zap.String("component", "agent-registry")),
		heartbeatInterval: heartbeatInterval,
		agents:            make(map[string]*models.Agent),
		stopCh:            make(chan struct{}),
	}
}

// Start restores persisted agents and begins the liveness sweep.
// Restored agents come back offline until they heartbeat again.
func (r *Registry) Start(ctx context.Context) error {
	persisted, err := r.repo.ListAgents(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, agent := range persisted {
		agent.Status = models.AgentStatusOffline
		r.agents[agent.ID] = agent
	}
	restored := len(r.agents)
	r.mu.Unlock()

	if restored > 0 {
		r.logger.Info("restored agents from store", zap.Int("count", restored))
	}

	r.wg.Add(1)
	go r.livenessLoop(ctx)
	return nil
}

// Stop halts the liveness sweep.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Register adds an agent to the registry in the starting state. When the
// request names a config template, unset fields inherit from it.
func (r *Registry) Register(ctx context.Context, req *RegisterRequest) (*models.Agent, error) {
	if req.Type == "" && req.ConfigID == "" {
		return nil, apperrors.Validation("type", "agent type is required")
	}
	if req.CommMode != "" && !req.CommMode.Valid() {
		return nil, apperrors.Validation("commMode", "unknown communication mode")
	}

	agentType := req.Type
	commMode := req.CommMode
	workingDir := req.WorkingDir

	if req.ConfigID != "" {
		cfg, err := r.repo.GetConfig(ctx, req.ConfigID)
		if err != nil {
			return nil, err
		}
		if agentType == "" {
			agentType = cfg.Type
		}
		if commMode == "" {
			commMode = cfg.CommMode
		}
		if workingDir == "" {
			workingDir = cfg.WorkingDir
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now().UTC()
	agent := &models.Agent{
		ID:              id,
		Type:            agentType,
		CommMode:        models.DeriveCommMode(agentType, commMode),
		Role:            req.Role,
		WorkingDir:      workingDir,
		ConfigID:        req.ConfigID,
		Status:          models.AgentStatusStarting,
		BootstrapStatus: models.BootstrapPending,
		Metadata:        req.Metadata,
		LastSeen:        now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	r.mu.Lock()
	if existing, exists := r.agents[id]; exists && existing.Status != models.AgentStatusOffline {
		r.mu.Unlock()
		return nil, apperrors.Conflict("agent already registered: " + id)
	}
	r.agents[id] = agent
	r.mu.Unlock()

	if err := r.repo.SaveAgent(ctx, agent); err != nil {
		r.mu.Lock()
		delete(r.agents, id)
		r.mu.Unlock()
		return nil, err
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", id),
		zap.String("type", agentType),
		zap.String("comm_mode", string(agent.CommMode)))

	r.publishEvent(ctx, events.AgentRegistered, agent, nil)
	return r.snapshot(id)
}

// Get returns a snapshot of an agent by ID.
func (r *Registry) Get(id string) (*models.Agent, error) {
	return r.snapshot(id)
}

// List returns snapshots of all registered agents.
func (r *Registry) List() []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*models.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		clone := *agent
		agents = append(agents, &clone)
	}
	return agents
}

// UpdateStatus moves an agent to the given status. Setting the status the
// agent already has is a no-op and publishes nothing.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status models.AgentStatus) error {
	if !status.Valid() {
		return apperrors.Validation("status", "unknown agent status")
	}

	r.mu.Lock()
	agent, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return apperrors.NotFound("agent", id)
	}
	old := agent.Status
	if old == status {
		r.mu.Unlock()
		return nil
	}
	agent.Status = status
	agent.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.logger.Debug("agent status changed",
		zap.String("agent_id", id),
		zap.String("from", string(old)),
		zap.String("to", string(status)))

	r.publishEvent(ctx, events.AgentStatusChanged, agent, map[string]interface{}{
		"previous_status": string(old),
	})
	return nil
}

// Touch records a heartbeat. An offline agent that heartbeats again comes
// back as ready.
func (r *Registry) Touch(ctx context.Context, id string) error {
	r.mu.Lock()
	agent, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return apperrors.NotFound("agent", id)
	}
	agent.LastSeen = time.Now().UTC()
	revived := agent.Status == models.AgentStatusOffline
	r.mu.Unlock()

	if revived {
		return r.UpdateStatus(ctx, id, models.AgentStatusReady)
	}
	return nil
}

// SetBootstrapStatus records bootstrap progress for an agent.
func (r *Registry) SetBootstrapStatus(id string, status models.BootstrapStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[id]
	if !exists {
		return apperrors.NotFound("agent", id)
	}
	agent.BootstrapStatus = status
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

// SetContext stores the assembled bootstrap context for an agent, both in
// memory and in the durable row.
func (r *Registry) SetContext(ctx context.Context, id string, agentContext string) error {
	r.mu.Lock()
	agent, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return apperrors.NotFound("agent", id)
	}
	agent.Context = agentContext
	agent.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	return r.repo.UpdateAgentContext(ctx, id, agentContext)
}

// Delete removes an agent from the registry and the durable store.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	agent, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return apperrors.NotFound("agent", id)
	}
	delete(r.agents, id)
	r.mu.Unlock()

	if err := r.repo.DeleteAgent(ctx, id); err != nil && !apperrors.IsNotFound(err) {
		return err
	}

	r.logger.Info("agent deleted", zap.String("agent_id", id))
	r.publishEvent(ctx, events.AgentDeleted, agent, nil)
	return nil
}

func (r *Registry) snapshot(id string) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[id]
	if !exists {
		return nil, apperrors.NotFound("agent", id)
	}
	clone := *agent
	return &clone, nil
}

// livenessLoop marks agents offline when they miss two heartbeat windows.
func (r *Registry) livenessLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepStale(ctx)
		}
	}
}

func (r *Registry) sweepStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-2 * r.heartbeatInterval)

	r.mu.Lock()
	var stale []*models.Agent
	for _, agent := range r.agents {
		if agent.Status != models.AgentStatusOffline && agent.LastSeen.Before(cutoff) {
			agent.Status = models.AgentStatusOffline
			agent.UpdatedAt = time.Now().UTC()
			stale = append(stale, agent)
		}
	}
	r.mu.Unlock()

	for _, agent := range stale {
		r.logger.Warn("agent missed heartbeats, marking offline",
			zap.String("agent_id", agent.ID),
			zap.Time("last_seen", agent.LastSeen))
		r.publishEvent(ctx, events.AgentOffline, agent, nil)
	}
}

func (r *Registry) publishEvent(ctx context.Context, eventType string, agent *models.Agent, extra map[string]interface{}) {
	if r.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"agent_id":  agent.ID,
		"type":      agent.Type,
		"comm_mode": string(agent.CommMode),
		"status":    string(agent.Status),
	}
	for k, v := range extra {
		data[k] = v
	}

	event := bus.NewEvent(eventType, "agent-registry", data)
	subject := events.BuildMessageSubject(eventType, agent.ID)
	if err := r.eventBus.Publish(ctx, subject, event); err != nil {
		r.logger.Error("failed to publish agent event",
			zap.String("event_type", eventType),
			zap.String("agent_id", agent.ID),
			zap.Error(err))
	}
}

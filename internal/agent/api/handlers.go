package api

import (
	goerrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kokino/kokino/internal/agent/models"
	"github.com/kokino/kokino/internal/agent/registry"
	"github.com/kokino/kokino/internal/agent/repository"
	"github.com/kokino/kokino/internal/bootstrap"
	"github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/compaction"
)

// Handler contains HTTP handlers for the agent API.
type Handler struct {
	registry  *registry.Registry
	configs   repository.Repository
	bootstrap *bootstrap.Orchestrator
	monitor   *compaction.Monitor
	logger    *logger.Logger
}

// NewHandler creates a new agent API handler.
func NewHandler(
	reg *registry.Registry,
	configs repository.Repository,
	orch *bootstrap.Orchestrator,
	monitor *compaction.Monitor,
	log *logger.Logger,
) *Handler {
	return &Handler{
		registry:  reg,
		configs:   configs,
		bootstrap: orch,
		monitor:   monitor,
		logger:    log.WithFields(zap.String("component", "agent-api")),
	}
}

func writeError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if goerrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	fallback := errors.InternalError("request failed", err)
	c.JSON(fallback.HTTPStatus, fallback)
}

// RegisterAgent registers a new agent.
// POST /api/v1/agents
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	agent, err := h.registry.Register(c.Request.Context(), &registry.RegisterRequest{
		ID:         req.AgentID,
		Type:       req.Type,
		CommMode:   models.CommMode(req.CommMode),
		Role:       req.Role,
		WorkingDir: req.WorkingDir,
		ConfigID:   req.ConfigID,
		Metadata:   req.Metadata,
	})
	if err != nil {
		if !errors.IsConflict(err) && !errors.IsValidation(err) {
			h.logger.Error("failed to register agent", zap.Error(err))
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, agentToResponse(agent))
}

// ListAgents returns all registered agents.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.registry.List()

	resp := AgentsListResponse{
		Agents: make([]*AgentResponse, len(agents)),
		Total:  len(agents),
	}
	for i, a := range agents {
		resp.Agents[i] = agentToResponse(a)
	}
	c.JSON(http.StatusOK, resp)
}

// GetAgent returns a registered agent by ID.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.registry.Get(c.Param("agentId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agentToResponse(agent))
}

// DeleteAgent removes an agent from the registry.
// DELETE /api/v1/agents/:agentId
func (h *Handler) DeleteAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.registry.Delete(c.Request.Context(), agentID); err != nil {
		if !errors.IsNotFound(err) {
			h.logger.Error("failed to delete agent", zap.String("agent_id", agentID), zap.Error(err))
		}
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Heartbeat bumps an agent's liveness clock. A heartbeat from an offline
// agent revives it to ready.
// POST /api/v1/agents/:agentId/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.registry.Touch(c.Request.Context(), agentID); err != nil {
		writeError(c, err)
		return
	}

	agent, err := h.registry.Get(agentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(agent.Status)})
}

// UpdateStatus moves an agent to an explicit lifecycle status.
// PUT /api/v1/agents/:agentId/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	agentID := c.Param("agentId")

	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	status := models.AgentStatus(req.Status)
	if !status.Valid() {
		writeError(c, errors.Validation("status", "unknown agent status"))
		return
	}

	if err := h.registry.UpdateStatus(c.Request.Context(), agentID, status); err != nil {
		writeError(c, err)
		return
	}

	agent, err := h.registry.Get(agentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agentToResponse(agent))
}

// Config template endpoints

// CreateConfig creates a reusable agent config template.
// POST /api/v1/agent-configs
func (h *Handler) CreateConfig(c *gin.Context) {
	var req CreateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	mode := models.BootstrapMode(req.BootstrapMode)
	if req.BootstrapMode == "" {
		mode = models.BootstrapModeAuto
	}
	if !mode.Valid() {
		writeError(c, errors.Validation("bootstrapMode", "unknown bootstrap mode"))
		return
	}

	now := time.Now().UTC()
	cfg := &models.AgentConfig{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Type:           req.Type,
		CommMode:       models.CommMode(req.CommMode),
		WorkingDir:     req.WorkingDir,
		BootstrapMode:  mode,
		BootstrapFiles: req.BootstrapFiles,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := h.configs.SaveConfig(c.Request.Context(), cfg); err != nil {
		h.logger.Error("failed to save agent config", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

// ListConfigs returns all agent config templates.
// GET /api/v1/agent-configs
func (h *Handler) ListConfigs(c *gin.Context) {
	configs, err := h.configs.ListConfigs(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list agent configs", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ConfigsListResponse{Configs: configs, Total: len(configs)})
}

// GetConfig returns an agent config template by ID.
// GET /api/v1/agent-configs/:configId
func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.configs.GetConfig(c.Request.Context(), c.Param("configId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// DeleteConfig removes an agent config template.
// DELETE /api/v1/agent-configs/:configId
func (h *Handler) DeleteConfig(c *gin.Context) {
	if err := h.configs.DeleteConfig(c.Request.Context(), c.Param("configId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Bootstrap endpoints

// TriggerBootstrap runs a bootstrap strategy for an agent and stores the
// assembled context on success.
// POST /api/v1/agents/:agentId/bootstrap
func (h *Handler) TriggerBootstrap(c *gin.Context) {
	agentID := c.Param("agentId")

	var req BootstrapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	result, err := h.bootstrap.Run(c.Request.Context(), &bootstrap.Request{
		AgentID:           agentID,
		Mode:              models.BootstrapMode(req.Mode),
		Files:             req.Files,
		AdditionalContext: req.AdditionalContext,
		Script:            req.Script,
		Env:               req.Env,
	})
	if err != nil {
		if !errors.IsValidation(err) && !errors.IsNotFound(err) && !errors.IsBootstrapUnsafe(err) {
			h.logger.Error("bootstrap failed", zap.String("agent_id", agentID), zap.Error(err))
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, BootstrapResponse{
		Mode:            string(result.Mode),
		FilesLoaded:     result.FilesLoaded,
		ContextSize:     result.ContextSize,
		DurationSeconds: float64(result.DurationMs) / 1000.0,
	})
}

// BootstrapHistory returns an agent's bootstrap runs, most recent first.
// GET /api/v1/agents/:agentId/bootstrap/history
func (h *Handler) BootstrapHistory(c *gin.Context) {
	agentID := c.Param("agentId")
	limit := queryInt(c, "limit", 20)

	entries, err := h.bootstrap.History(c.Request.Context(), agentID, limit)
	if err != nil {
		h.logger.Error("failed to list bootstrap history", zap.String("agent_id", agentID), zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries, "total": len(entries)})
}

// Compaction endpoints

// TrackTurn folds one conversation turn into the agent's compaction window
// and returns the post-track status.
// POST /api/v1/agents/:agentId/compaction/track
func (h *Handler) TrackTurn(c *gin.Context) {
	agentID := c.Param("agentId")

	var req TrackTurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	status := h.monitor.TrackTurn(c.Request.Context(), agentID, compaction.Turn{
		Tokens:         req.Tokens,
		IsError:        req.IsError,
		IsConfusion:    req.IsConfusion,
		ResponseTimeMs: req.ResponseTimeMs,
	})
	c.JSON(http.StatusOK, status)
}

// CompactionStatus returns the agent's current compaction classification.
// GET /api/v1/agents/:agentId/compaction
func (h *Handler) CompactionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.monitor.GetStatus(c.Param("agentId")))
}

// ResetCompaction clears the agent's metrics window and deletes its
// persisted metric rows.
// POST /api/v1/agents/:agentId/compaction/reset
func (h *Handler) ResetCompaction(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.monitor.ResetMetrics(c.Request.Context(), agentID); err != nil {
		h.logger.Error("failed to reset compaction metrics", zap.String("agent_id", agentID), zap.Error(err))
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CompactionHistory returns the agent's per-turn metric rows.
// GET /api/v1/agents/:agentId/compaction/history
func (h *Handler) CompactionHistory(c *gin.Context) {
	agentID := c.Param("agentId")
	limit := queryInt(c, "limit", 50)

	rows, err := h.monitor.History(c.Request.Context(), agentID, limit)
	if err != nil {
		h.logger.Error("failed to list compaction history", zap.String("agent_id", agentID), zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": rows, "total": len(rows)})
}

// HealthCheck reports broker liveness.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().UTC()})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

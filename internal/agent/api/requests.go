// Package api provides HTTP handlers for the agent API: registration,
// liveness, config templates, bootstrap, and compaction monitoring.
package api

import (
	"time"

	"github.com/kokino/kokino/internal/agent/models"
)

// RegisterAgentRequest registers a new agent with the broker.
type RegisterAgentRequest struct {
	AgentID    string                 `json:"agentId,omitempty"`
	Type       string                 `json:"type,omitempty"`
	CommMode   string                 `json:"commMode,omitempty"`
	Role       string                 `json:"role,omitempty"`
	WorkingDir string                 `json:"workingDir,omitempty"`
	ConfigID   string                 `json:"configId,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// UpdateStatusRequest moves an agent to an explicit lifecycle status.
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// AgentResponse is the serialized view of a registered agent.
type AgentResponse struct {
	AgentID         string                 `json:"agentId"`
	Type            string                 `json:"type"`
	CommMode        string                 `json:"commMode"`
	Role            string                 `json:"role,omitempty"`
	WorkingDir      string                 `json:"workingDir,omitempty"`
	ConfigID        string                 `json:"configId,omitempty"`
	Status          string                 `json:"status"`
	BootstrapStatus string                 `json:"bootstrapStatus"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	LastSeen        time.Time              `json:"lastSeen"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

// AgentsListResponse lists registered agents.
type AgentsListResponse struct {
	Agents []*AgentResponse `json:"agents"`
	Total  int              `json:"total"`
}

// CreateConfigRequest creates a reusable agent config template.
type CreateConfigRequest struct {
	Name           string   `json:"name" binding:"required"`
	Type           string   `json:"type" binding:"required"`
	CommMode       string   `json:"commMode,omitempty"`
	WorkingDir     string   `json:"workingDir,omitempty"`
	BootstrapMode  string   `json:"bootstrapMode,omitempty"`
	BootstrapFiles []string `json:"bootstrapFiles,omitempty"`
}

// ConfigsListResponse lists agent config templates.
type ConfigsListResponse struct {
	Configs []*models.AgentConfig `json:"configs"`
	Total   int                   `json:"total"`
}

// BootstrapRequest triggers a bootstrap run for an agent.
type BootstrapRequest struct {
	Mode              string            `json:"mode" binding:"required"`
	Files             []string          `json:"files,omitempty"`
	AdditionalContext string            `json:"additionalContext,omitempty"`
	Script            string            `json:"script,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
}

// BootstrapResponse summarizes a successful bootstrap run.
type BootstrapResponse struct {
	Mode            string   `json:"mode"`
	FilesLoaded     []string `json:"filesLoaded"`
	ContextSize     int      `json:"contextSize"`
	DurationSeconds float64  `json:"durationSeconds"`
}

// TrackTurnRequest reports one conversation turn for compaction tracking.
type TrackTurnRequest struct {
	Tokens         int   `json:"tokens,omitempty"`
	IsError        bool  `json:"isError,omitempty"`
	IsConfusion    bool  `json:"isConfusion,omitempty"`
	ResponseTimeMs int64 `json:"responseTimeMs,omitempty"`
}

func agentToResponse(a *models.Agent) *AgentResponse {
	return &AgentResponse{
		AgentID:         a.ID,
		Type:            a.Type,
		CommMode:        string(a.CommMode),
		Role:            a.Role,
		WorkingDir:      a.WorkingDir,
		ConfigID:        a.ConfigID,
		Status:          string(a.Status),
		BootstrapStatus: string(a.BootstrapStatus),
		Metadata:        a.Metadata,
		LastSeen:        a.LastSeen,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

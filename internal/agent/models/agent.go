// Package models defines the agent data structures shared by the registry,
// executor, bootstrap, and API layers.
package models

import "time"

// AgentStatus represents the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusStarting AgentStatus = "starting"
	AgentStatusReady    AgentStatus = "ready"
	AgentStatusBusy     AgentStatus = "busy"
	AgentStatusError    AgentStatus = "error"
	AgentStatusOffline  AgentStatus = "offline"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusStarting, AgentStatusReady, AgentStatusBusy, AgentStatusError, AgentStatusOffline:
		return true
	}
	return false
}

// CommMode determines how tickets reach an agent.
type CommMode string

const (
	// CommModeHeadless invokes the agent CLI synchronously per ticket.
	CommModeHeadless CommMode = "headless"
	// CommModeTmux stores tickets for the agent to poll from its session.
	CommModeTmux CommMode = "tmux"
	// CommModeShadow delivers through both paths; tmux remains canonical.
	CommModeShadow CommMode = "shadow"
)

// Valid reports whether m is a known communication mode.
func (m CommMode) Valid() bool {
	switch m {
	case CommModeHeadless, CommModeTmux, CommModeShadow:
		return true
	}
	return false
}

// headlessTypes are the CLI types known to support one-shot invocation.
var headlessTypes = map[string]bool{
	"claude-code": true,
	"codex":       true,
	"gemini":      true,
	"amp":         true,
	"auggie":      true,
}

// DeriveCommMode picks the communication mode for an agent. An explicitly
// requested mode wins; otherwise known headless CLI types get headless and
// everything else falls back to tmux. Shadow is never derived implicitly.
func DeriveCommMode(agentType string, requested CommMode) CommMode {
	if requested != "" && requested.Valid() {
		return requested
	}
	if headlessTypes[agentType] {
		return CommModeHeadless
	}
	return CommModeTmux
}

// BootstrapMode selects how an agent's startup context is assembled.
type BootstrapMode string

const (
	BootstrapModeNone   BootstrapMode = "none"
	BootstrapModeAuto   BootstrapMode = "auto"
	BootstrapModeManual BootstrapMode = "manual"
	BootstrapModeCustom BootstrapMode = "custom"
)

// Valid reports whether m is a known bootstrap mode.
func (m BootstrapMode) Valid() bool {
	switch m {
	case BootstrapModeNone, BootstrapModeAuto, BootstrapModeManual, BootstrapModeCustom:
		return true
	}
	return false
}

// BootstrapStatus tracks an agent's progress through context loading.
type BootstrapStatus string

const (
	BootstrapPending    BootstrapStatus = "pending"
	BootstrapInProgress BootstrapStatus = "in_progress"
	BootstrapCompleted  BootstrapStatus = "completed"
	BootstrapFailed     BootstrapStatus = "failed"
	BootstrapReady      BootstrapStatus = "ready"
)

// Agent is a registered participant in the broker. Liveness fields are kept
// in memory by the registry; the durable part mirrors the agents table.
type Agent struct {
	ID              string                 `json:"agentId"`
	Type            string                 `json:"type"`
	CommMode        CommMode               `json:"commMode"`
	Role            string                 `json:"role,omitempty"`
	WorkingDir      string                 `json:"workingDir,omitempty"`
	ConfigID        string                 `json:"configId,omitempty"`
	Status          AgentStatus            `json:"status"`
	BootstrapStatus BootstrapStatus        `json:"bootstrapStatus"`
	Context         string                 `json:"-"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	LastSeen        time.Time              `json:"lastSeen"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

// AgentConfig is a reusable registration template. Registering with a
// config ID inherits its type, mode, working directory, and bootstrap
// settings; BootstrapCount tracks how many agents were bootstrapped from
// the template.
type AgentConfig struct {
	ID             string        `json:"configId"`
	Name           string        `json:"name"`
	Type           string        `json:"type"`
	CommMode       CommMode      `json:"commMode,omitempty"`
	WorkingDir     string        `json:"workingDir,omitempty"`
	BootstrapMode  BootstrapMode `json:"bootstrapMode"`
	BootstrapFiles []string      `json:"bootstrapFiles,omitempty"`
	BootstrapCount int           `json:"bootstrapCount"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

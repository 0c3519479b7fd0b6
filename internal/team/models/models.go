// Package models defines projects, teams, and team runs. A project groups
// teams, a team groups registered agents, and a team run records one group
// start or stop across the team's members.
package models

import "time"

// Project is a named grouping of teams.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Team is an ordered set of agent IDs under a project. Members are
// referenced by ID only; the registry remains the source of truth for
// agent state.
type Team struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	AgentIDs  []string  `json:"agentIds"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RunAction is the operation a team run applies to every member.
type RunAction string

const (
	RunActionStart RunAction = "start"
	RunActionStop  RunAction = "stop"
)

// Valid reports whether the action is a known run action.
func (a RunAction) Valid() bool {
	return a == RunActionStart || a == RunActionStop
}

// RunStatus describes the overall outcome of a team run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// AgentOutcome is the per-member result of a team run.
type AgentOutcome struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TeamRun records one group start or stop. Results holds an outcome per
// member agent; FinishedAt is nil while the run is in flight.
type TeamRun struct {
	ID         string                  `json:"id"`
	TeamID     string                  `json:"teamId"`
	Action     RunAction               `json:"action"`
	Status     RunStatus               `json:"status"`
	Results    map[string]AgentOutcome `json:"results"`
	StartedAt  time.Time               `json:"startedAt"`
	FinishedAt *time.Time              `json:"finishedAt,omitempty"`
}

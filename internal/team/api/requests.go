package api

import "github.com/kokino/kokino/internal/team/models"

// CreateProjectRequest is the payload for creating a project.
type CreateProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// UpdateProjectRequest is the payload for updating a project.
type UpdateProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// ProjectsListResponse wraps a project listing.
type ProjectsListResponse struct {
	Projects []*models.Project `json:"projects"`
	Total    int               `json:"total"`
}

// CreateTeamRequest is the payload for creating a team.
type CreateTeamRequest struct {
	Name     string   `json:"name" binding:"required"`
	AgentIDs []string `json:"agentIds"`
}

// UpdateTeamRequest is the payload for updating a team.
type UpdateTeamRequest struct {
	Name     string   `json:"name" binding:"required"`
	AgentIDs []string `json:"agentIds"`
}

// TeamsListResponse wraps a team listing.
type TeamsListResponse struct {
	Teams []*models.Team `json:"teams"`
	Total int            `json:"total"`
}

// RunTeamRequest is the payload for starting or stopping a team.
type RunTeamRequest struct {
	Action string `json:"action" binding:"required"`
}

// RunsListResponse wraps a team run listing.
type RunsListResponse struct {
	Runs  []*models.TeamRun `json:"runs"`
	Total int               `json:"total"`
}

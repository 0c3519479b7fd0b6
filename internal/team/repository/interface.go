// Package repository provides storage for projects, teams, and team runs.
package repository

import (
	"context"

	"github.com/kokino/kokino/internal/team/models"
)

// Repository stores projects, teams, and team runs.
type Repository interface {
	// CreateProject stores a new project.
	CreateProject(ctx context.Context, project *models.Project) error

	// GetProject retrieves a project by ID.
	GetProject(ctx context.Context, id string) (*models.Project, error)

	// ListProjects returns all projects ordered by creation time.
	ListProjects(ctx context.Context) ([]*models.Project, error)

	// UpdateProject replaces a project's name and description.
	UpdateProject(ctx context.Context, project *models.Project) error

	// DeleteProject removes a project. It fails with a conflict while the
	// project still has teams.
	DeleteProject(ctx context.Context, id string) error

	// CreateTeam stores a new team.
	CreateTeam(ctx context.Context, team *models.Team) error

	// GetTeam retrieves a team by ID.
	GetTeam(ctx context.Context, id string) (*models.Team, error)

	// ListTeams returns a project's teams ordered by creation time.
	ListTeams(ctx context.Context, projectID string) ([]*models.Team, error)

	// UpdateTeam replaces a team's name and member list.
	UpdateTeam(ctx context.Context, team *models.Team) error

	// DeleteTeam removes a team and its run history.
	DeleteTeam(ctx context.Context, id string) error

	// CreateRun stores a new team run in the running state.
	CreateRun(ctx context.Context, run *models.TeamRun) error

	// FinishRun records a run's final status and per-agent results.
	FinishRun(ctx context.Context, id string, status models.RunStatus, results map[string]models.AgentOutcome) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*models.TeamRun, error)

	// ListRuns returns a team's runs, most recent first, up to limit.
	ListRuns(ctx context.Context, teamID string, limit int) ([]*models.TeamRun, error)
}

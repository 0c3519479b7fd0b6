package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/team/models"
)

// MemoryRepository is an in-memory team store for tests and ephemeral runs.
type MemoryRepository struct {
	mu       sync.RWMutex
	projects map[string]*models.Project
	teams    map[string]*models.Team
	runs     map[string]*models.TeamRun
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory team repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects: make(map[string]*models.Project),
		teams:    make(map[string]*models.Team),
		runs:     make(map[string]*models.TeamRun),
	}
}

func cloneProject(p *models.Project) *models.Project {
	c := *p
	return &c
}

func cloneTeam(t *models.Team) *models.Team {
	c := *t
	c.AgentIDs = append([]string(nil), t.AgentIDs...)
	return &c
}

func cloneRun(r *models.TeamRun) *models.TeamRun {
	c := *r
	if r.Results != nil {
		c.Results = make(map[string]models.AgentOutcome, len(r.Results))
		for k, v := range r.Results {
			c.Results[k] = v
		}
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// CreateProject stores a new project.
func (m *MemoryRepository) CreateProject(_ context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.projects[project.ID]; exists {
		return apperrors.Conflict("project " + project.ID + " already exists")
	}
	m.projects[project.ID] = cloneProject(project)
	return nil
}

// GetProject retrieves a project by ID.
func (m *MemoryRepository) GetProject(_ context.Context, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	project, ok := m.projects[id]
	if !ok {
		return nil, apperrors.NotFound("project", id)
	}
	return cloneProject(project), nil
}

// ListProjects returns all projects ordered by creation time.
func (m *MemoryRepository) ListProjects(_ context.Context) ([]*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	projects := make([]*models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		projects = append(projects, cloneProject(p))
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.Before(projects[j].CreatedAt)
	})
	return projects, nil
}

// UpdateProject replaces a project's name and description.
func (m *MemoryRepository) UpdateProject(_ context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.projects[project.ID]
	if !ok {
		return apperrors.NotFound("project", project.ID)
	}
	existing.Name = project.Name
	existing.Description = project.Description
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteProject removes a project after verifying it has no teams.
func (m *MemoryRepository) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return apperrors.NotFound("project", id)
	}
	for _, team := range m.teams {
		if team.ProjectID == id {
			return apperrors.Conflict("project " + id + " still has teams")
		}
	}
	delete(m.projects, id)
	return nil
}

// CreateTeam stores a new team.
func (m *MemoryRepository) CreateTeam(_ context.Context, team *models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.teams[team.ID]; exists {
		return apperrors.Conflict("team " + team.ID + " already exists")
	}
	m.teams[team.ID] = cloneTeam(team)
	return nil
}

// GetTeam retrieves a team by ID.
func (m *MemoryRepository) GetTeam(_ context.Context, id string) (*models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	team, ok := m.teams[id]
	if !ok {
		return nil, apperrors.NotFound("team", id)
	}
	return cloneTeam(team), nil
}

// ListTeams returns a project's teams ordered by creation time.
func (m *MemoryRepository) ListTeams(_ context.Context, projectID string) ([]*models.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	teams := make([]*models.Team, 0)
	for _, t := range m.teams {
		if t.ProjectID == projectID {
			teams = append(teams, cloneTeam(t))
		}
	}
	sort.Slice(teams, func(i, j int) bool {
		return teams[i].CreatedAt.Before(teams[j].CreatedAt)
	})
	return teams, nil
}

// UpdateTeam replaces a team's name and member list.
func (m *MemoryRepository) UpdateTeam(_ context.Context, team *models.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.teams[team.ID]
	if !ok {
		return apperrors.NotFound("team", team.ID)
	}
	existing.Name = team.Name
	existing.AgentIDs = append([]string(nil), team.AgentIDs...)
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteTeam removes a team and its run history.
func (m *MemoryRepository) DeleteTeam(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[id]; !ok {
		return apperrors.NotFound("team", id)
	}
	delete(m.teams, id)
	for runID, run := range m.runs {
		if run.TeamID == id {
			delete(m.runs, runID)
		}
	}
	return nil
}

// CreateRun stores a new team run in the running state.
func (m *MemoryRepository) CreateRun(_ context.Context, run *models.TeamRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return apperrors.Conflict("team run " + run.ID + " already exists")
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

// FinishRun records a run's final status and per-agent results.
func (m *MemoryRepository) FinishRun(_ context.Context, id string, status models.RunStatus, results map[string]models.AgentOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return apperrors.NotFound("team run", id)
	}
	run.Status = status
	run.Results = make(map[string]models.AgentOutcome, len(results))
	for k, v := range results {
		run.Results[k] = v
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	return nil
}

// GetRun retrieves a run by ID.
func (m *MemoryRepository) GetRun(_ context.Context, id string) (*models.TeamRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, apperrors.NotFound("team run", id)
	}
	return cloneRun(run), nil
}

// ListRuns returns a team's runs, most recent first, up to limit.
func (m *MemoryRepository) ListRuns(_ context.Context, teamID string, limit int) ([]*models.TeamRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]*models.TeamRun, 0)
	for _, run := range m.runs {
		if run.TeamID == teamID {
			runs = append(runs, cloneRun(run))
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

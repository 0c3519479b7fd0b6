// Package service coordinates projects, teams, and team runs. A team run
// fans one lifecycle action out to every member agent concurrently and
// records a per-agent outcome; the registry stays the source of truth for
// individual agent state.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	agentmodels "github.com/kokino/kokino/internal/agent/models"
	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/events"
	"github.com/kokino/kokino/internal/events/bus"
	"github.com/kokino/kokino/internal/team/models"
	"github.com/kokino/kokino/internal/team/repository"
)

// Directory is the slice of the agent registry a team run needs.
type Directory interface {
	Get(id string) (*agentmodels.Agent, error)
	UpdateStatus(ctx context.Context, id string, status agentmodels.AgentStatus) error
}

// Service provides project and team management plus group runs.
type Service struct {
	repo     repository.Repository
	registry Directory
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService creates a team service.
func NewService(repo repository.Repository, registry Directory, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "team-service")),
	}
}

// CreateProject stores a new project.
func (s *Service) CreateProject(ctx context.Context, name, description string) (*models.Project, error) {
	if name == "" {
		return nil, apperrors.Validation("name", "project name is required")
	}

	now := time.Now().UTC()
	project := &models.Project{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// GetProject retrieves a project by ID.
func (s *Service) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.repo.GetProject(ctx, id)
}

// ListProjects returns all projects.
func (s *Service) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return s.repo.ListProjects(ctx)
}

// UpdateProject replaces a project's name and description.
func (s *Service) UpdateProject(ctx context.Context, id, name, description string) (*models.Project, error) {
	if name == "" {
		return nil, apperrors.Validation("name", "project name is required")
	}
	if err := s.repo.UpdateProject(ctx, &models.Project{ID: id, Name: name, Description: description}); err != nil {
		return nil, err
	}
	return s.repo.GetProject(ctx, id)
}

// DeleteProject removes an empty project.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	return s.repo.DeleteProject(ctx, id)
}

// CreateTeam stores a new team under an existing project. Members are not
// required to be registered yet; unknown members surface as failed
// outcomes when a run touches them.
func (s *Service) CreateTeam(ctx context.Context, projectID, name string, agentIDs []string) (*models.Team, error) {
	if name == "" {
		return nil, apperrors.Validation("name", "team name is required")
	}
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	team := &models.Team{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      name,
		AgentIDs:  agentIDs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateTeam(ctx, team); err != nil {
		return nil, err
	}
	return team, nil
}

// GetTeam retrieves a team by ID.
func (s *Service) GetTeam(ctx context.Context, id string) (*models.Team, error) {
	return s.repo.GetTeam(ctx, id)
}

// ListTeams returns a project's teams.
func (s *Service) ListTeams(ctx context.Context, projectID string) ([]*models.Team, error) {
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.repo.ListTeams(ctx, projectID)
}

// UpdateTeam replaces a team's name and member list.
func (s *Service) UpdateTeam(ctx context.Context, id, name string, agentIDs []string) (*models.Team, error) {
	if name == "" {
		return nil, apperrors.Validation("name", "team name is required")
	}
	if err := s.repo.UpdateTeam(ctx, &models.Team{ID: id, Name: name, AgentIDs: agentIDs}); err != nil {
		return nil, err
	}
	return s.repo.GetTeam(ctx, id)
}

// DeleteTeam removes a team and its run history.
func (s *Service) DeleteTeam(ctx context.Context, id string) error {
	return s.repo.DeleteTeam(ctx, id)
}

// GetRun retrieves a run by ID.
func (s *Service) GetRun(ctx context.Context, id string) (*models.TeamRun, error) {
	return s.repo.GetRun(ctx, id)
}

// ListRuns returns a team's runs, most recent first.
func (s *Service) ListRuns(ctx context.Context, teamID string, limit int) ([]*models.TeamRun, error) {
	if _, err := s.repo.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	return s.repo.ListRuns(ctx, teamID, limit)
}

// Run applies a start or stop action to every member of a team
// concurrently. Every member is attempted even when some fail; the run
// finishes as failed when any member outcome failed.
func (s *Service) Run(ctx context.Context, teamID string, action models.RunAction) (*models.TeamRun, error) {
	if !action.Valid() {
		return nil, apperrors.Validation("action", "action must be start or stop")
	}

	team, err := s.repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}

	run := &models.TeamRun{
		ID:        uuid.New().String(),
		TeamID:    team.ID,
		Action:    action,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.publishEvent(ctx, events.TeamRunStarted, run, map[string]interface{}{
		"members": len(team.AgentIDs),
	})

	target := agentmodels.AgentStatusReady
	if action == models.RunActionStop {
		target = agentmodels.AgentStatusOffline
	}

	var (
		mu      sync.Mutex
		results = make(map[string]models.AgentOutcome, len(team.AgentIDs))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, agentID := range team.AgentIDs {
		agentID := agentID
		g.Go(func() error {
			outcome := models.AgentOutcome{Success: true}
			if err := s.registry.UpdateStatus(gctx, agentID, target); err != nil {
				outcome = models.AgentOutcome{Error: err.Error()}
			}
			mu.Lock()
			results[agentID] = outcome
			mu.Unlock()
			// Member failures are recorded, not propagated, so the rest of
			// the team is still attempted.
			return nil
		})
	}
	_ = g.Wait()

	status := models.RunStatusCompleted
	failed := 0
	for _, outcome := range results {
		if !outcome.Success {
			failed++
		}
	}
	if failed > 0 {
		status = models.RunStatusFailed
	}

	if err := s.repo.FinishRun(ctx, run.ID, status, results); err != nil {
		return nil, err
	}

	finished, err := s.repo.GetRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("team run finished",
		zap.String("team_id", team.ID),
		zap.String("run_id", run.ID),
		zap.String("action", string(action)),
		zap.String("status", string(status)),
		zap.Int("members", len(team.AgentIDs)),
		zap.Int("failed", failed))
	s.publishEvent(ctx, events.TeamRunCompleted, finished, map[string]interface{}{
		"members": len(team.AgentIDs),
		"failed":  failed,
	})
	return finished, nil
}

func (s *Service) publishEvent(ctx context.Context, eventType string, run *models.TeamRun, extra map[string]interface{}) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"run_id":  run.ID,
		"team_id": run.TeamID,
		"action":  string(run.Action),
		"status":  string(run.Status),
	}
	for k, v := range extra {
		data[k] = v
	}

	event := bus.NewEvent(eventType, "team-service", data)
	subject := events.BuildMessageSubject(eventType, run.TeamID)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Error("failed to publish team run event",
			zap.String("event_type", eventType),
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
}

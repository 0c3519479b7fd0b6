package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentmodels "github.com/kokino/kokino/internal/agent/models"
	agentrepo "github.com/kokino/kokino/internal/agent/repository"
	"github.com/kokino/kokino/internal/agent/registry"
	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/team/models"
	"github.com/kokino/kokino/internal/team/repository"
)

type harness struct {
	service  *Service
	registry *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	reg := registry.NewRegistry(agentrepo.NewMemoryRepository(), nil, time.Minute, log)
	svc := NewService(repository.NewMemoryRepository(), reg, nil, log)
	return &harness{service: svc, registry: reg}
}

func (h *harness) register(t *testing.T, id string) {
	t.Helper()
	_, err := h.registry.Register(context.Background(), &registry.RegisterRequest{ID: id, Type: "claude-code"})
	require.NoError(t, err)
}

func (h *harness) team(t *testing.T, agentIDs ...string) *models.Team {
	t.Helper()
	ctx := context.Background()
	project, err := h.service.CreateProject(ctx, "acme", "")
	require.NoError(t, err)
	team, err := h.service.CreateTeam(ctx, project.ID, "builders", agentIDs)
	require.NoError(t, err)
	return team
}

func TestProjectLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	project, err := h.service.CreateProject(ctx, "acme", "internal tooling")
	require.NoError(t, err)
	assert.NotEmpty(t, project.ID)

	updated, err := h.service.UpdateProject(ctx, project.ID, "acme-core", "renamed")
	require.NoError(t, err)
	assert.Equal(t, "acme-core", updated.Name)

	projects, err := h.service.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)

	require.NoError(t, h.service.DeleteProject(ctx, project.ID))
	_, err = h.service.GetProject(ctx, project.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCreateProjectRequiresName(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.CreateProject(context.Background(), "", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestDeleteProjectWithTeamsConflicts(t *testing.T) {
	h := newHarness(t)
	team := h.team(t, "dev-1")

	err := h.service.DeleteProject(context.Background(), team.ProjectID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestCreateTeamRequiresProject(t *testing.T) {
	h := newHarness(t)

	_, err := h.service.CreateTeam(context.Background(), "missing", "builders", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestUpdateTeamReplacesMembers(t *testing.T) {
	h := newHarness(t)
	team := h.team(t, "dev-1")

	updated, err := h.service.UpdateTeam(context.Background(), team.ID, "builders", []string{"dev-1", "dev-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-1", "dev-2"}, updated.AgentIDs)
}

func TestRunStartsEveryMember(t *testing.T) {
	h := newHarness(t)
	h.register(t, "dev-1")
	h.register(t, "dev-2")
	team := h.team(t, "dev-1", "dev-2")
	ctx := context.Background()

	run, err := h.service.Run(ctx, team.ID, models.RunActionStart)
	require.NoError(t, err)

	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Len(t, run.Results, 2)
	assert.True(t, run.Results["dev-1"].Success)
	assert.True(t, run.Results["dev-2"].Success)
	require.NotNil(t, run.FinishedAt)

	for _, id := range []string{"dev-1", "dev-2"} {
		agent, err := h.registry.Get(id)
		require.NoError(t, err)
		assert.Equal(t, agentmodels.AgentStatusReady, agent.Status)
	}
}

func TestRunStopTakesMembersOffline(t *testing.T) {
	h := newHarness(t)
	h.register(t, "dev-1")
	team := h.team(t, "dev-1")
	ctx := context.Background()

	run, err := h.service.Run(ctx, team.ID, models.RunActionStop)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)

	agent, err := h.registry.Get("dev-1")
	require.NoError(t, err)
	assert.Equal(t, agentmodels.AgentStatusOffline, agent.Status)
}

func TestRunRecordsUnknownMembersAsFailed(t *testing.T) {
	h := newHarness(t)
	h.register(t, "dev-1")
	team := h.team(t, "dev-1", "ghost")
	ctx := context.Background()

	run, err := h.service.Run(ctx, team.ID, models.RunActionStart)
	require.NoError(t, err)

	// The healthy member is still attempted.
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.True(t, run.Results["dev-1"].Success)
	assert.False(t, run.Results["ghost"].Success)
	assert.NotEmpty(t, run.Results["ghost"].Error)

	agent, err := h.registry.Get("dev-1")
	require.NoError(t, err)
	assert.Equal(t, agentmodels.AgentStatusReady, agent.Status)
}

func TestRunRejectsUnknownAction(t *testing.T) {
	h := newHarness(t)
	team := h.team(t, "dev-1")

	_, err := h.service.Run(context.Background(), team.ID, models.RunAction("restart"))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestListRunsMostRecentFirst(t *testing.T) {
	h := newHarness(t)
	h.register(t, "dev-1")
	team := h.team(t, "dev-1")
	ctx := context.Background()

	first, err := h.service.Run(ctx, team.ID, models.RunActionStart)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := h.service.Run(ctx, team.ID, models.RunActionStop)
	require.NoError(t, err)

	runs, err := h.service.ListRuns(ctx, team.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, first.ID, runs[1].ID)

	limited, err := h.service.ListRuns(ctx, team.ID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, second.ID, limited[0].ID)
}

func TestDeleteTeamDropsRunHistory(t *testing.T) {
	h := newHarness(t)
	h.register(t, "dev-1")
	team := h.team(t, "dev-1")
	ctx := context.Background()

	run, err := h.service.Run(ctx, team.ID, models.RunActionStart)
	require.NoError(t, err)

	require.NoError(t, h.service.DeleteTeam(ctx, team.ID))
	_, err = h.service.GetRun(ctx, run.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

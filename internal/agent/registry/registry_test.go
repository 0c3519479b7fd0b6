package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/agent/models"
	"github.com/kokino/kokino/internal/agent/repository"
	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/events/bus"
)

func newTestRegistry(t *testing.T, heartbeat time.Duration) (*Registry, bus.EventBus) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	reg := NewRegistry(repository.NewMemoryRepository(), eventBus, heartbeat, log)
	t.Cleanup(func() { eventBus.Close() })
	return reg, eventBus
}

func TestRegisterDerivesCommMode(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	cases := []struct {
		agentType string
		requested models.CommMode
		want      models.CommMode
	}{
		{"claude-code", "", models.CommModeHeadless},
		{"codex", "", models.CommModeHeadless},
		{"aider", "", models.CommModeTmux},
		{"claude-code", models.CommModeTmux, models.CommModeTmux},
		{"aider", models.CommModeShadow, models.CommModeShadow},
	}

	for _, tc := range cases {
		agent, err := reg.Register(ctx, &RegisterRequest{Type: tc.agentType, CommMode: tc.requested})
		require.NoError(t, err)
		assert.Equal(t, tc.want, agent.CommMode, "type=%s requested=%s", tc.agentType, tc.requested)
		assert.Equal(t, models.AgentStatusStarting, agent.Status)
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	_, err := reg.Register(ctx, &RegisterRequest{ID: "worker-1", Type: "claude-code"})
	require.NoError(t, err)

	_, err = reg.Register(ctx, &RegisterRequest{ID: "worker-1", Type: "claude-code"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestRegisterFromConfigTemplate(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, reg.repo.SaveConfig(ctx, &models.AgentConfig{
		ID:            "cfg-reviewer",
		Name:          "Reviewer",
		Type:          "claude-code",
		WorkingDir:    "/srv/reviews",
		BootstrapMode: models.BootstrapModeAuto,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	agent, err := reg.Register(ctx, &RegisterRequest{ID: "reviewer-1", ConfigID: "cfg-reviewer"})
	require.NoError(t, err)
	assert.Equal(t, "claude-code", agent.Type)
	assert.Equal(t, models.CommModeHeadless, agent.CommMode)
	assert.Equal(t, "/srv/reviews", agent.WorkingDir)
}

func TestUpdateStatusIsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	agent, err := reg.Register(ctx, &RegisterRequest{Type: "claude-code"})
	require.NoError(t, err)

	require.NoError(t, reg.UpdateStatus(ctx, agent.ID, models.AgentStatusReady))
	require.NoError(t, reg.UpdateStatus(ctx, agent.ID, models.AgentStatusReady))

	got, err := reg.Get(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusReady, got.Status)
}

func TestTouchRevivesOfflineAgent(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	agent, err := reg.Register(ctx, &RegisterRequest{Type: "claude-code"})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateStatus(ctx, agent.ID, models.AgentStatusOffline))

	require.NoError(t, reg.Touch(ctx, agent.ID))

	got, err := reg.Get(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusReady, got.Status)
}

func TestSweepMarksSilentAgentsOffline(t *testing.T) {
	heartbeat := 10 * time.Millisecond
	reg, _ := newTestRegistry(t, heartbeat)
	ctx := context.Background()

	agent, err := reg.Register(ctx, &RegisterRequest{Type: "claude-code"})
	require.NoError(t, err)
	require.NoError(t, reg.UpdateStatus(ctx, agent.ID, models.AgentStatusReady))

	// Age the agent past two heartbeat windows, then sweep directly.
	reg.mu.Lock()
	reg.agents[agent.ID].LastSeen = time.Now().UTC().Add(-3 * heartbeat)
	reg.mu.Unlock()
	reg.sweepStale(ctx)

	got, err := reg.Get(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusOffline, got.Status)
}

func TestDeleteRemovesAgent(t *testing.T) {
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	agent, err := reg.Register(ctx, &RegisterRequest{Type: "claude-code"})
	require.NoError(t, err)
	require.NoError(t, reg.Delete(ctx, agent.ID))

	_, err = reg.Get(agent.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/agent/executor"
	agentmodels "github.com/kokino/kokino/internal/agent/models"
	agentrepo "github.com/kokino/kokino/internal/agent/repository"
	"github.com/kokino/kokino/internal/agent/registry"
	"github.com/kokino/kokino/internal/common/config"
	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/compaction"
	"github.com/kokino/kokino/internal/ticket/models"
	"github.com/kokino/kokino/internal/ticket/repository"
)

type harness struct {
	store    *Store
	registry *registry.Registry
	exec     *executor.StubExecutor
	repo     repository.Repository
	messages repository.MessageLog
}

func newHarness(t *testing.T, fallback FallbackController) *harness {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	reg := registry.NewRegistry(agentrepo.NewMemoryRepository(), nil, time.Minute, log)
	exec := executor.NewStubExecutor("done")
	repo := repository.NewMemoryRepository()
	messages := repository.NewMemoryMessageLog()

	cfg := config.TicketConfig{
		DefaultTimeoutMs: 5000,
		RetentionSeconds: 60,
		CleanupSeconds:   60,
		RetryDelayMs:     50,
	}

	st := NewStore(repo, messages, reg, exec, fallback, nil, cfg, log)
	t.Cleanup(st.Stop)

	return &harness{store: st, registry: reg, exec: exec, repo: repo, messages: messages}
}

func (h *harness) register(t *testing.T, id, agentType string) *agentmodels.Agent {
	t.Helper()
	agent, err := h.registry.Register(context.Background(), &registry.RegisterRequest{ID: id, Type: agentType})
	require.NoError(t, err)
	return agent
}

func (h *harness) awaitStatus(t *testing.T, ticketID string, want models.Status) *models.Ticket {
	t.Helper()
	var got *models.Ticket
	require.Eventually(t, func() bool {
		ticket, err := h.store.Get(context.Background(), ticketID)
		if err != nil {
			return false
		}
		got = ticket
		return ticket.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestHeadlessDeliveryAutoResponds(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "dev-1", "claude-code")

	ticket, err := h.store.Create(context.Background(), &CreateRequest{
		TargetAgent: "dev-1",
		Payload:     "review the diff",
		ExpectReply: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, ticket.Status)

	done := h.awaitStatus(t, ticket.ID, models.StatusResponded)
	require.NotNil(t, done.Response)
	assert.Equal(t, "done", done.Response.Payload)
	assert.Equal(t, ticket.ID, done.Response.Metadata["conversationId"])
	assert.Equal(t, true, done.Response.Metadata["success"])
	assert.Contains(t, done.Response.Metadata, "durationMs")
}

func TestUnknownAgentHoldsTicketPending(t *testing.T) {
	h := newHarness(t, nil)

	ticket, err := h.store.Create(context.Background(), &CreateRequest{
		TargetAgent: "ghost",
		Payload:     "hello",
	})
	require.NoError(t, err)

	// Give the dispatch goroutine time to (not) act.
	time.Sleep(50 * time.Millisecond)

	got, err := h.store.Get(context.Background(), ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Empty(t, h.exec.Calls())
}

func TestStoreAndForwardWithReverseTicket(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Both ends poll: neither agent type is headless.
	h.register(t, "lead", "custom")
	h.register(t, "dev-2", "custom")

	ticket, err := h.store.Create(ctx, &CreateRequest{
		TargetAgent: "dev-2",
		OriginAgent: "lead",
		Payload:     "split this task",
		ExpectReply: true,
	})
	require.NoError(t, err)

	pending, err := h.store.GetPending(ctx, "dev-2")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ticket.ID, pending[0].ID)

	acked, err := h.store.Acknowledge(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, acked.Status)

	responded, err := h.store.Respond(ctx, ticket.ID, "three subtasks", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResponded, responded.Status)

	// The response routes back to the polling origin as a reverse ticket.
	var reverse *models.Ticket
	require.Eventually(t, func() bool {
		tickets, err := h.store.GetPending(ctx, "lead")
		if err != nil || len(tickets) != 1 {
			return false
		}
		reverse = tickets[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "three subtasks", reverse.Payload)
	assert.Equal(t, "dev-2", reverse.OriginAgent)
	assert.False(t, reverse.ExpectReply)
	assert.True(t, reverse.IsReply())
	assert.Equal(t, ticket.ID, reverse.ReplyTo())
}

func TestReverseTicketDoesNotPingPong(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.register(t, "lead", "custom")
	h.register(t, "dev-2", "custom")

	ticket, err := h.store.Create(ctx, &CreateRequest{
		TargetAgent: "dev-2",
		OriginAgent: "lead",
		Payload:     "ping",
		ExpectReply: true,
	})
	require.NoError(t, err)

	_, err = h.store.Respond(ctx, ticket.ID, "pong", nil)
	require.NoError(t, err)

	var reverse *models.Ticket
	require.Eventually(t, func() bool {
		tickets, _ := h.store.GetPending(ctx, "lead")
		if len(tickets) != 1 {
			return false
		}
		reverse = tickets[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	// Responding to the reply must not spawn a third ticket.
	_, err = h.store.Respond(ctx, reverse.ID, "ack", nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	tickets, err := h.store.GetPending(ctx, "dev-2")
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestWaiterReceivesTimeout(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ticket, err := h.store.Create(ctx, &CreateRequest{
		TargetAgent: "ghost",
		Payload:     "anyone there",
		ExpectReply: true,
		TimeoutMs:   100,
	})
	require.NoError(t, err)

	ch, err := h.store.AddWaiter(ctx, ticket.ID)
	require.NoError(t, err)

	select {
	case resp := <-ch:
		assert.Nil(t, resp)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not receive timeout outcome")
	}

	got, err := h.store.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, got.Status)
}

func TestWaiterReceivesResponse(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ticket, err := h.store.Create(ctx, &CreateRequest{
		TargetAgent: "ghost",
		Payload:     "question",
		ExpectReply: true,
	})
	require.NoError(t, err)

	ch, err := h.store.AddWaiter(ctx, ticket.ID)
	require.NoError(t, err)

	_, err = h.store.Respond(ctx, ticket.ID, "answer", nil)
	require.NoError(t, err)

	select {
	case resp := <-ch:
		require.NotNil(t, resp)
		assert.Equal(t, "answer", resp.Payload)
	case <-time.After(time.Second):
		t.Fatal("waiter did not receive response")
	}
}

func TestWaiterRejectedAfterTerminal(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ticket, err := h.store.Create(ctx, &CreateRequest{
		TargetAgent: "ghost",
		ExpectReply: true,
	})
	require.NoError(t, err)

	_, err = h.store.Respond(ctx, ticket.ID, "early", nil)
	require.NoError(t, err)

	_, err = h.store.AddWaiter(ctx, ticket.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsConflict(err))
}

func TestWaiterRequiresExpectReply(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ticket, err := h.store.Create(ctx, &CreateRequest{
		TargetAgent: "ghost",
		ExpectReply: false,
	})
	require.NoError(t, err)

	_, err = h.store.AddWaiter(ctx, ticket.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestFirstTerminalTransitionWins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ticket, err := h.store.Create(ctx, &CreateRequest{
		TargetAgent: "ghost",
		ExpectReply: true,
	})
	require.NoError(t, err)

	responded, err := h.store.Respond(ctx, ticket.ID, "first", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResponded, responded.Status)

	// A late timeout must not overwrite the response.
	after, err := h.store.Timeout(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResponded, after.Status)
	require.NotNil(t, after.Response)
	assert.Equal(t, "first", after.Response.Payload)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ticket, err := h.store.Create(ctx, &CreateRequest{TargetAgent: "ghost"})
	require.NoError(t, err)

	_, err = h.store.Acknowledge(ctx, ticket.ID)
	require.NoError(t, err)

	again, err := h.store.Acknowledge(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, again.Status)
}

func TestAcknowledgeTerminalIsNoOp(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ticket, err := h.store.Create(ctx, &CreateRequest{TargetAgent: "ghost", ExpectReply: true})
	require.NoError(t, err)

	_, err = h.store.Respond(ctx, ticket.ID, "done", nil)
	require.NoError(t, err)

	// The acknowledgement must not disturb the terminal outcome.
	after, err := h.store.Acknowledge(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResponded, after.Status)
}

func TestDeliveredTicketDoesNotTimeout(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ticket, err := h.store.Create(ctx, &CreateRequest{TargetAgent: "ghost"})
	require.NoError(t, err)

	_, err = h.store.Acknowledge(ctx, ticket.ID)
	require.NoError(t, err)

	// An expiry racing the acknowledgement loses at the repository guard.
	after, err := h.store.Timeout(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, after.Status)

	won, err := h.repo.Transition(ctx, ticket.ID, models.StatusTimeout, nil)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestBusyExecutorRetries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.register(t, "dev-1", "claude-code")

	h.exec.Delay = 150 * time.Millisecond

	first, err := h.store.Create(ctx, &CreateRequest{TargetAgent: "dev-1", Payload: "one"})
	require.NoError(t, err)
	second, err := h.store.Create(ctx, &CreateRequest{TargetAgent: "dev-1", Payload: "two"})
	require.NoError(t, err)

	h.awaitStatus(t, first.ID, models.StatusResponded)
	h.awaitStatus(t, second.ID, models.StatusResponded)

	// Both tickets executed despite colliding on the per-agent lock.
	calls := h.exec.Calls()
	assert.Contains(t, calls, first.ID)
	assert.Contains(t, calls, second.ID)
}

func TestExecutorFailureFinalizesAsError(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.register(t, "dev-1", "claude-code")

	h.exec.Err = apperrors.ExecutorFailed("cli exploded", nil)

	ticket, err := h.store.Create(ctx, &CreateRequest{
		TargetAgent: "dev-1",
		ExpectReply: true,
	})
	require.NoError(t, err)

	ch, err := h.store.AddWaiter(ctx, ticket.ID)
	if err != nil {
		// The failure may have already finalized the ticket.
		assert.True(t, apperrors.IsConflict(err))
	} else {
		select {
		case resp := <-ch:
			assert.Nil(t, resp)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter did not receive error outcome")
		}
	}

	got := h.awaitStatus(t, ticket.ID, models.StatusError)
	assert.Nil(t, got.Response)

	agent, err := h.registry.Get("dev-1")
	require.NoError(t, err)
	assert.Equal(t, agentmodels.AgentStatusError, agent.Status)
}

type forceTmux struct{}

func (forceTmux) Override(agent *agentmodels.Agent) (agentmodels.CommMode, string, bool) {
	if agent.CommMode != agentmodels.CommModeHeadless {
		return "", "", false
	}
	return agentmodels.CommModeTmux, "compaction severity critical", true
}

func TestFallbackDivertsHeadlessToPolling(t *testing.T) {
	h := newHarness(t, forceTmux{})
	ctx := context.Background()
	h.register(t, "dev-1", "claude-code")

	ticket, err := h.store.Create(ctx, &CreateRequest{TargetAgent: "dev-1", Payload: "task"})
	require.NoError(t, err)

	var got *models.Ticket
	require.Eventually(t, func() bool {
		fresh, err := h.store.Get(ctx, ticket.ID)
		if err != nil {
			return false
		}
		got = fresh
		return got.Metadata["fallbackReason"] != nil
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "tmux", got.Metadata["fallbackMode"])
	assert.Equal(t, "compaction severity critical", got.Metadata["fallbackReason"])
	assert.Empty(t, h.exec.Calls())
}

func TestCompactionFallbackOverridesOnCritical(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)

	monitor := compaction.NewMonitor(config.CompactionConfig{
		WarningTurns:      50,
		CriticalTurns:     100,
		WarningTokens:     100000,
		CriticalTokens:    200000,
		WarningErrorRate:  0.2,
		CriticalErrorRate: 0.4,
	}, compaction.NewMemoryRepository(), nil, log)

	fallback := NewCompactionFallback(monitor)
	agent := &agentmodels.Agent{ID: "dev-1", CommMode: agentmodels.CommModeHeadless}

	_, _, ok := fallback.Override(agent)
	assert.False(t, ok)

	monitor.TrackTurn(context.Background(), "dev-1", compaction.Turn{Tokens: 200000})

	mode, reason, ok := fallback.Override(agent)
	require.True(t, ok)
	assert.Equal(t, agentmodels.CommModeTmux, mode)
	assert.Equal(t, "compaction severity critical", reason)

	// Polling agents are never diverted, whatever the severity.
	tmuxAgent := &agentmodels.Agent{ID: "dev-1", CommMode: agentmodels.CommModeTmux}
	_, _, ok = fallback.Override(tmuxAgent)
	assert.False(t, ok)
}

func TestShadowDeliveryKeepsTmuxCanonical(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	agent, err := h.registry.Register(ctx, &registry.RegisterRequest{
		ID:       "dev-1",
		Type:     "claude-code",
		CommMode: agentmodels.CommModeShadow,
	})
	require.NoError(t, err)
	require.Equal(t, agentmodels.CommModeShadow, agent.CommMode)

	ticket, err := h.store.Create(ctx, &CreateRequest{
		TargetAgent: "dev-1",
		Payload:     "compare paths",
		ExpectReply: true,
		TimeoutMs:   500,
	})
	require.NoError(t, err)

	// The headless probe runs but must not finalize the ticket.
	require.Eventually(t, func() bool {
		return len(h.exec.Calls()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, err := h.store.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	// The poll-side respond stays canonical.
	responded, err := h.store.Respond(ctx, ticket.ID, "from tmux", nil)
	require.NoError(t, err)
	assert.Equal(t, "from tmux", responded.Response.Payload)
}

func TestCreateValidatesTarget(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.store.Create(context.Background(), &CreateRequest{TargetAgent: ""})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestCreateDefaultsTimeout(t *testing.T) {
	h := newHarness(t, nil)

	ticket, err := h.store.Create(context.Background(), &CreateRequest{TargetAgent: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 5000, ticket.TimeoutMs)
}

func TestCreateDefaultsOrigin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ticket, err := h.store.Create(ctx, &CreateRequest{TargetAgent: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, "ui", ticket.Metadata["origin"])

	// A caller-supplied origin is preserved.
	ticket, err = h.store.Create(ctx, &CreateRequest{
		TargetAgent: "ghost",
		Metadata:    map[string]interface{}{"origin": "webhook"},
	})
	require.NoError(t, err)
	assert.Equal(t, "webhook", ticket.Metadata["origin"])
}

func TestReverseTicketCarriesResponseMetadata(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.register(t, "lead", "custom")
	h.register(t, "dev-2", "custom")

	ticket, err := h.store.Create(ctx, &CreateRequest{
		TargetAgent: "dev-2",
		OriginAgent: "lead",
		Payload:     "triage the bug",
		Metadata:    map[string]interface{}{"threadId": "th-7"},
		ExpectReply: true,
	})
	require.NoError(t, err)

	_, err = h.store.Respond(ctx, ticket.ID, "root cause found", map[string]interface{}{
		"confidence": "high",
	})
	require.NoError(t, err)

	var reverse *models.Ticket
	require.Eventually(t, func() bool {
		tickets, err := h.store.GetPending(ctx, "lead")
		if err != nil || len(tickets) != 1 {
			return false
		}
		reverse = tickets[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	// The respond metadata rides along and the forward ticket's threadId
	// keeps the reply in the same thread.
	assert.Equal(t, "high", reverse.Metadata["confidence"])
	assert.Equal(t, "th-7", reverse.Metadata["threadId"])
	assert.Equal(t, ticket.ID, reverse.ReplyTo())
	assert.True(t, reverse.IsReply())
}

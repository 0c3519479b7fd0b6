package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentmodels "github.com/kokino/kokino/internal/agent/models"
	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/common/logger"
	ticketmodels "github.com/kokino/kokino/internal/ticket/models"
)

func testLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func headlessAgent(id string) *agentmodels.Agent {
	return &agentmodels.Agent{ID: id, Type: "claude-code", CommMode: agentmodels.CommModeHeadless}
}

func testTicket(id, target string) *ticketmodels.Ticket {
	return &ticketmodels.Ticket{ID: id, TargetAgent: target, Payload: "summarize", TimeoutMs: 5000}
}

func TestCLIExecutorRunsCommand(t *testing.T) {
	e := NewCLIExecutor(testLogger(t))
	e.runner = func(ctx context.Context, dir, name string, args []string) (string, error) {
		assert.Equal(t, "claude", name)
		assert.Contains(t, args, "summarize")
		return "the summary", nil
	}

	result, err := e.Execute(context.Background(), headlessAgent("a1"), testTicket("t1", "a1"))
	require.NoError(t, err)
	assert.Equal(t, "the summary", result.Payload)
}

func TestCLIExecutorSerializesPerAgent(t *testing.T) {
	e := NewCLIExecutor(testLogger(t))

	started := make(chan struct{})
	release := make(chan struct{})
	var startOnce sync.Once
	e.runner = func(ctx context.Context, dir, name string, args []string) (string, error) {
		startOnce.Do(func() { close(started) })
		<-release
		return "done", nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := e.Execute(context.Background(), headlessAgent("a1"), testTicket("t1", "a1"))
		assert.NoError(t, err)
	}()

	<-started

	// Same agent: rejected while the first run holds the lock.
	_, err := e.Execute(context.Background(), headlessAgent("a1"), testTicket("t2", "a1"))
	require.Error(t, err)
	assert.True(t, apperrors.IsExecutorBusy(err))

	close(release)
	wg.Wait()

	// Lock is released after completion.
	_, err = e.Execute(context.Background(), headlessAgent("a1"), testTicket("t3", "a1"))
	assert.NoError(t, err)
}

func TestCLIExecutorIndependentAgents(t *testing.T) {
	e := NewCLIExecutor(testLogger(t))

	started := make(chan struct{})
	release := make(chan struct{})
	first := true
	var mu sync.Mutex
	e.runner = func(ctx context.Context, dir, name string, args []string) (string, error) {
		mu.Lock()
		if first {
			first = false
			mu.Unlock()
			close(started)
			<-release
			return "slow", nil
		}
		mu.Unlock()
		return "fast", nil
	}

	go func() {
		_, _ = e.Execute(context.Background(), headlessAgent("a1"), testTicket("t1", "a1"))
	}()
	<-started

	// A different agent is not blocked by a1's execution.
	result, err := e.Execute(context.Background(), headlessAgent("a2"), testTicket("t2", "a2"))
	require.NoError(t, err)
	assert.Equal(t, "fast", result.Payload)
	close(release)
}

func TestCLIExecutorTimeoutIsFailure(t *testing.T) {
	e := NewCLIExecutor(testLogger(t))
	e.runner = func(ctx context.Context, dir, name string, args []string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	ticket := testTicket("t1", "a1")
	ticket.TimeoutMs = 10

	_, err := e.Execute(context.Background(), headlessAgent("a1"), ticket)
	require.Error(t, err)
	// The CLI was reached, so this is an execution failure, not busy.
	assert.False(t, apperrors.IsExecutorBusy(err))
}

func TestCommandForUnknownType(t *testing.T) {
	_, _, err := commandFor("mystery-cli", "hello")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestCommandForCoversHeadlessSet(t *testing.T) {
	for _, agentType := range []string{"claude-code", "codex", "gemini", "amp", "auggie"} {
		name, args, err := commandFor(agentType, "hello")
		require.NoError(t, err, agentType)
		assert.NotEmpty(t, name)
		assert.Contains(t, args, "hello")
	}
}

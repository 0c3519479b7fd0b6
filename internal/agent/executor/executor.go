// Package executor invokes headless agent CLIs synchronously. Execution is
// serialized per agent: a second ticket for an agent whose CLI is still
// running is rejected with an executor-busy error so the delivery engine
// can retry it.
package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	agentmodels "github.com/kokino/kokino/internal/agent/models"
	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/common/logger"
	ticketmodels "github.com/kokino/kokino/internal/ticket/models"
)

// Result is the reply produced by a completed execution.
type Result struct {
	Payload    string
	Metadata   map[string]interface{}
	DurationMs int64
}

// Executor runs a ticket against a headless agent and returns its reply.
type Executor interface {
	Execute(ctx context.Context, agent *agentmodels.Agent, ticket *ticketmodels.Ticket) (*Result, error)
}

// agentLocks serializes executions per agent ID.
type agentLocks struct {
	mu      sync.Mutex
	running map[string]bool
}

func newAgentLocks() *agentLocks {
	return &agentLocks{running: make(map[string]bool)}
}

// acquire returns false when the agent is already executing.
func (l *agentLocks) acquire(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running[agentID] {
		return false
	}
	l.running[agentID] = true
	return true
}

func (l *agentLocks) release(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, agentID)
}

// CLIExecutor runs agent CLIs as one-shot subprocesses.
type CLIExecutor struct {
	locks  *agentLocks
	runner commandRunner
	logger *logger.Logger
}

var _ Executor = (*CLIExecutor)(nil)

// NewCLIExecutor creates an executor that shells out to the agent CLI.
func NewCLIExecutor(log *logger.Logger) *CLIExecutor {
	return &CLIExecutor{
		locks:  newAgentLocks(),
		runner: runCommand,
		logger: log.WithFields(zap.String("component", "cli-executor")),
	}
}

// Execute runs the ticket payload through the agent CLI. The ticket timeout
// bounds the subprocess; an expired deadline surfaces as an executor
// failure, not a delivery timeout, because the CLI was reached.
func (e *CLIExecutor) Execute(ctx context.Context, agent *agentmodels.Agent, ticket *ticketmodels.Ticket) (*Result, error) {
	if !e.locks.acquire(agent.ID) {
		return nil, apperrors.ExecutorBusy(agent.ID)
	}
	defer e.locks.release(agent.ID)

	name, args, err := commandFor(agent.Type, ticket.Payload)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(ticket.TimeoutMs) * time.Millisecond
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Debug("invoking agent cli",
		zap.String("agent_id", agent.ID),
		zap.String("ticket_id", ticket.ID),
		zap.String("cli", name))

	start := time.Now()
	output, err := e.runner(execCtx, agent.WorkingDir, name, args)
	elapsed := time.Since(start)

	if err != nil {
		e.logger.Warn("agent cli failed",
			zap.String("agent_id", agent.ID),
			zap.String("ticket_id", ticket.ID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, apperrors.ExecutorFailed("agent cli timed out", execCtx.Err())
		}
		return nil, apperrors.ExecutorFailed("agent cli failed", err)
	}

	return &Result{
		Payload:    output,
		DurationMs: elapsed.Milliseconds(),
	}, nil
}

// StubExecutor is a configurable in-process executor for tests.
type StubExecutor struct {
	mu    sync.Mutex
	locks *agentLocks

	// Delay simulates execution time while holding the agent lock.
	Delay time.Duration
	// Reply is the payload returned on success.
	Reply string
	// Err, when set, is returned instead of a result.
	Err error

	calls []string
}

var _ Executor = (*StubExecutor)(nil)

// NewStubExecutor creates a stub that replies with the given payload.
func NewStubExecutor(reply string) *StubExecutor {
	return &StubExecutor{locks: newAgentLocks(), Reply: reply}
}

// Execute returns the configured reply or error, honoring the per-agent
// lock the same way the real executor does.
func (s *StubExecutor) Execute(ctx context.Context, agent *agentmodels.Agent, ticket *ticketmodels.Ticket) (*Result, error) {
	if !s.locks.acquire(agent.ID) {
		return nil, apperrors.ExecutorBusy(agent.ID)
	}
	defer s.locks.release(agent.ID)

	s.mu.Lock()
	s.calls = append(s.calls, ticket.ID)
	delay, reply, err := s.Delay, s.Reply, s.Err
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, apperrors.ExecutorFailed("agent cli timed out", ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}
	return &Result{Payload: reply}, nil
}

// Calls returns the ticket IDs executed so far.
func (s *StubExecutor) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

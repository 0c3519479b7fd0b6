package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	agentmodels "github.com/kokino/kokino/internal/agent/models"
	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/events"
	"github.com/kokino/kokino/internal/ticket/models"
	"github.com/kokino/kokino/internal/ticket/repository"
)

// dispatch routes one ticket according to the target agent's communication
// mode. An unknown agent is not an error: the ticket stays pending until
// the agent registers and polls (store and forward).
func (s *Store) dispatch(ctx context.Context, ticket *models.Ticket) {
	agent, err := s.registry.Get(ticket.TargetAgent)
	if err != nil {
		s.logger.Debug("target agent not registered, ticket held pending",
			zap.String("ticket_id", ticket.ID),
			zap.String("target_agent", ticket.TargetAgent))
		return
	}

	mode := agent.CommMode
	if s.fallback != nil {
		if override, reason, ok := s.fallback.Override(agent); ok {
			s.logger.Warn("delivery mode overridden",
				zap.String("ticket_id", ticket.ID),
				zap.String("agent_id", agent.ID),
				zap.String("from", string(mode)),
				zap.String("to", string(override)),
				zap.String("reason", reason))
			mode = override
			s.annotateFallback(ctx, ticket, override, reason)
		}
	}

	switch mode {
	case agentmodels.CommModeHeadless:
		s.deliverHeadless(ctx, ticket, agent)
	case agentmodels.CommModeShadow:
		s.deliverShadow(ctx, ticket, agent)
	default:
		// tmux: the session poller drains pending tickets itself.
	}
}

// annotateFallback records the override on the ticket so operators can see
// why a headless agent's ticket sat in the polling queue.
func (s *Store) annotateFallback(ctx context.Context, ticket *models.Ticket, mode agentmodels.CommMode, reason string) {
	if ticket.Metadata == nil {
		ticket.Metadata = make(map[string]interface{}, 2)
	}
	ticket.Metadata["fallbackMode"] = string(mode)
	ticket.Metadata["fallbackReason"] = reason
	if err := s.repo.UpdateMetadata(ctx, ticket.ID, ticket.Metadata); err != nil {
		s.logger.Error("failed to annotate fallback",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
}

// deliverHeadless executes the ticket synchronously through the agent CLI.
// A successful run responds to the ticket on the agent's behalf. A busy
// executor is retried after a delay; any other failure finalizes the
// ticket as errored.
func (s *Store) deliverHeadless(ctx context.Context, ticket *models.Ticket, agent *agentmodels.Agent) {
	_ = s.registry.UpdateStatus(ctx, agent.ID, agentmodels.AgentStatusBusy)

	result, err := s.runner.Execute(ctx, agent, ticket)
	if err != nil {
		if apperrors.IsExecutorBusy(err) {
			s.scheduleRetry(ticket.ID)
			return
		}
		_ = s.registry.UpdateStatus(ctx, agent.ID, agentmodels.AgentStatusError)
		s.fail(ctx, ticket.ID, err)
		return
	}

	_ = s.registry.UpdateStatus(ctx, agent.ID, agentmodels.AgentStatusReady)

	metadata := map[string]interface{}{
		"conversationId": ticket.ID,
		"durationMs":     result.DurationMs,
		"success":        true,
	}
	for k, v := range result.Metadata {
		metadata[k] = v
	}

	if _, err := s.Respond(ctx, ticket.ID, result.Payload, metadata); err != nil {
		s.logger.Error("failed to record headless response",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
}

// scheduleRetry re-attempts delivery after the configured delay. The ticket
// is re-read first: if it went terminal or was picked up meanwhile, the
// retry is abandoned.
func (s *Store) scheduleRetry(ticketID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case <-time.After(s.cfg.RetryDelay()):
		case <-s.stopCh:
			return
		}

		ctx := context.Background()
		fresh, err := s.repo.Get(ctx, ticketID)
		if err != nil {
			if !apperrors.IsNotFound(err) {
				s.logger.Error("retry lookup failed", zap.String("ticket_id", ticketID), zap.Error(err))
			}
			return
		}
		if fresh.Status != models.StatusPending {
			return
		}

		s.logger.Debug("retrying delivery", zap.String("ticket_id", ticketID))
		s.dispatch(ctx, fresh)
	}()
}

// deliverShadow runs both delivery paths in parallel. The tmux path stays
// canonical: the ticket is left pending for the session poller and only a
// poll-side respond (or the timeout timer) finalizes it. The headless run
// is a probe whose result and duration are recorded for comparison but
// never attached to the ticket.
func (s *Store) deliverShadow(ctx context.Context, ticket *models.Ticket, agent *agentmodels.Agent) {
	var (
		probeDuration   int64 = -1
		probeErr        error
		primaryDuration int64 = -1
	)

	ch := make(chan *models.Response, 1)
	s.mu.Lock()
	s.waiters[ticket.ID] = append(s.waiters[ticket.ID], ch)
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		result, err := s.runner.Execute(gctx, agent, ticket)
		if err != nil {
			probeErr = err
			return nil
		}
		probeDuration = result.DurationMs
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		select {
		case resp := <-ch:
			// nil means the ticket finalized without a response.
			if resp != nil {
				primaryDuration = time.Since(start).Milliseconds()
			}
		case <-time.After(time.Duration(ticket.TimeoutMs) * time.Millisecond):
		case <-s.stopCh:
		}
		return nil
	})
	_ = g.Wait()

	extra := map[string]interface{}{
		"headlessDurationMs": probeDuration,
		"primaryDurationMs":  primaryDuration,
	}
	if probeErr != nil {
		extra["headlessError"] = probeErr.Error()
	}
	s.recordMessage(ctx, ticket, "message.shadow", extra)
	s.logger.Debug("shadow delivery compared",
		zap.String("ticket_id", ticket.ID),
		zap.Int64("headless_ms", probeDuration),
		zap.Int64("primary_ms", primaryDuration))
}

// replyMetadata seeds a reply carrier's metadata from the respond call so
// context like threadId rides back to the origin, then flags it as a reply.
// The forward ticket's threadId fills in when the responder omitted one.
func replyMetadata(ticket *models.Ticket, resp *models.Response) map[string]interface{} {
	metadata := make(map[string]interface{}, len(resp.Metadata)+2)
	for k, v := range resp.Metadata {
		metadata[k] = v
	}
	if _, set := metadata["threadId"]; !set {
		if v, ok := ticket.Metadata["threadId"]; ok {
			metadata["threadId"] = v
		}
	}
	metadata["replyTo"] = ticket.ID
	metadata["isReply"] = true
	return metadata
}

// routeReply sends a response back toward the origin agent. A headless
// origin gets the reply pushed through its CLI, fire and forget. A polling
// origin gets a reverse ticket that never expects its own reply. An
// unregistered origin is skipped; the response is already durable on the
// original ticket.
func (s *Store) routeReply(ctx context.Context, ticket *models.Ticket, resp *models.Response) {
	origin, err := s.registry.Get(ticket.OriginAgent)
	if err != nil {
		s.logger.Debug("origin agent not registered, reply not routed",
			zap.String("ticket_id", ticket.ID),
			zap.String("origin_agent", ticket.OriginAgent))
		return
	}

	if origin.CommMode == agentmodels.CommModeHeadless {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pushReply(context.Background(), ticket, origin, resp)
		}()
		return
	}

	reverse := &CreateRequest{
		TargetAgent: origin.ID,
		OriginAgent: ticket.TargetAgent,
		Payload:     resp.Payload,
		ExpectReply: false,
		Metadata:    replyMetadata(ticket, resp),
	}
	if _, err := s.Create(ctx, reverse); err != nil {
		s.logger.Error("failed to create reverse ticket",
			zap.String("ticket_id", ticket.ID),
			zap.String("origin_agent", origin.ID),
			zap.Error(err))
	}
}

// pushReply feeds a response into a headless origin's CLI. Failures are
// logged and surfaced as an error event but never retried: the original
// ticket is already terminal and must not be reopened.
func (s *Store) pushReply(ctx context.Context, ticket *models.Ticket, origin *agentmodels.Agent, resp *models.Response) {
	carrier := &models.Ticket{
		ID:          uuid.New().String(),
		TargetAgent: origin.ID,
		OriginAgent: ticket.TargetAgent,
		Payload:     resp.Payload,
		TimeoutMs:   s.cfg.DefaultTimeoutMs,
		Metadata:    replyMetadata(ticket, resp),
	}

	if _, err := s.runner.Execute(ctx, origin, carrier); err != nil {
		s.logger.Error("failed to push reply to origin",
			zap.String("ticket_id", ticket.ID),
			zap.String("origin_agent", origin.ID),
			zap.Error(err))
		if s.messages != nil {
			msg := &repository.Message{
				ID:          carrier.ID,
				TicketID:    ticket.ID,
				EventType:   events.MessageError,
				TargetAgent: origin.ID,
				OriginAgent: ticket.TargetAgent,
				Payload:     resp.Payload,
				Metadata:    map[string]interface{}{"error": err.Error()},
				CreatedAt:   time.Now().UTC(),
			}
			_ = s.messages.Record(ctx, msg)
		}
		s.publishEvent(ctx, events.MessageError, ticket, map[string]interface{}{
			"error":        err.Error(),
			"origin_agent": origin.ID,
		})
	}
}

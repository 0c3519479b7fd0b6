// Package store implements the ticket store and delivery engine. It owns
// the ticket lifecycle: creation, asynchronous delivery, acknowledgement,
// response fan-out to long-poll waiters, timeouts, and terminal cleanup.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kokino/kokino/internal/agent/executor"
	agentmodels "github.com/kokino/kokino/internal/agent/models"
	"github.com/kokino/kokino/internal/common/config"
	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/events"
	"github.com/kokino/kokino/internal/events/bus"
	"github.com/kokino/kokino/internal/ticket/models"
	"github.com/kokino/kokino/internal/ticket/repository"
)

// Directory is the slice of the agent registry the delivery engine needs:
// resolving targets and reflecting execution into agent status.
type Directory interface {
	Get(id string) (*agentmodels.Agent, error)
	UpdateStatus(ctx context.Context, id string, status agentmodels.AgentStatus) error
}

// CreateRequest carries the fields a caller supplies when submitting a
// ticket. Everything else (ID, status, timestamps) is assigned by the store.
type CreateRequest struct {
	TargetAgent string                 `json:"targetAgent"`
	OriginAgent string                 `json:"originAgent"`
	Payload     string                 `json:"payload"`
	Metadata    map[string]interface{} `json:"metadata"`
	ExpectReply bool                   `json:"expectReply"`
	TimeoutMs   int                    `json:"timeoutMs"`
}

// Store is the ticket store and delivery engine.
type Store struct {
	repo     repository.Repository
	messages repository.MessageLog
	registry Directory
	runner   executor.Executor
	fallback FallbackController
	eventBus bus.EventBus
	cfg      config.TicketConfig
	logger   *logger.Logger

	mu      sync.Mutex
	waiters map[string][]chan *models.Response
	timers  map[string]*time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore creates a ticket store. fallback may be nil to disable delivery
// mode overrides; messages may be nil to disable the durable traffic mirror.
func NewStore(
	repo repository.Repository,
	messages repository.MessageLog,
	registry Directory,
	runner executor.Executor,
	fallback FallbackController,
	eventBus bus.EventBus,
	cfg config.TicketConfig,
	log *logger.Logger,
) *Store {
	return &Store{
		repo:     repo,
		messages: messages,
		registry: registry,
		runner:   runner,
		fallback: fallback,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "ticket-store")),
		waiters:  make(map[string][]chan *models.Response),
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the terminal ticket cleanup sweep.
func (s *Store) Start() {
	s.wg.Add(1)
	go s.cleanupLoop()
}

// Stop halts background work and waits for in-flight deliveries to settle.
// Undelivered tickets stay pending in the repository; a restarted broker
// picks them up through agent polling.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// Create stores a new pending ticket and schedules its delivery. It never
// blocks on the target agent and never fails because the target is unknown:
// tickets for unregistered agents wait in the store until someone polls.
// The metadata origin key defaults to "ui" when the caller does not set it.
func (s *Store) Create(ctx context.Context, req *CreateRequest) (*models.Ticket, error) {
	if req.TargetAgent == "" {
		return nil, apperrors.Validation("targetAgent", "must not be empty")
	}

	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = s.cfg.DefaultTimeoutMs
	}

	metadata := req.Metadata
	if _, ok := metadata["origin"]; !ok {
		if metadata == nil {
			metadata = make(map[string]interface{}, 1)
		}
		metadata["origin"] = "ui"
	}

	now := time.Now().UTC()
	ticket := &models.Ticket{
		ID:          uuid.New().String(),
		TargetAgent: req.TargetAgent,
		OriginAgent: req.OriginAgent,
		Payload:     req.Payload,
		Metadata:    metadata,
		ExpectReply: req.ExpectReply,
		TimeoutMs:   timeoutMs,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Create(ctx, ticket); err != nil {
		return nil, err
	}

	// The timeout clock starts at creation, not delivery: a ticket nobody
	// ever picks up still reaches a terminal state.
	s.mu.Lock()
	s.timers[ticket.ID] = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		s.expire(ticket.ID)
	})
	s.mu.Unlock()

	s.recordMessage(ctx, ticket, events.MessageSent, nil)
	s.publishEvent(ctx, events.MessageSent, ticket, nil)

	s.logger.Debug("ticket created",
		zap.String("ticket_id", ticket.ID),
		zap.String("target_agent", ticket.TargetAgent),
		zap.String("origin_agent", ticket.OriginAgent))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(context.Background(), ticket)
	}()

	return ticket, nil
}

// Get retrieves a ticket by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.Ticket, error) {
	return s.repo.Get(ctx, id)
}

// GetPending returns the pending tickets addressed to an agent, oldest
// first. Polling agents drain their queue through this.
func (s *Store) GetPending(ctx context.Context, targetAgent string) ([]*models.Ticket, error) {
	return s.repo.GetPending(ctx, targetAgent)
}

// CountAll returns the number of tickets currently stored, any status.
func (s *Store) CountAll(ctx context.Context) (int, error) {
	return s.repo.CountAll(ctx)
}

// Acknowledge marks a pending ticket as picked up by its target. On any
// non-pending ticket it is a no-op returning the current state: delivered
// acknowledgements are idempotent and terminal outcomes are immutable.
func (s *Store) Acknowledge(ctx context.Context, id string) (*models.Ticket, error) {
	won, err := s.repo.Transition(ctx, id, models.StatusDelivered, nil)
	if err != nil {
		return nil, err
	}

	ticket, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !won {
		return ticket, nil
	}

	s.recordMessage(ctx, ticket, events.MessageDelivered, nil)
	s.publishEvent(ctx, events.MessageDelivered, ticket, nil)
	return ticket, nil
}

// Respond attaches a response to a ticket and finalizes it. The first
// terminal transition wins; responding to an already terminal ticket
// returns the ticket unchanged. On success the response fans out to every
// waiter and, when the ticket originated from an agent, routes back to it.
func (s *Store) Respond(ctx context.Context, id string, payload string, metadata map[string]interface{}) (*models.Ticket, error) {
	resp := &models.Response{
		Payload:  payload,
		Metadata: metadata,
		At:       time.Now().UTC(),
	}

	won, err := s.finalize(ctx, id, models.StatusResponded, resp)
	if err != nil {
		return nil, err
	}

	ticket, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !won {
		return ticket, nil
	}

	s.recordMessage(ctx, ticket, events.MessageResponded, map[string]interface{}{
		"latency_ms": resp.At.Sub(ticket.CreatedAt).Milliseconds(),
	})
	s.publishEvent(ctx, events.MessageResponded, ticket, nil)

	// Replies to replies would ping-pong between two agents forever.
	if ticket.OriginAgent != "" && !ticket.IsReply() {
		s.routeReply(ctx, ticket, resp)
	}
	return ticket, nil
}

// Timeout finalizes a pending ticket as timed out. Non-pending tickets are
// left alone: a delivered ticket has an agent working on it, and a terminal
// ticket is immutable. The pre-read is a fast path; the repository's
// pending-only timeout guard makes the check atomic against a concurrent
// acknowledgement.
func (s *Store) Timeout(ctx context.Context, id string) (*models.Ticket, error) {
	ticket, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket.Status != models.StatusPending {
		return ticket, nil
	}

	won, err := s.finalize(ctx, id, models.StatusTimeout, nil)
	if err != nil {
		return nil, err
	}
	ticket, err = s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if won {
		s.recordMessage(ctx, ticket, events.MessageTimeout, nil)
		s.publishEvent(ctx, events.MessageTimeout, ticket, nil)
	}
	return ticket, nil
}

// AddWaiter registers a one-shot channel that receives the ticket's
// response when it finalizes, or nil on timeout or error. Waiters cannot
// attach to terminal tickets; callers should read the stored outcome
// instead.
func (s *Store) AddWaiter(ctx context.Context, id string) (<-chan *models.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket.Status.Terminal() {
		return nil, apperrors.Conflict("ticket " + id + " is already " + string(ticket.Status))
	}
	if !ticket.ExpectReply {
		return nil, apperrors.BadRequest("ticket does not expect a reply")
	}

	ch := make(chan *models.Response, 1)
	s.waiters[id] = append(s.waiters[id], ch)
	return ch, nil
}

// finalize performs a terminal transition and, when it wins, fans resp out
// to every waiter and cancels the timeout timer. The repository write and
// the fan-out share the store mutex so a waiter registered concurrently
// either receives the outcome or is rejected by AddWaiter's terminal check.
func (s *Store) finalize(ctx context.Context, id string, to models.Status, resp *models.Response) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	won, err := s.repo.Transition(ctx, id, to, resp)
	if err != nil || !won {
		return won, err
	}

	for _, ch := range s.waiters[id] {
		ch <- resp
	}
	delete(s.waiters, id)

	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
	return true, nil
}

// expire runs when a ticket's timeout timer fires.
func (s *Store) expire(id string) {
	ctx := context.Background()
	if _, err := s.Timeout(ctx, id); err != nil && !apperrors.IsNotFound(err) {
		s.logger.Error("ticket expiry failed", zap.String("ticket_id", id), zap.Error(err))
	}
}

// fail finalizes a ticket as errored and fans nil out to waiters.
func (s *Store) fail(ctx context.Context, id string, cause error) {
	won, err := s.finalize(ctx, id, models.StatusError, nil)
	if err != nil {
		s.logger.Error("ticket error transition failed", zap.String("ticket_id", id), zap.Error(err))
		return
	}
	if !won {
		return
	}

	s.logger.Warn("ticket failed", zap.String("ticket_id", id), zap.Error(cause))
	if ticket, err := s.repo.Get(ctx, id); err == nil {
		s.recordMessage(ctx, ticket, events.MessageError, map[string]interface{}{
			"error": cause.Error(),
		})
		s.publishEvent(ctx, events.MessageError, ticket, map[string]interface{}{
			"error": cause.Error(),
		})
	}
}

// cleanupLoop periodically removes terminal tickets past retention.
func (s *Store) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-s.cfg.Retention())
			removed, err := s.repo.DeleteTerminalBefore(context.Background(), cutoff)
			if err != nil {
				s.logger.Error("ticket cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				s.logger.Debug("cleaned up terminal tickets", zap.Int("removed", removed))
			}
		}
	}
}

func (s *Store) recordMessage(ctx context.Context, ticket *models.Ticket, eventType string, extra map[string]interface{}) {
	if s.messages == nil {
		return
	}
	msg := &repository.Message{
		ID:          uuid.New().String(),
		TicketID:    ticket.ID,
		EventType:   eventType,
		TargetAgent: ticket.TargetAgent,
		OriginAgent: ticket.OriginAgent,
		Payload:     ticket.Payload,
		Metadata:    extra,
		CreatedAt:   time.Now().UTC(),
	}
	if eventType == events.MessageResponded && ticket.Response != nil {
		msg.Payload = ticket.Response.Payload
	}
	if err := s.messages.Record(ctx, msg); err != nil {
		s.logger.Error("failed to record message", zap.String("ticket_id", ticket.ID), zap.Error(err))
	}
}

func (s *Store) publishEvent(ctx context.Context, eventType string, ticket *models.Ticket, extra map[string]interface{}) {
	if s.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"ticket_id":    ticket.ID,
		"target_agent": ticket.TargetAgent,
		"status":       string(ticket.Status),
	}
	if ticket.OriginAgent != "" {
		data["origin_agent"] = ticket.OriginAgent
	}
	for k, v := range extra {
		data[k] = v
	}

	event := bus.NewEvent(eventType, "ticket-store", data)
	subject := events.BuildMessageSubject(eventType, ticket.TargetAgent)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.logger.Error("failed to publish ticket event",
			zap.String("event_type", eventType),
			zap.String("ticket_id", ticket.ID),
			zap.Error(err))
	}
}

package bus

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/common/logger"
)

// inboxSize bounds how far a slow handler can fall behind before events
// are dropped for that subscription.
const inboxSize = 256

// MemoryEventBus is the in-process bus. Every subscription gets its own
// inbox and dispatch goroutine, so one handler sees events in publish
// order and a slow handler never stalls publishers or other subscribers.
type MemoryEventBus struct {
	logger *logger.Logger

	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ EventBus = (*MemoryEventBus)(nil)

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern []string
	handler EventHandler
	inbox   chan *Event
}

// NewMemoryEventBus creates an empty in-process event bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger: log,
		subs:   make(map[*memorySubscription]struct{}),
	}
}

// Publish offers the event to every matching subscription's inbox. Full
// inboxes drop the event rather than blocking the publisher.
func (b *MemoryEventBus) Publish(_ context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return apperrors.Conflict("event bus is closed")
	}

	for sub := range b.subs {
		if !matchSubject(subject, sub.pattern) {
			continue
		}
		select {
		case sub.inbox <- event:
		default:
			b.logger.Warn("subscription inbox full, dropping event",
				zap.String("pattern", sub.subject),
				zap.String("subject", subject),
				zap.String("event_type", event.Type))
		}
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
		zap.String("event_id", event.ID))
	return nil
}

// Subscribe registers a handler for a subject pattern and starts its
// dispatch goroutine.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, apperrors.Conflict("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		subject: subject,
		pattern: strings.Split(subject, "."),
		handler: handler,
		inbox:   make(chan *Event, inboxSize),
	}
	b.subs[sub] = struct{}{}

	b.wg.Add(1)
	go sub.dispatch()

	b.logger.Debug("subscribed", zap.String("subject", subject))
	return sub, nil
}

// Close drops every subscription and waits for in-flight handlers.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.inbox)
	}
	b.subs = make(map[*memorySubscription]struct{})
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Debug("memory event bus closed")
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (s *memorySubscription) dispatch() {
	defer s.bus.wg.Done()
	for event := range s.inbox {
		if err := s.handler(context.Background(), event); err != nil {
			s.bus.logger.Error("event handler failed",
				zap.String("pattern", s.subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}
}

// Unsubscribe detaches the subscription and stops its dispatcher. Events
// already in the inbox are still delivered.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; !ok {
		return nil
	}
	delete(s.bus.subs, s)
	close(s.inbox)
	return nil
}

// matchSubject reports whether a concrete subject matches a pattern. "*"
// matches exactly one token, ">" matches one or more trailing tokens.
func matchSubject(subject string, pattern []string) bool {
	tokens := strings.Split(subject, ".")
	for i, p := range pattern {
		if p == ">" {
			return len(tokens) > i
		}
		if i >= len(tokens) {
			return false
		}
		if p != "*" && p != tokens[i] {
			return false
		}
	}
	return len(tokens) == len(pattern)
}

// Package bus provides the broker's event transport. The broker runs
// against the in-process bus by default; configuring a NATS URL swaps in
// the NATS-backed implementation so external monitors can tap the same
// subjects.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope published on every subject.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh ID and the current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler processes a delivered event. A returned error is logged by
// the bus, never retried.
type EventHandler func(ctx context.Context, event *Event) error

// EventBus publishes and subscribes to subjects. Subjects are dot-separated
// tokens; subscriptions may use NATS-style wildcards, "*" for one token and
// ">" for the rest of the subject.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close shuts the bus down and drops all subscriptions.
	Close()

	// IsConnected reports whether the bus can accept publishes.
	IsConnected() bool
}

// Subscription is a handle for cancelling a subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Package websocket relays broker events to monitoring clients. The hub
// subscribes to the monitor subjects on the event bus and fans every event
// out to each connected WebSocket client, optionally filtered per client.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/events"
	"github.com/kokino/kokino/internal/events/bus"
)

// Hub fans bus events out to connected monitor clients.
type Hub struct {
	eventBus bus.EventBus
	logger   *logger.Logger

	mu            sync.RWMutex
	clients       map[*Client]bool
	subscriptions []bus.Subscription
}

// NewHub creates a monitor hub on the event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "monitor-hub")),
		clients:  make(map[*Client]bool),
	}
}

// Start subscribes the hub to every monitor subject.
func (h *Hub) Start() error {
	for _, subject := range events.MonitorSubjects() {
		sub, err := h.eventBus.Subscribe(subject, h.relay)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.subscriptions = append(h.subscriptions, sub)
		h.mu.Unlock()
	}
	return nil
}

// Stop unsubscribes from the bus and disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = nil
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	for _, c := range clients {
		c.close()
	}
}

// Register adds a client to the broadcast set.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("monitor client connected", zap.String("client_id", c.ID), zap.Int("clients", count))
}

// Unregister removes a client from the broadcast set.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("monitor client disconnected", zap.String("client_id", c.ID), zap.Int("clients", count))
}

// relay is the bus handler: it serializes the event once and offers it to
// every client whose filter matches. Slow clients drop events rather than
// stalling the bus.
func (h *Hub) relay(_ context.Context, event *bus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.String("event_type", event.Type), zap.Error(err))
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(event.Type) {
			continue
		}
		c.offer(data)
	}
	return nil
}

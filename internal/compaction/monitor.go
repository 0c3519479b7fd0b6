package compaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kokino/kokino/internal/common/config"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/events"
	"github.com/kokino/kokino/internal/events/bus"
)

// minTurnsForErrorRate guards the error-rate signal against tiny samples:
// a single early failure would otherwise read as a 100% error rate.
const minTurnsForErrorRate = 10

// Status is the monitor's view of one agent: the current window, the
// combined severity, every signal that contributed, and a recommendation.
type Status struct {
	Metrics        Metrics  `json:"metrics"`
	Severity       Severity `json:"severity"`
	Reasons        []string `json:"reasons"`
	Recommendation string   `json:"recommendation"`
}

// Monitor tracks conversation metrics per agent and evaluates compaction
// urgency after every turn.
type Monitor struct {
	thresholds config.CompactionConfig
	repo       Repository
	eventBus   bus.EventBus
	logger     *logger.Logger

	mu           sync.Mutex
	metrics      map[string]*Metrics
	lastSeverity map[string]Severity
}

// NewMonitor creates a compaction monitor.
func NewMonitor(thresholds config.CompactionConfig, repo Repository, eventBus bus.EventBus, log *logger.Logger) *Monitor {
	return &Monitor{
		thresholds:   thresholds,
		repo:         repo,
		eventBus:     eventBus,
		logger:       log.WithFields(zap.String("component", "compaction-monitor")),
		metrics:      make(map[string]*Metrics),
		lastSeverity: make(map[string]Severity),
	}
}

// TrackTurn folds one conversation turn into the agent's window, persists
// a metric row at the new measurement time, re-evaluates severity, and
// publishes an event when it escalates. Returns the post-track status.
//
// The in-memory window is a cache over the metric rows: the first turn
// after a broker restart seeds it from the agent's latest persisted row,
// so counters survive restarts.
func (m *Monitor) TrackTurn(ctx context.Context, agentID string, turn Turn) Status {
	now := time.Now().UTC()

	m.mu.Lock()
	metrics, ok := m.metrics[agentID]
	if !ok {
		metrics = m.restoreWindow(ctx, agentID, now)
		m.metrics[agentID] = metrics
	}

	// Running average over turns, updated before the turn counter moves.
	total := metrics.AvgResponseMs*float64(metrics.ConversationTurns) + float64(turn.ResponseTimeMs)
	metrics.ConversationTurns++
	metrics.AvgResponseMs = total / float64(metrics.ConversationTurns)

	metrics.TotalTokens += turn.Tokens
	if turn.IsError {
		metrics.ErrorCount++
	}
	if turn.IsConfusion {
		metrics.ConfusionCount++
	}
	metrics.LastTurnAt = now

	status := m.evaluate(metrics)
	previous := m.lastSeverity[agentID]
	m.lastSeverity[agentID] = status.Severity
	row := &Metric{
		AgentID:           agentID,
		ConversationTurns: metrics.ConversationTurns,
		TotalTokens:       metrics.TotalTokens,
		ErrorCount:        metrics.ErrorCount,
		ConfusionCount:    metrics.ConfusionCount,
		AvgResponseMs:     metrics.AvgResponseMs,
		Severity:          status.Severity,
		MeasuredAt:        now,
	}
	m.mu.Unlock()

	// The window in memory stays authoritative for classification; a failed
	// row write loses one history point, not the signal.
	if err := m.repo.SaveMetric(ctx, row); err != nil {
		m.logger.Error("failed to persist compaction metric",
			zap.String("agent_id", agentID), zap.Error(err))
	}

	if status.Severity.rank() > previous.rank() {
		m.publishEscalation(ctx, agentID, &status)
	}
	return status
}

// restoreWindow rebuilds an agent's window from its latest persisted row.
// Callers must hold m.mu.
func (m *Monitor) restoreWindow(ctx context.Context, agentID string, now time.Time) *Metrics {
	metrics := &Metrics{AgentID: agentID, StartedAt: now}

	latest, err := m.repo.Latest(ctx, agentID)
	if err != nil {
		m.logger.Error("failed to load latest compaction metric",
			zap.String("agent_id", agentID), zap.Error(err))
		return metrics
	}
	if latest == nil {
		return metrics
	}

	metrics.ConversationTurns = latest.ConversationTurns
	metrics.TotalTokens = latest.TotalTokens
	metrics.ErrorCount = latest.ErrorCount
	metrics.ConfusionCount = latest.ConfusionCount
	metrics.AvgResponseMs = latest.AvgResponseMs
	metrics.LastTurnAt = latest.MeasuredAt
	return metrics
}

// CheckCompaction returns the current severity for an agent without
// recording a turn. Unknown agents report normal.
func (m *Monitor) CheckCompaction(agentID string) Severity {
	return m.GetStatus(agentID).Severity
}

// GetStatus returns the agent's metrics window and classification. An
// agent with no tracked turns (or one just reset) reports normal with no
// metrics available.
func (m *Monitor) GetStatus(agentID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, ok := m.metrics[agentID]
	if !ok {
		return Status{
			Metrics:        Metrics{AgentID: agentID},
			Severity:       SeverityNormal,
			Reasons:        []string{"no metrics available"},
			Recommendation: recommendationFor(SeverityNormal),
		}
	}
	return m.evaluate(metrics)
}

// ResetMetrics discards the agent's window and deletes every persisted
// metric row. Called after an agent compacts its context or restarts.
func (m *Monitor) ResetMetrics(ctx context.Context, agentID string) error {
	m.mu.Lock()
	delete(m.metrics, agentID)
	delete(m.lastSeverity, agentID)
	m.mu.Unlock()

	if err := m.repo.DeleteAll(ctx, agentID); err != nil {
		return err
	}

	m.logger.Info("compaction metrics reset", zap.String("agent_id", agentID))
	if m.eventBus != nil {
		event := bus.NewEvent(events.CompactionReset, "compaction-monitor", map[string]interface{}{
			"agent_id": agentID,
		})
		subject := events.BuildMessageSubject(events.CompactionReset, agentID)
		if err := m.eventBus.Publish(ctx, subject, event); err != nil {
			m.logger.Error("failed to publish reset event", zap.Error(err))
		}
	}
	return nil
}

// History returns an agent's persisted metric rows, most recent first.
func (m *Monitor) History(ctx context.Context, agentID string, limit int) ([]*Metric, error) {
	return m.repo.History(ctx, agentID, limit)
}

// evaluate combines the turn, token, and error-rate signals by max,
// collecting a reason for every signal that fired. Callers must hold m.mu.
func (m *Monitor) evaluate(metrics *Metrics) Status {
	t := m.thresholds
	var reasons []string

	turnsSeverity := SeverityNormal
	switch {
	case metrics.ConversationTurns >= t.CriticalTurns:
		turnsSeverity = SeverityCritical
		reasons = append(reasons, fmt.Sprintf("conversation turns %d reached critical threshold %d", metrics.ConversationTurns, t.CriticalTurns))
	case metrics.ConversationTurns >= t.WarningTurns:
		turnsSeverity = SeverityWarning
		reasons = append(reasons, fmt.Sprintf("conversation turns %d reached warning threshold %d", metrics.ConversationTurns, t.WarningTurns))
	}

	tokensSeverity := SeverityNormal
	switch {
	case metrics.TotalTokens >= t.CriticalTokens:
		tokensSeverity = SeverityCritical
		reasons = append(reasons, fmt.Sprintf("total tokens %d reached critical threshold %d", metrics.TotalTokens, t.CriticalTokens))
	case metrics.TotalTokens >= t.WarningTokens:
		tokensSeverity = SeverityWarning
		reasons = append(reasons, fmt.Sprintf("total tokens %d reached warning threshold %d", metrics.TotalTokens, t.WarningTokens))
	}

	rateSeverity := SeverityNormal
	if metrics.ConversationTurns > minTurnsForErrorRate {
		rate := metrics.ErrorRate()
		switch {
		case rate >= t.CriticalErrorRate:
			rateSeverity = SeverityCritical
			reasons = append(reasons, fmt.Sprintf("error rate %.2f reached critical threshold %.2f", rate, t.CriticalErrorRate))
		case rate >= t.WarningErrorRate:
			rateSeverity = SeverityWarning
			reasons = append(reasons, fmt.Sprintf("error rate %.2f reached warning threshold %.2f", rate, t.WarningErrorRate))
		}
	}

	severity := maxSeverity(turnsSeverity, tokensSeverity, rateSeverity)
	if len(reasons) == 0 {
		reasons = []string{"operating normally"}
	}

	return Status{
		Metrics:        *metrics,
		Severity:       severity,
		Reasons:        reasons,
		Recommendation: recommendationFor(severity),
	}
}

func recommendationFor(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return "compact the agent's context now"
	case SeverityWarning:
		return "plan a context compaction soon"
	}
	return "no action needed"
}

func (m *Monitor) publishEscalation(ctx context.Context, agentID string, status *Status) {
	m.logger.Warn("agent approaching compaction",
		zap.String("agent_id", agentID),
		zap.String("severity", string(status.Severity)),
		zap.Int("turns", status.Metrics.ConversationTurns),
		zap.Int("tokens", status.Metrics.TotalTokens))

	if m.eventBus == nil {
		return
	}

	eventType := events.CompactionWarning
	if status.Severity == SeverityCritical {
		eventType = events.CompactionCritical
	}
	event := bus.NewEvent(eventType, "compaction-monitor", map[string]interface{}{
		"agent_id":   agentID,
		"severity":   string(status.Severity),
		"reasons":    status.Reasons,
		"turns":      status.Metrics.ConversationTurns,
		"tokens":     status.Metrics.TotalTokens,
		"error_rate": status.Metrics.ErrorRate(),
	})
	subject := events.BuildMessageSubject(eventType, agentID)
	if err := m.eventBus.Publish(ctx, subject, event); err != nil {
		m.logger.Error("failed to publish compaction event", zap.Error(err))
	}
}

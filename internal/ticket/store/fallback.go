package store

import (
	"github.com/kokino/kokino/internal/agent/models"
	"github.com/kokino/kokino/internal/compaction"
)

// FallbackController decides whether a ticket should divert from the
// target agent's configured communication mode at delivery time.
type FallbackController interface {
	// Override returns the replacement mode and a human-readable reason.
	// ok is false when delivery should proceed as configured.
	Override(agent *models.Agent) (mode models.CommMode, reason string, ok bool)
}

// CompactionFallback diverts headless agents to the polling queue while
// their compaction severity is critical. Forcing a degraded agent through
// a synchronous CLI run tends to burn the ticket timeout on a confused
// context; parking the ticket lets the agent compact first.
type CompactionFallback struct {
	monitor *compaction.Monitor
}

var _ FallbackController = (*CompactionFallback)(nil)

// NewCompactionFallback creates a fallback controller on the monitor.
func NewCompactionFallback(monitor *compaction.Monitor) *CompactionFallback {
	return &CompactionFallback{monitor: monitor}
}

// Override diverts headless delivery to tmux when severity is critical.
func (f *CompactionFallback) Override(agent *models.Agent) (models.CommMode, string, bool) {
	if agent.CommMode != models.CommModeHeadless {
		return "", "", false
	}
	if f.monitor.CheckCompaction(agent.ID) != compaction.SeverityCritical {
		return "", "", false
	}
	return models.CommModeTmux, "compaction severity critical", true
}

// Package compaction watches per-agent conversation health and flags agents
// whose context is likely degrading and due for a reset.
package compaction

import "time"

// Severity classifies how urgently an agent needs compaction.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// rank orders severities so signals can be combined by max.
func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	}
	return 0
}

// maxSeverity returns the most urgent of the given severities.
func maxSeverity(severities ...Severity) Severity {
	result := SeverityNormal
	for _, s := range severities {
		if s.rank() > result.rank() {
			result = s
		}
	}
	return result
}

// Metrics accumulates one agent's conversation window since the last reset.
type Metrics struct {
	AgentID           string    `json:"agentId"`
	ConversationTurns int       `json:"conversationTurns"`
	TotalTokens       int       `json:"totalTokens"`
	ErrorCount        int       `json:"errorCount"`
	ConfusionCount    int       `json:"confusionCount"`
	AvgResponseMs     float64   `json:"avgResponseMs"`
	LastTurnAt        time.Time `json:"lastTurnAt"`
	StartedAt         time.Time `json:"startedAt"`
}

// ErrorRate returns the fraction of turns that errored. Confusion is
// tracked separately and does not feed this signal.
func (m *Metrics) ErrorRate() float64 {
	if m.ConversationTurns == 0 {
		return 0
	}
	return float64(m.ErrorCount) / float64(m.ConversationTurns)
}

// Turn describes one conversation exchange reported by an agent.
type Turn struct {
	Tokens         int   `json:"tokens"`
	IsError        bool  `json:"isError"`
	IsConfusion    bool  `json:"isConfusion"`
	ResponseTimeMs int64 `json:"responseTimeMs"`
}

// Metric is one persisted measurement row, written on every tracked turn.
// Rows are keyed by (agentId, measuredAt); a reset deletes all of an
// agent's rows.
type Metric struct {
	AgentID           string    `json:"agentId"`
	ConversationTurns int       `json:"conversationTurns"`
	TotalTokens       int       `json:"totalTokens"`
	ErrorCount        int       `json:"errorCount"`
	ConfusionCount    int       `json:"confusionCount"`
	AvgResponseMs     float64   `json:"avgResponseMs"`
	Severity          Severity  `json:"severity"`
	MeasuredAt        time.Time `json:"measuredAt"`
}

package compaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/common/config"
	"github.com/kokino/kokino/internal/common/logger"
)

func testThresholds() config.CompactionConfig {
	return config.CompactionConfig{
		WarningTurns:      50,
		CriticalTurns:     100,
		WarningTokens:     100000,
		CriticalTokens:    200000,
		WarningErrorRate:  0.2,
		CriticalErrorRate: 0.4,
	}
}

func newTestMonitor(t *testing.T) *Monitor {
	return newTestMonitorWithRepo(t, NewMemoryRepository())
}

func newTestMonitorWithRepo(t *testing.T, repo Repository) *Monitor {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return NewMonitor(testThresholds(), repo, nil, log)
}

func trackTurns(m *Monitor, agentID string, n int, turn Turn) Status {
	var status Status
	for i := 0; i < n; i++ {
		status = m.TrackTurn(context.Background(), agentID, turn)
	}
	return status
}

func TestTurnThresholds(t *testing.T) {
	m := newTestMonitor(t)

	assert.Equal(t, SeverityNormal, trackTurns(m, "a1", 49, Turn{}).Severity)
	assert.Equal(t, SeverityWarning, trackTurns(m, "a1", 1, Turn{}).Severity)
	assert.Equal(t, SeverityWarning, trackTurns(m, "a1", 49, Turn{}).Severity)
	assert.Equal(t, SeverityCritical, trackTurns(m, "a1", 1, Turn{}).Severity)
}

func TestTokenThresholds(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	assert.Equal(t, SeverityNormal, m.TrackTurn(ctx, "a1", Turn{Tokens: 99999}).Severity)
	assert.Equal(t, SeverityWarning, m.TrackTurn(ctx, "a1", Turn{Tokens: 1}).Severity)

	status := m.TrackTurn(ctx, "a1", Turn{Tokens: 100000})
	assert.Equal(t, SeverityCritical, status.Severity)
}

func TestErrorRateNeedsSample(t *testing.T) {
	m := newTestMonitor(t)

	// Every turn errors, but the signal stays quiet through ten turns.
	assert.Equal(t, SeverityNormal, trackTurns(m, "a1", 10, Turn{IsError: true}).Severity)
	// The eleventh turn crosses the sample floor at a 100% error rate.
	assert.Equal(t, SeverityCritical, trackTurns(m, "a1", 1, Turn{IsError: true}).Severity)
}

func TestErrorRateWarning(t *testing.T) {
	m := newTestMonitor(t)

	// 3 errors over 12 turns = 0.25: above warning, below critical.
	trackTurns(m, "a1", 3, Turn{IsError: true})
	status := trackTurns(m, "a1", 9, Turn{})
	assert.Equal(t, SeverityWarning, status.Severity)
}

func TestConfusionDoesNotInflateErrorRate(t *testing.T) {
	m := newTestMonitor(t)

	// Half the turns show confusion but none error: the error-rate signal
	// stays silent and severity remains normal.
	trackTurns(m, "a1", 10, Turn{IsConfusion: true})
	status := trackTurns(m, "a1", 10, Turn{})
	assert.Equal(t, SeverityNormal, status.Severity)
	assert.Equal(t, 10, status.Metrics.ConfusionCount)
	assert.InDelta(t, 0.0, status.Metrics.ErrorRate(), 0.001)
}

func TestSeverityIsMaxOfSignals(t *testing.T) {
	m := newTestMonitor(t)

	// Token signal critical while turn signal is still normal.
	status := m.TrackTurn(context.Background(), "a1", Turn{Tokens: 200000})
	assert.Equal(t, SeverityCritical, status.Severity)
	require.Len(t, status.Reasons, 1)
	assert.Contains(t, status.Reasons[0], "total tokens")
	assert.Equal(t, SeverityCritical, m.CheckCompaction("a1"))
}

func TestReasonsEnumerateAllSignals(t *testing.T) {
	m := newTestMonitor(t)

	status := trackTurns(m, "a1", 100, Turn{Tokens: 2000})
	// Turns critical and tokens critical both contribute.
	assert.Equal(t, SeverityCritical, status.Severity)
	assert.Len(t, status.Reasons, 2)
}

func TestNormalStatusReason(t *testing.T) {
	m := newTestMonitor(t)

	status := m.TrackTurn(context.Background(), "a1", Turn{Tokens: 10})
	assert.Equal(t, SeverityNormal, status.Severity)
	assert.Equal(t, []string{"operating normally"}, status.Reasons)
	assert.Equal(t, "no action needed", status.Recommendation)
}

func TestTrackTurnPersistsMetricRows(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	trackTurns(m, "a1", 5, Turn{Tokens: 100, IsError: true})

	history, err := m.History(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, history, 5)
	// Most recent first, counters cumulative per row.
	assert.Equal(t, 5, history[0].ConversationTurns)
	assert.Equal(t, 500, history[0].TotalTokens)
	assert.Equal(t, 5, history[0].ErrorCount)
	assert.Equal(t, 1, history[4].ConversationTurns)
}

func TestResetClearsWindowAndDeletesRows(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	trackTurns(m, "a1", 60, Turn{Tokens: 1000})
	require.Equal(t, SeverityWarning, m.CheckCompaction("a1"))

	history, err := m.History(ctx, "a1", 100)
	require.NoError(t, err)
	require.Len(t, history, 60)

	require.NoError(t, m.ResetMetrics(ctx, "a1"))

	status := m.GetStatus("a1")
	assert.Equal(t, SeverityNormal, status.Severity)
	assert.Equal(t, []string{"no metrics available"}, status.Reasons)
	assert.Equal(t, 0, status.Metrics.ConversationTurns)

	history, err = m.History(ctx, "a1", 100)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRestartResumesFromPersistedRows(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	trackTurns(newTestMonitorWithRepo(t, repo), "a1", 30, Turn{Tokens: 500, IsError: true})

	// A fresh monitor over the same repository models a broker restart:
	// the next turn continues the persisted counters.
	m := newTestMonitorWithRepo(t, repo)
	status := m.TrackTurn(ctx, "a1", Turn{Tokens: 500})
	assert.Equal(t, 31, status.Metrics.ConversationTurns)
	assert.Equal(t, 15500, status.Metrics.TotalTokens)
	assert.Equal(t, 30, status.Metrics.ErrorCount)
}

func TestUnknownAgentReportsNoMetrics(t *testing.T) {
	m := newTestMonitor(t)

	status := m.GetStatus("ghost")
	assert.Equal(t, SeverityNormal, status.Severity)
	assert.Equal(t, []string{"no metrics available"}, status.Reasons)
}

func TestAvgResponseTime(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	m.TrackTurn(ctx, "a1", Turn{ResponseTimeMs: 100})
	status := m.TrackTurn(ctx, "a1", Turn{ResponseTimeMs: 300})
	assert.InDelta(t, 200.0, status.Metrics.AvgResponseMs, 0.001)
}

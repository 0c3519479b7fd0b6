// Package events provides event types and utilities for the Kokino event system.
package events

// Event types for tickets
const (
	MessageSent      = "message.sent"
	MessageDelivered = "message.delivered"
	MessageResponded = "message.responded"
	MessageTimeout   = "message.timeout"
	MessageError     = "message.error"
)

// Event types for agents
const (
	AgentRegistered    = "agent.registered"
	AgentStatusChanged = "agent.status_changed"
	AgentOffline       = "agent.offline"
	AgentDeleted       = "agent.deleted"
)

// Event types for bootstrap runs
const (
	BootstrapStarted   = "bootstrap.started"
	BootstrapCompleted = "bootstrap.completed"
	BootstrapFailed    = "bootstrap.failed"
)

// Event types for compaction monitoring
const (
	CompactionWarning  = "compaction.warning"
	CompactionCritical = "compaction.critical"
	CompactionReset    = "compaction.reset"
)

// Event types for team runs
const (
	TeamRunStarted   = "team_run.started"
	TeamRunCompleted = "team_run.completed"
)

// BuildMessageSubject creates a message subject scoped to a target agent so
// monitors can subscribe to a single agent's traffic.
func BuildMessageSubject(eventType, agentID string) string {
	return eventType + "." + agentID
}

// BuildMessageWildcardSubject creates a wildcard subscription for all events
// of the given message type.
func BuildMessageWildcardSubject(eventType string) string {
	return eventType + ".*"
}

// MonitorSubjects returns the wildcard subjects the monitor feed relays to
// WebSocket clients.
func MonitorSubjects() []string {
	return []string{
		"message.>",
		"agent.>",
		"bootstrap.>",
		"compaction.>",
		"team_run.>",
	}
}

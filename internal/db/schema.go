package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schemaStatements holds the embedded store schema. All statements are
// idempotent and written in the common subset of SQLite and PostgreSQL:
// TEXT primary keys, JSON stored as TEXT, timestamps as TIMESTAMP.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		id            TEXT PRIMARY KEY,
		target_agent  TEXT NOT NULL,
		origin_agent  TEXT NOT NULL DEFAULT '',
		payload       TEXT NOT NULL DEFAULT '',
		metadata      TEXT NOT NULL DEFAULT '{}',
		expect_reply  BOOLEAN NOT NULL DEFAULT FALSE,
		timeout_ms    INTEGER NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending',
		response      TEXT,
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	)`,

	// Pending lookup is the hot path: getPending filters by target and status.
	`CREATE INDEX IF NOT EXISTS idx_tickets_target_status
		ON tickets (target_agent, status)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_status_updated
		ON tickets (status, updated_at)`,

	`CREATE TABLE IF NOT EXISTS agents (
		id          TEXT PRIMARY KEY,
		agent_type  TEXT NOT NULL,
		comm_mode   TEXT NOT NULL,
		role        TEXT NOT NULL DEFAULT '',
		working_dir TEXT NOT NULL DEFAULT '',
		config_id   TEXT,
		context     TEXT NOT NULL DEFAULT '',
		metadata    TEXT NOT NULL DEFAULT '{}',
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS agent_configs (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		agent_type      TEXT NOT NULL,
		comm_mode       TEXT NOT NULL DEFAULT '',
		working_dir     TEXT NOT NULL DEFAULT '',
		bootstrap_mode  TEXT NOT NULL DEFAULT 'auto',
		bootstrap_files TEXT NOT NULL DEFAULT '[]',
		bootstrap_count INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS teams (
		id         TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id),
		name       TEXT NOT NULL,
		agent_ids  TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS team_runs (
		id          TEXT PRIMARY KEY,
		team_id     TEXT NOT NULL REFERENCES teams(id),
		action      TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'running',
		results     TEXT NOT NULL DEFAULT '{}',
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS bootstrap_history (
		id            TEXT PRIMARY KEY,
		agent_id      TEXT NOT NULL,
		mode          TEXT NOT NULL,
		success       BOOLEAN NOT NULL DEFAULT FALSE,
		files_loaded  TEXT NOT NULL DEFAULT '[]',
		context_size  INTEGER NOT NULL DEFAULT 0,
		duration_ms   INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		started_at    TIMESTAMP NOT NULL,
		completed_at  TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bootstrap_history_agent
		ON bootstrap_history (agent_id, started_at)`,

	`CREATE TABLE IF NOT EXISTS compaction_metrics (
		agent_id           TEXT NOT NULL,
		conversation_turns INTEGER NOT NULL DEFAULT 0,
		total_tokens       INTEGER NOT NULL DEFAULT 0,
		error_count        INTEGER NOT NULL DEFAULT 0,
		confusion_count    INTEGER NOT NULL DEFAULT 0,
		avg_response_ms    REAL NOT NULL DEFAULT 0,
		severity           TEXT NOT NULL DEFAULT 'normal',
		measured_at        TIMESTAMP NOT NULL,
		PRIMARY KEY (agent_id, measured_at)
	)`,

	// Durable mirror of ticket traffic for audit and monitor backfill.
	`CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		ticket_id    TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		target_agent TEXT NOT NULL,
		origin_agent TEXT NOT NULL DEFAULT '',
		payload      TEXT NOT NULL DEFAULT '',
		metadata     TEXT NOT NULL DEFAULT '{}',
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_ticket
		ON messages (ticket_id, created_at)`,
}

// ApplySchema creates all tables and indexes if they do not already exist.
// It must run on the writer pool before any repository is constructed.
func ApplySchema(writer *sqlx.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := writer.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

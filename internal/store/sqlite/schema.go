package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/stoneforge-ai/stoneforge/internal/db"
)

// Migrations returns the schema migrations for the element store, applied
// in order by db.Migrate.
func Migrations() []db.Migration {
	return []db.Migration{
		{Version: 1, Up: migrateInitial},
		{Version: 2, Up: migrateSessionCheckpoints},
	}
}

// migrateInitial creates the core tables. The elements table promotes the
// columns the dispatch queries filter and order on; the data column holds
// the full typed record as JSON and is authoritative for every field.
func migrateInitial(tx *sqlx.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS elements (
			id            TEXT PRIMARY KEY,
			el_type       TEXT NOT NULL,
			title         TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT '',
			priority      INTEGER NOT NULL DEFAULT 0,
			assignee      TEXT NOT NULL DEFAULT '',
			scheduled_for TIMESTAMP,
			ephemeral     INTEGER NOT NULL DEFAULT 0,
			finished_at   TIMESTAMP,
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL,
			created_by    TEXT NOT NULL DEFAULT '',
			tags          TEXT NOT NULL DEFAULT '[]',
			metadata      TEXT NOT NULL DEFAULT '{}',
			data          TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_elements_type_status
			ON elements(el_type, status)`,
		`CREATE INDEX IF NOT EXISTS idx_elements_assignee
			ON elements(assignee) WHERE assignee != ''`,
		`CREATE INDEX IF NOT EXISTS idx_elements_ready
			ON elements(el_type, status, priority, created_at)
			WHERE el_type = 'task'`,
		// One inbox item per (recipient, message); recipient rides the
		// assignee column for inbox-item rows.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_elements_inbox_unique
			ON elements(assignee, json_extract(data, '$.messageId'))
			WHERE el_type = 'inbox-item'`,

		`CREATE TABLE IF NOT EXISTS dependencies (
			blocked_id  TEXT NOT NULL,
			blocker_id  TEXT NOT NULL,
			dep_type    TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL,
			created_by  TEXT NOT NULL DEFAULT '',
			metadata    TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (blocked_id, blocker_id, dep_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dependencies_blocker
			ON dependencies(blocker_id)`,

		// No foreign key to elements: the journal outlives the rows it
		// describes.
		`CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			element_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			actor      TEXT NOT NULL DEFAULT '',
			old_value  TEXT NOT NULL DEFAULT '',
			new_value  TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_element
			ON events(element_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS dirty_elements (
			element_id TEXT PRIMARY KEY,
			marked_at  TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS child_counters (
			parent_id  TEXT PRIMARY KEY,
			last_child INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

// migrateSessionCheckpoints adds the crash-recovery table the session
// manager checkpoints live sessions into. Rows are written outside element
// transactions, so the table carries no foreign keys.
func migrateSessionCheckpoints(tx *sqlx.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session_checkpoints (
			id                  TEXT PRIMARY KEY,
			provider_session_id TEXT NOT NULL DEFAULT '',
			agent_id            TEXT NOT NULL,
			agent_role          TEXT NOT NULL DEFAULT '',
			task_id             TEXT NOT NULL DEFAULT '',
			mode                TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL,
			working_directory   TEXT NOT NULL DEFAULT '',
			worktree            TEXT NOT NULL DEFAULT '',
			pid                 INTEGER NOT NULL DEFAULT 0,
			created_at          TIMESTAMP NOT NULL,
			started_at          TIMESTAMP,
			last_activity_at    TIMESTAMP NOT NULL,
			ended_at            TIMESTAMP,
			termination_reason  TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_checkpoints_agent
			ON session_checkpoints(agent_id, status)`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

package store

import (
	"context"
	"fmt"
)

type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS rules (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				pattern    TEXT    NOT NULL,
				action     TEXT    NOT NULL,
				priority   INTEGER NOT NULL DEFAULT 0,
				origin     TEXT    NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS rules_pattern_action ON rules(pattern, action)`,
			`CREATE TABLE IF NOT EXISTS requests (
				id              TEXT    PRIMARY KEY,
				session_id      TEXT    NOT NULL,
				tool_name       TEXT    NOT NULL,
				tool_input      TEXT    NOT NULL DEFAULT '',
				context         TEXT    NOT NULL DEFAULT '',
				description     TEXT    NOT NULL DEFAULT '',
				status          TEXT    NOT NULL DEFAULT 'pending',
				notification_id INTEGER NOT NULL DEFAULT 0,
				created_at      INTEGER NOT NULL DEFAULT 0,
				resolved_at     INTEGER NOT NULL DEFAULT 0,
				resolved_by     TEXT    NOT NULL DEFAULT '',
				denial_reason   TEXT    NOT NULL DEFAULT '',
				deadline        INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS requests_pending_dedup
				ON requests(session_id, tool_name, tool_input) WHERE status = 'pending'`,
			`CREATE INDEX IF NOT EXISTS requests_status ON requests(status, created_at)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				session_id   TEXT    PRIMARY KEY,
				project_path TEXT    NOT NULL DEFAULT '',
				started_at   INTEGER NOT NULL DEFAULT 0,
				last_seen_at INTEGER NOT NULL DEFAULT 0,
				status       TEXT    NOT NULL DEFAULT 'active'
			)`,
			`CREATE TABLE IF NOT EXISTS chain_state (
				request_id TEXT    PRIMARY KEY,
				segments   TEXT    NOT NULL,
				approved   TEXT    NOT NULL DEFAULT '[]',
				version    INTEGER NOT NULL DEFAULT 1
			)`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp  INTEGER NOT NULL,
				kind       TEXT    NOT NULL,
				session_id TEXT    NOT NULL DEFAULT '',
				detail     TEXT    NOT NULL DEFAULT '{}'
			)`,
			`CREATE INDEX IF NOT EXISTS audit_log_timestamp ON audit_log(timestamp)`,
			`CREATE TABLE IF NOT EXISTS channel_offset (
				channel     TEXT    PRIMARY KEY,
				next_offset INTEGER NOT NULL
			)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS feedback_wait (
				actor      TEXT    PRIMARY KEY,
				request_id TEXT    NOT NULL,
				created_at INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS feedback_wait_request ON feedback_wait(request_id)`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migration v%d: %w", m.version, err)
			}
		}
		// Another process may have applied the same migration concurrently.
		if _, err := s.db.Exec(ctx,
			`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES ($1, $2)`,
			m.version, millis(s.now()),
		); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}
	return nil
}

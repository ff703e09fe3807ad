package db

import (
	"database/sql"
	"fmt"
)

// migration is one schema step. Steps are applied in order and recorded in
// schema_migrations so each runs once.
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "job_requests",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS job_requests (
				id             TEXT PRIMARY KEY,
				server_url     TEXT NOT NULL,
				job_path       TEXT NOT NULL,
				requested_at   INTEGER NOT NULL, -- unix milliseconds
				log            TEXT NOT NULL DEFAULT '',
				source_code    TEXT NOT NULL DEFAULT '',
				generated_code TEXT NOT NULL DEFAULT '',
				work           TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_job_requests_server_time
				ON job_requests(server_url, requested_at)`,
		},
	},
	{
		version: 2,
		name:    "job_requests_duration",
		stmts: []string{
			`ALTER TABLE job_requests ADD COLUMN duration_ms INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

// SchemaVersion returns the highest applied migration.
func SchemaVersion(conn *sql.DB) (int, error) {
	var v int
	err := conn.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrate brings conn up to the latest schema inside one transaction.
func migrate(conn *sql.DB) error {
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at INTEGER NOT NULL DEFAULT (CAST(strftime('%s','now') AS INTEGER))
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := SchemaVersion(conn)
	if err != nil {
		return err
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("migration %d %s: %w", m.version, m.name, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return tx.Commit()
}

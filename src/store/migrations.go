package store

import (
	"database/sql"
	"fmt"
)

// migrations is the ordered list of schema versions. Migrations are
// additive only: older node versions must remain able to read a database
// produced by a newer one.
var migrations = []string{
	// 1: initial schema.
	`
	CREATE TABLE IF NOT EXISTS nodes (
		id         TEXT PRIMARY KEY,
		alias      TEXT NOT NULL DEFAULT '',
		features   INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS addresses (
		node_id   TEXT NOT NULL,
		host      TEXT NOT NULL,
		port      INTEGER NOT NULL,
		source    INTEGER NOT NULL DEFAULT 0,
		last_seen INTEGER NOT NULL,
		score     INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (node_id, host, port)
	);
	CREATE TABLE IF NOT EXISTS announcements (
		node_id   TEXT NOT NULL,
		kind      INTEGER NOT NULL,
		repo_id   TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		payload   BLOB NOT NULL,
		signature BLOB NOT NULL,
		PRIMARY KEY (node_id, kind, repo_id)
	);
	CREATE TABLE IF NOT EXISTS routing (
		repo_id    TEXT NOT NULL,
		node_id    TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (repo_id, node_id)
	);
	`,
	// 2: candidate selection scans by score.
	`
	CREATE INDEX IF NOT EXISTS addresses_by_score
		ON addresses (node_id, score DESC, last_seen DESC);
	`,
}

// migrate brings the schema up to the current version. Each migration runs
// in its own transaction so a crash leaves a clean prefix applied.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1

		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))`,
			version,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

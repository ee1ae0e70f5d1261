package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Migration represents a ledger schema migration.
type Migration struct {
	Description string
	Queries     []string
	Version     int
}

// Statements stay within the SQL understood by both SQLite and PostgreSQL.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial ledger schema",
		Queries: []string{
			`CREATE TABLE IF NOT EXISTS images (
				id TEXT PRIMARY KEY,
				path TEXT NOT NULL UNIQUE,
				bucket TEXT NOT NULL,
				captured_at TIMESTAMP NOT NULL,
				status TEXT NOT NULL,
				run_id TEXT,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_images_status ON images(status)`,
			`CREATE INDEX IF NOT EXISTS idx_images_bucket ON images(bucket)`,

			`CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				triggered_at TIMESTAMP NOT NULL,
				completed_at TIMESTAMP,
				input_folder TEXT NOT NULL,
				artifact_path TEXT NOT NULL DEFAULT '',
				outcome TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_outcome ON runs(outcome)`,

			`CREATE TABLE IF NOT EXISTS run_images (
				run_id TEXT NOT NULL REFERENCES runs(id),
				image_id TEXT NOT NULL REFERENCES images(id),
				PRIMARY KEY (run_id, image_id)
			)`,
		},
	},
	{
		Version:     2,
		Description: "Event outbox",
		Queries: []string{
			`CREATE TABLE IF NOT EXISTS outbox (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				session_id TEXT NOT NULL,
				run_id TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP NOT NULL,
				processed_at TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_outbox_processed ON outbox(processed_at)`,
		},
	},
}

// Init applies every migration newer than the recorded schema version.
func (d *Database) Init(ctx context.Context) error {
	if _, err := d.exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := d.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		err := d.InTx(ctx, func(ctx context.Context) error {
			for _, q := range m.Queries {
				if _, err := d.exec(ctx, q); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			_, err := d.exec(ctx,
				`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Description, time.Now().UTC(),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		slog.Info("database: applied migration", "version", m.Version, "description", m.Description)
	}

	return nil
}

// SchemaVersion returns the highest applied migration version.
func (d *Database) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := d.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

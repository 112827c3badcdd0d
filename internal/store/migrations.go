package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migration is one additive schema step. Step i (0-based) brings the database
// to version i+1 and only runs when the stored version is older.
type migration struct {
	name  string
	apply func(ctx context.Context, tx *sqlx.Tx) error
}

var migrations = []migration{
	{
		name: "create batches",
		apply: execAll(
			`CREATE TABLE IF NOT EXISTS batches (
				batch_id TEXT PRIMARY KEY,
				box_id TEXT NOT NULL DEFAULT '',
				total_images INTEGER NOT NULL DEFAULT 0,
				processed INTEGER NOT NULL DEFAULT 0,
				failed INTEGER NOT NULL DEFAULT 0,
				created_at INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL DEFAULT 'pending'
			)`,
			`CREATE INDEX IF NOT EXISTS idx_batches_created_at ON batches(created_at)`,
		),
	},
	{
		name: "create items",
		apply: execAll(
			`CREATE TABLE IF NOT EXISTS items (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				batch_id TEXT NOT NULL,
				filename TEXT NOT NULL DEFAULT '',
				box_id TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL DEFAULT '',
				type TEXT NOT NULL DEFAULT '',
				year TEXT NOT NULL DEFAULT '',
				notes TEXT NOT NULL DEFAULT '',
				confidence TEXT NOT NULL DEFAULT '',
				processed_at INTEGER NOT NULL DEFAULT 0,
				image_data BLOB,
				status TEXT NOT NULL DEFAULT 'pending',
				image_hash TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_items_batch_id ON items(batch_id)`,
			`CREATE INDEX IF NOT EXISTS idx_items_image_hash ON items(image_hash)`,
		),
	},
	{
		name: "create inventory",
		apply: execAll(
			`CREATE TABLE IF NOT EXISTS inventory (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				image_hash TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				type TEXT NOT NULL DEFAULT '',
				year TEXT NOT NULL DEFAULT '',
				notes TEXT NOT NULL DEFAULT '',
				confidence TEXT NOT NULL DEFAULT '',
				first_seen INTEGER NOT NULL DEFAULT 0,
				last_seen INTEGER NOT NULL DEFAULT 0,
				times_scanned INTEGER NOT NULL DEFAULT 1,
				thumbnail BLOB,
				box_id TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_inventory_image_hash ON inventory(image_hash)`,
		),
	},
	{
		name: "index inventory by last_seen",
		apply: execAll(
			`CREATE INDEX IF NOT EXISTS idx_inventory_last_seen ON inventory(last_seen, id)`,
		),
	},
	{
		name: "add extended metadata and update tracking",
		apply: func(ctx context.Context, tx *sqlx.Tx) error {
			columns := []struct {
				table, column, decl string
			}{
				{"batches", "updated_at", "INTEGER NOT NULL DEFAULT 0"},
				{"items", "condition_estimate", "TEXT NOT NULL DEFAULT ''"},
				{"items", "raw_metadata", "TEXT NOT NULL DEFAULT ''"},
				{"items", "comps_quote", "TEXT NOT NULL DEFAULT ''"},
				{"items", "error_message", "TEXT NOT NULL DEFAULT ''"},
				{"items", "updated_at", "INTEGER NOT NULL DEFAULT 0"},
				{"inventory", "condition_estimate", "TEXT NOT NULL DEFAULT ''"},
				{"inventory", "raw_metadata", "TEXT NOT NULL DEFAULT ''"},
				{"inventory", "comps_quote", "TEXT NOT NULL DEFAULT ''"},
				{"inventory", "updated_at", "INTEGER NOT NULL DEFAULT 0"},
			}
			for _, c := range columns {
				if err := addColumnIfMissing(ctx, tx, c.table, c.column, c.decl); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

func execAll(stmts ...string) func(ctx context.Context, tx *sqlx.Tx) error {
	return func(ctx context.Context, tx *sqlx.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute %q: %w", firstLine(stmt), err)
			}
		}
		return nil
	}
}

func addColumnIfMissing(ctx context.Context, tx *sqlx.Tx, table, column, decl string) error {
	var names []string
	if err := tx.SelectContext(ctx, &names, `SELECT name FROM pragma_table_info(?)`, table); err != nil {
		return fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	if len(names) == 0 {
		return fmt.Errorf("table %s does not exist", table)
	}
	for _, name := range names {
		if name == column {
			return nil
		}
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	return nil
}

func schemaVersion(ctx context.Context, db *sqlx.DB) (int, error) {
	var version int
	if err := db.GetContext(ctx, &version, `PRAGMA user_version`); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) migrate(ctx context.Context, db *sqlx.DB, from int) error {
	for i, m := range s.migrations {
		version := i + 1
		if version <= from {
			continue
		}

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", version, err)
		}
		if err := m.apply(ctx, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record schema version %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
		s.logger.Info("Applied store migration", "path", s.path, "version", version, "name", m.name)
	}
	return nil
}

func firstLine(stmt string) string {
	for i, r := range stmt {
		if r == '\n' {
			return stmt[:i]
		}
	}
	return stmt
}

package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
)

// Migration is a single schema step. Up receives the transaction the
// migration runs in; the version bump is recorded in the same transaction.
type Migration struct {
	Version int
	Up      func(tx *sqlx.Tx) error
}

// GetSchemaVersion returns the current schema version, creating the version
// table on first use. A fresh database reports version 0.
func GetSchemaVersion(ctx context.Context, db *sqlx.DB) (int, error) {
	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return 0, fmt.Errorf("failed to ensure schema_version table: %w", err)
	}

	var version int
	err := db.GetContext(ctx, &version, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// SetSchemaVersion records the schema version inside the given transaction.
func SetSchemaVersion(tx *sqlx.Tx, version int) error {
	if _, err := tx.Exec(`DELETE FROM schema_version`); err != nil {
		return err
	}
	_, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version)
	return err
}

// Migrate applies the given migrations in version order, each inside its own
// transaction. Already-applied versions are skipped, so Migrate is safe to
// call on every startup.
func Migrate(ctx context.Context, db *sqlx.DB, migrations []Migration) error {
	current, err := GetSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	sorted := make([]Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.Version, err)
		}

		if err := m.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := SetSchemaVersion(tx, m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}

		current = m.Version
	}

	return nil
}

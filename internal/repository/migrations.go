package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/photosync/client/internal/observability"
)

// migration is one step of a store's schema chain. Steps must be safe to run
// again against a database that already has them applied.
type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx, d Dialect) error
}

func ensureSchemaInfo(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_info (
			store TEXT PRIMARY KEY,
			version INTEGER NOT NULL
		)`)
	return err
}

// SchemaVersion returns the stored schema version of store, 0 when never migrated
func SchemaVersion(ctx context.Context, db *sql.DB, d Dialect, store string) int {
	var version int
	err := db.QueryRowContext(ctx, d.Rebind(`SELECT version FROM schema_info WHERE store = ?`), store).Scan(&version)
	if err != nil {
		return 0
	}
	return version
}

func setSchemaVersion(ctx context.Context, tx *sql.Tx, d Dialect, store string, version int) error {
	res, err := tx.ExecContext(ctx, d.Rebind(`UPDATE schema_info SET version = ? WHERE store = ?`), version, store)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx, d.Rebind(`INSERT INTO schema_info (store, version) VALUES (?, ?)`), store, version)
	return err
}

// migrate brings store up to the last step of chain. A failing step is logged
// and stops the chain; the store stays usable at the version it reached.
func migrate(ctx context.Context, db *sql.DB, d Dialect, store string, chain []migration, log *observability.Logger) int {
	log = log.WithField("store", store)

	if err := ensureSchemaInfo(ctx, db); err != nil {
		log.Errorf("Failed to create schema_info table: %v", err)
		return 0
	}

	current := SchemaVersion(ctx, db, d, store)
	target := chain[len(chain)-1].version
	if current == target {
		return current
	}
	if current > target {
		log.Warnf("Schema version %d is newer than supported version %d", current, target)
		return current
	}

	log.Infof("Upgrading schema from version %d to %d", current, target)
	for _, step := range chain {
		if step.version <= current {
			continue
		}
		if err := runStep(ctx, db, d, store, step); err != nil {
			log.Errorf("Schema migration %d (%s) failed: %v", step.version, step.name, err)
			return current
		}
		current = step.version
		log.Debugf("Applied schema migration %d (%s)", step.version, step.name)
	}
	return current
}

func runStep(ctx context.Context, db *sql.DB, d Dialect, store string, step migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := step.apply(ctx, tx, d); err != nil {
		return err
	}
	if err := setSchemaVersion(ctx, tx, d, store, step.version); err != nil {
		return err
	}
	return tx.Commit()
}

// addColumn adds column to table unless it is already there
func addColumn(ctx context.Context, tx *sql.Tx, d Dialect, table, column, definition string) error {
	exists, err := d.ColumnExists(ctx, tx, table, column)
	if err != nil {
		return fmt.Errorf("check column %s.%s: %w", table, column, err)
	}
	if exists {
		return nil
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

// addColumns applies addColumn for each name/definition pair in order
func addColumns(ctx context.Context, tx *sql.Tx, d Dialect, table string, columns [][2]string) error {
	for _, c := range columns {
		if err := addColumn(ctx, tx, d, table, c[0], c[1]); err != nil {
			return err
		}
	}
	return nil
}

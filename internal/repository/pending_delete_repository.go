package repository

import (
	"context"
	"database/sql"
	"sync"

	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/observability"
)

const pendingDeleteStoreName = "pending_deletes"

var pendingDeleteMigrations = []migration{
	{
		version: 1,
		name:    "create pending deletes",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS pending_deletes (
					source_name TEXT NOT NULL,
					guid TEXT NOT NULL,
					name TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL,
					attempts INTEGER NOT NULL DEFAULT 0,
					PRIMARY KEY (source_name, guid)
				)`)
			return err
		},
	},
}

// PendingDeleteRepository queues remote deletes that still have to be sent
type PendingDeleteRepository struct {
	mu      sync.Mutex
	db      *sql.DB
	dialect Dialect
	log     *observability.Logger
}

// NewPendingDeleteRepository wraps db, creating the schema when needed
func NewPendingDeleteRepository(ctx context.Context, db *sql.DB, dialect Dialect) *PendingDeleteRepository {
	r := &PendingDeleteRepository{
		db:      db,
		dialect: dialect,
		log:     observability.GetLogger().WithField("store", pendingDeleteStoreName),
	}
	migrate(ctx, db, dialect, pendingDeleteStoreName, pendingDeleteMigrations, r.log)
	return r
}

// Close closes the underlying database
func (r *PendingDeleteRepository) Close() error {
	return r.db.Close()
}

// Add queues a delete; queuing the same guid twice keeps one entry
func (r *PendingDeleteRepository) Add(ctx context.Context, pd *models.PendingDelete) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	err := r.db.QueryRowContext(ctx,
		r.dialect.Rebind("SELECT COUNT(*) FROM pending_deletes WHERE source_name = ? AND guid = ?"),
		pd.SourceName, pd.GUID,
	).Scan(&n)
	if err != nil {
		r.log.WithSource(pd.SourceName).Errorf("Failed to look up pending delete %s: %v", pd.GUID, err)
		return false
	}
	if n > 0 {
		return true
	}

	_, err = r.db.ExecContext(ctx,
		r.dialect.Rebind("INSERT INTO pending_deletes (source_name, guid, name, created_at, attempts) VALUES (?, ?, ?, ?, ?)"),
		pd.SourceName, pd.GUID, pd.Name, pd.CreatedAt, pd.Attempts,
	)
	if err != nil {
		r.log.WithSource(pd.SourceName).Errorf("Failed to queue delete %s: %v", pd.GUID, err)
		return false
	}
	return true
}

// List returns the queued deletes of a source, oldest first
func (r *PendingDeleteRepository) List(ctx context.Context, source string) []models.PendingDelete {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx,
		r.dialect.Rebind(`SELECT source_name, guid, name, created_at, attempts FROM pending_deletes
			WHERE source_name = ? ORDER BY created_at, guid`), source)
	if err != nil {
		r.log.WithSource(source).Errorf("Failed to list pending deletes: %v", err)
		return nil
	}
	defer rows.Close()

	var out []models.PendingDelete
	for rows.Next() {
		var pd models.PendingDelete
		if err := rows.Scan(&pd.SourceName, &pd.GUID, &pd.Name, &pd.CreatedAt, &pd.Attempts); err != nil {
			r.log.WithSource(source).Errorf("Failed to scan pending delete: %v", err)
			return nil
		}
		out = append(out, pd)
	}
	return out
}

// MarkAttempt increments the attempt counter of a queued delete
func (r *PendingDeleteRepository) MarkAttempt(ctx context.Context, source, guid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		r.dialect.Rebind("UPDATE pending_deletes SET attempts = attempts + 1 WHERE source_name = ? AND guid = ?"),
		source, guid)
	if err != nil {
		r.log.WithSource(source).Errorf("Failed to mark delete attempt %s: %v", guid, err)
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

// Remove drops a queued delete once it is confirmed
func (r *PendingDeleteRepository) Remove(ctx context.Context, source, guid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		r.dialect.Rebind("DELETE FROM pending_deletes WHERE source_name = ? AND guid = ?"), source, guid)
	if err != nil {
		r.log.WithSource(source).Errorf("Failed to remove pending delete %s: %v", guid, err)
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

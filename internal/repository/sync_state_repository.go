package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/observability"
)

const syncStateStoreName = "sync_state"

var syncStateMigrations = []migration{
	{
		version: 1,
		name:    "create sync state",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			_, err := tx.ExecContext(ctx, `
				CREATE TABLE IF NOT EXISTS source_sync_state (
					source_name TEXT PRIMARY KEY,
					last_local_sync BIGINT NOT NULL DEFAULT 0,
					last_remote_sync BIGINT NOT NULL DEFAULT 0,
					clock_drift_ms BIGINT NOT NULL DEFAULT 0,
					last_result TEXT NOT NULL DEFAULT '',
					last_session_id TEXT NOT NULL DEFAULT '',
					updated_at TIMESTAMP NOT NULL
				)`)
			return err
		},
	},
}

// SyncStateRepository handles per-source sync state persistence
type SyncStateRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewSyncStateRepository creates a new SyncStateRepository
func NewSyncStateRepository(ctx context.Context, db *sql.DB, dialect Dialect) *SyncStateRepository {
	migrate(ctx, db, dialect, syncStateStoreName, syncStateMigrations,
		observability.GetLogger().WithField("store", syncStateStoreName))
	return &SyncStateRepository{db: db, dialect: dialect}
}

// Get retrieves sync state for a source, nil when the source never synced
func (r *SyncStateRepository) Get(ctx context.Context, source string) (*models.SourceSyncState, error) {
	query := `SELECT source_name, last_local_sync, last_remote_sync, clock_drift_ms, last_result, last_session_id, updated_at
		FROM source_sync_state WHERE source_name = ?`

	var state models.SourceSyncState
	err := r.db.QueryRowContext(ctx, r.dialect.Rebind(query), source).Scan(
		&state.SourceName,
		&state.LastLocalSync,
		&state.LastRemoteSync,
		&state.ClockDriftMS,
		&state.LastResult,
		&state.LastSessionID,
		&state.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Upsert creates or updates sync state for a source
func (r *SyncStateRepository) Upsert(ctx context.Context, state *models.SourceSyncState) error {
	state.UpdatedAt = time.Now().UTC()
	query := `INSERT INTO source_sync_state (source_name, last_local_sync, last_remote_sync, clock_drift_ms, last_result, last_session_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_name) DO UPDATE SET
			last_local_sync = EXCLUDED.last_local_sync,
			last_remote_sync = EXCLUDED.last_remote_sync,
			clock_drift_ms = EXCLUDED.clock_drift_ms,
			last_result = EXCLUDED.last_result,
			last_session_id = EXCLUDED.last_session_id,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, r.dialect.Rebind(query),
		state.SourceName,
		state.LastLocalSync,
		state.LastRemoteSync,
		state.ClockDriftMS,
		state.LastResult,
		state.LastSessionID,
		state.UpdatedAt,
	)
	return err
}

// Reset forgets the sync anchors of a source so the next session runs full
func (r *SyncStateRepository) Reset(ctx context.Context, source string) error {
	_, err := r.db.ExecContext(ctx,
		r.dialect.Rebind(`UPDATE source_sync_state SET last_local_sync = 0, last_remote_sync = 0, updated_at = ? WHERE source_name = ?`),
		time.Now().UTC(), source)
	return err
}

// GetAll returns the state of every source that synced at least once
func (r *SyncStateRepository) GetAll(ctx context.Context) ([]*models.SourceSyncState, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT source_name, last_local_sync, last_remote_sync, clock_drift_ms, last_result, last_session_id, updated_at
		FROM source_sync_state ORDER BY source_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*models.SourceSyncState
	for rows.Next() {
		var s models.SourceSyncState
		if err := rows.Scan(&s.SourceName, &s.LastLocalSync, &s.LastRemoteSync, &s.ClockDriftMS,
			&s.LastResult, &s.LastSessionID, &s.UpdatedAt); err != nil {
			return nil, err
		}
		states = append(states, &s)
	}
	return states, rows.Err()
}

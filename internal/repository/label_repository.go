package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/observability"
)

const labelStoreName = "labels"

var labelMigrations = []migration{
	{
		version: 1,
		name:    "create labels",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			stmts := []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS labels (
					luid %s,
					guid TEXT NOT NULL DEFAULT '',
					name TEXT NOT NULL DEFAULT ''
				)`, d.PrimaryKey()),
				`CREATE INDEX IF NOT EXISTS idx_labels_guid ON labels(guid)`,
				`CREATE INDEX IF NOT EXISTS idx_labels_name ON labels(name)`,
			}
			for _, s := range stmts {
				if _, err := tx.ExecContext(ctx, s); err != nil {
					return err
				}
			}
			return nil
		},
	},
}

// LabelRepository is the label set shared by the sources of a client
type LabelRepository struct {
	mu      sync.Mutex
	db      *sql.DB
	dialect Dialect
	log     *observability.Logger
}

// NewLabelRepository wraps db, creating the schema when needed
func NewLabelRepository(ctx context.Context, db *sql.DB, dialect Dialect) *LabelRepository {
	r := &LabelRepository{
		db:      db,
		dialect: dialect,
		log:     observability.GetLogger().WithField("store", labelStoreName),
	}
	migrate(ctx, db, dialect, labelStoreName, labelMigrations, r.log)
	return r
}

// Close closes the underlying database
func (r *LabelRepository) Close() error {
	return r.db.Close()
}

// Upsert stores label, merging on GUID when it has one, and returns its LUID
func (r *LabelRepository) Upsert(ctx context.Context, label *models.Label) int64 {
	if label.GUID != "" {
		if existing := r.GetByGUID(ctx, label.GUID); existing != nil {
			label.LUID = existing.LUID
			if existing.Name != label.Name {
				r.mu.Lock()
				_, err := r.db.ExecContext(ctx, r.dialect.Rebind("UPDATE labels SET name = ? WHERE luid = ?"), label.Name, label.LUID)
				r.mu.Unlock()
				if err != nil {
					r.log.Errorf("Failed to rename label %s: %v", label.GUID, err)
				}
			}
			return label.LUID
		}
	}

	r.mu.Lock()
	id, err := r.dialect.InsertReturningID(ctx, r.db,
		r.dialect.Rebind("INSERT INTO labels (guid, name) VALUES (?, ?)"), label.GUID, label.Name)
	r.mu.Unlock()
	if err != nil {
		r.log.Errorf("Failed to insert label %q: %v", label.Name, err)
		return 0
	}
	label.LUID = id
	return id
}

func (r *LabelRepository) getOne(ctx context.Context, col string, value interface{}) *models.Label {
	r.mu.Lock()
	defer r.mu.Unlock()

	var l models.Label
	err := r.db.QueryRowContext(ctx,
		r.dialect.Rebind("SELECT luid, guid, name FROM labels WHERE "+col+" = ? ORDER BY luid LIMIT 1"), value,
	).Scan(&l.LUID, &l.GUID, &l.Name)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		r.log.Errorf("Failed to get label by %s: %v", col, err)
		return nil
	}
	return &l
}

// GetByLUID returns the label with luid, or nil
func (r *LabelRepository) GetByLUID(ctx context.Context, luid int64) *models.Label {
	return r.getOne(ctx, "luid", luid)
}

// GetByGUID returns the label with guid, or nil
func (r *LabelRepository) GetByGUID(ctx context.Context, guid string) *models.Label {
	return r.getOne(ctx, "guid", guid)
}

// GetByName returns the first label called name, or nil
func (r *LabelRepository) GetByName(ctx context.Context, name string) *models.Label {
	return r.getOne(ctx, "name", name)
}

// GetAll returns every label ordered by name
func (r *LabelRepository) GetAll(ctx context.Context) []models.Label {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, "SELECT luid, guid, name FROM labels ORDER BY name, luid")
	if err != nil {
		r.log.Errorf("Failed to list labels: %v", err)
		return nil
	}
	defer rows.Close()

	labels := []models.Label{}
	for rows.Next() {
		var l models.Label
		if err := rows.Scan(&l.LUID, &l.GUID, &l.Name); err != nil {
			r.log.Errorf("Failed to scan label: %v", err)
			return nil
		}
		labels = append(labels, l)
	}
	return labels
}

// Remove deletes the label with luid
func (r *LabelRepository) Remove(ctx context.Context, luid int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, r.dialect.Rebind("DELETE FROM labels WHERE luid = ?"), luid)
	if err != nil {
		r.log.Errorf("Failed to remove label %d: %v", luid, err)
		return false
	}
	n, _ := res.RowsAffected()
	return n > 0
}

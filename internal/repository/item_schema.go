package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/photosync/client/internal/models"
)

// CurrentItemSchemaVersion is the item store schema this code writes
const CurrentItemSchemaVersion = 6

// legacySecondsCeiling separates second-resolution timestamps from millisecond
// ones: 1e11 seconds is year 5138, 1e11 milliseconds is March 1973.
const legacySecondsCeiling = 100000000000

var itemMigrations = []migration{
	{
		version: 1,
		name:    "create items",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			stmts := []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS items (
					id %s,
					luid TEXT NOT NULL DEFAULT '',
					guid TEXT NOT NULL DEFAULT '',
					name TEXT NOT NULL DEFAULT '',
					size BIGINT NOT NULL DEFAULT 0,
					content_type TEXT NOT NULL DEFAULT '',
					creation_date BIGINT NOT NULL DEFAULT 0,
					modification_date BIGINT NOT NULL DEFAULT 0,
					server_last_update BIGINT NOT NULL DEFAULT 0,
					status INTEGER NOT NULL DEFAULT 0,
					local_item_path TEXT NOT NULL DEFAULT ''
				)`, d.PrimaryKey()),
				`CREATE TABLE IF NOT EXISTS item_labels (
					item_id BIGINT NOT NULL,
					label_id BIGINT NOT NULL,
					PRIMARY KEY (item_id, label_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_items_guid ON items(guid)`,
				`CREATE INDEX IF NOT EXISTS idx_items_luid ON items(luid)`,
				`CREATE INDEX IF NOT EXISTS idx_items_path ON items(local_item_path)`,
				`CREATE INDEX IF NOT EXISTS idx_item_labels_label ON item_labels(label_id)`,
			}
			for _, s := range stmts {
				if _, err := tx.ExecContext(ctx, s); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		version: 2,
		name:    "etags and remote urls",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			return addColumns(ctx, tx, d, "items", [][2]string{
				{"remote_item_etag", "TEXT NOT NULL DEFAULT ''"},
				{"remote_thumb_etag", "TEXT NOT NULL DEFAULT ''"},
				{"remote_preview_etag", "TEXT NOT NULL DEFAULT ''"},
				{"local_item_etag", "TEXT NOT NULL DEFAULT ''"},
				{"local_thumb_etag", "TEXT NOT NULL DEFAULT ''"},
				{"local_preview_etag", "TEXT NOT NULL DEFAULT ''"},
				{"item_url", "TEXT NOT NULL DEFAULT ''"},
				{"thumb_url", "TEXT NOT NULL DEFAULT ''"},
				{"preview_url", "TEXT NOT NULL DEFAULT ''"},
			})
		},
	},
	{
		version: 3,
		name:    "millisecond timestamps",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			for _, col := range []string{"creation_date", "modification_date", "server_last_update"} {
				q := fmt.Sprintf(`UPDATE items SET %[1]s = %[1]s * 1000 WHERE %[1]s > 0 AND %[1]s < ?`, col)
				if _, err := tx.ExecContext(ctx, d.Rebind(q), legacySecondsCeiling); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		version: 4,
		name:    "collapse legacy remote statuses",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			_, err := tx.ExecContext(ctx,
				d.Rebind(`UPDATE items SET status = ? WHERE status IN (2, 3, 7)`),
				int(models.StatusRemote),
			)
			return err
		},
	},
	{
		version: 5,
		name:    "format metadata",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			return addColumns(ctx, tx, d, "items", [][2]string{
				{"width", "INTEGER NOT NULL DEFAULT 0"},
				{"height", "INTEGER NOT NULL DEFAULT 0"},
				{"orientation", "INTEGER NOT NULL DEFAULT 0"},
				{"date_taken", "BIGINT NOT NULL DEFAULT 0"},
				{"camera_make", "TEXT NOT NULL DEFAULT ''"},
				{"camera_model", "TEXT NOT NULL DEFAULT ''"},
				{"duration_ms", "BIGINT NOT NULL DEFAULT 0"},
				{"video_codec", "TEXT NOT NULL DEFAULT ''"},
			})
		},
	},
	{
		version: 6,
		name:    "upload bookkeeping",
		apply: func(ctx context.Context, tx *sql.Tx, d Dialect) error {
			return addColumns(ctx, tx, d, "items", [][2]string{
				{"upload_failures", "INTEGER NOT NULL DEFAULT 0"},
				{"validation_status", "INTEGER NOT NULL DEFAULT 0"},
				{"export_timestamps", "TEXT NOT NULL DEFAULT ''"},
			})
		},
	},
}

// itemColumns lists the item columns in scan order, id first
var itemColumns = []string{
	"id", "luid", "guid", "name", "size", "content_type",
	"creation_date", "modification_date", "server_last_update", "status", "local_item_path",
	"remote_item_etag", "remote_thumb_etag", "remote_preview_etag",
	"local_item_etag", "local_thumb_etag", "local_preview_etag",
	"item_url", "thumb_url", "preview_url",
	"width", "height", "orientation", "date_taken", "camera_make", "camera_model",
	"duration_ms", "video_codec",
	"upload_failures", "validation_status", "export_timestamps",
}

// itemFieldAliases maps accepted field names onto columns for lookups and ordering
var itemFieldAliases = func() map[string]string {
	m := make(map[string]string, len(itemColumns)*2)
	for _, c := range itemColumns {
		m[c] = c
	}
	extra := map[string]string{
		"luid":             "luid",
		"guid":             "guid",
		"contentType":      "content_type",
		"creationDate":     "creation_date",
		"modificationDate": "modification_date",
		"serverLastUpdate": "server_last_update",
		"localItemPath":    "local_item_path",
		"localPath":        "local_item_path",
		"dateTaken":        "date_taken",
		"uploadFailures":   "upload_failures",
		"validationStatus": "validation_status",
	}
	for k, v := range extra {
		m[k] = v
	}
	return m
}()

func itemArgs(item *models.SyncItem) []interface{} {
	return []interface{}{
		item.LUID, item.GUID, item.Name, item.Size, item.ContentType,
		item.CreationDate, item.ModificationDate, item.ServerLastUpdate, int(item.Status), item.LocalItemPath,
		item.ETags.RemoteItem, item.ETags.RemoteThumb, item.ETags.RemotePreview,
		item.ETags.LocalItem, item.ETags.LocalThumb, item.ETags.LocalPreview,
		item.URLs.Item, item.URLs.Thumb, item.URLs.Preview,
		item.Format.Width, item.Format.Height, item.Format.Orientation, item.Format.DateTaken,
		item.Format.CameraMake, item.Format.CameraModel, item.Format.DurationMS, item.Format.VideoCodec,
		item.UploadFailures, item.ValidationStatus, item.ExportTimestamps.String(),
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (models.SyncItem, error) {
	var (
		item    models.SyncItem
		status  int
		exports string
	)
	err := row.Scan(
		&item.ID, &item.LUID, &item.GUID, &item.Name, &item.Size, &item.ContentType,
		&item.CreationDate, &item.ModificationDate, &item.ServerLastUpdate, &status, &item.LocalItemPath,
		&item.ETags.RemoteItem, &item.ETags.RemoteThumb, &item.ETags.RemotePreview,
		&item.ETags.LocalItem, &item.ETags.LocalThumb, &item.ETags.LocalPreview,
		&item.URLs.Item, &item.URLs.Thumb, &item.URLs.Preview,
		&item.Format.Width, &item.Format.Height, &item.Format.Orientation, &item.Format.DateTaken,
		&item.Format.CameraMake, &item.Format.CameraModel, &item.Format.DurationMS, &item.Format.VideoCodec,
		&item.UploadFailures, &item.ValidationStatus, &exports,
	)
	if err != nil {
		return models.SyncItem{}, err
	}
	item.Status = models.ParseItemStatus(status)
	item.ExportTimestamps = models.ParseExportTimestamps(exports)
	return item, nil
}

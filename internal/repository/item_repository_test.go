package repository

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/observability"
)

func setupTestItemRepo(t *testing.T) *ItemRepository {
	t.Helper()
	db, err := NewSQLiteDB(":memory:")
	require.NoError(t, err)
	repo := NewItemRepository(context.Background(), db, SQLite, "camera")
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleItem(name string) models.SyncItem {
	return models.SyncItem{
		LUID:             uuid.NewString(),
		Name:             name,
		Size:             1024,
		ContentType:      "image/jpeg",
		CreationDate:     1700000000000,
		ModificationDate: 1700000001000,
		Status:           models.StatusLocal,
		LocalItemPath:    "/photos/" + name,
	}
}

func TestItemRepository_Insert(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trips every field", func(t *testing.T) {
		repo := setupTestItemRepo(t)

		item := sampleItem("a.jpg")
		item.GUID = "guid-a"
		item.ServerLastUpdate = 1700000002000
		item.ETags = models.ETags{RemoteItem: "r1", RemoteThumb: "r2", RemotePreview: "r3", LocalItem: "l1"}
		item.URLs = models.RemoteURLs{Item: "https://x/i", Thumb: "https://x/t"}
		item.Format = models.FormatMetadata{Width: 4000, Height: 3000, Orientation: 6, CameraMake: "Canon"}
		item.UploadFailures = 2
		item.ExportTimestamps = models.ExportTimestamps{"album": 42}

		id := repo.Insert(ctx, &item)
		require.NotZero(t, id)
		assert.Equal(t, id, item.ID)

		got := repo.GetByID(ctx, id)
		require.NotNil(t, got)
		assert.Equal(t, item, *got)
	})

	t.Run("rejects items that already have an id", func(t *testing.T) {
		repo := setupTestItemRepo(t)

		item := sampleItem("a.jpg")
		require.NotZero(t, repo.Insert(ctx, &item))

		assert.Zero(t, repo.Insert(ctx, &item))
		assert.Equal(t, 1, repo.Count(ctx))
	})

	t.Run("assigns distinct ids", func(t *testing.T) {
		repo := setupTestItemRepo(t)

		a, b := sampleItem("a.jpg"), sampleItem("b.jpg")
		idA := repo.Insert(ctx, &a)
		idB := repo.Insert(ctx, &b)
		assert.NotEqual(t, idA, idB)
	})
}

func TestItemRepository_UpdateRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("update rewrites the row", func(t *testing.T) {
		repo := setupTestItemRepo(t)
		item := sampleItem("a.jpg")
		repo.Insert(ctx, &item)

		item.Status = models.StatusRemote
		item.GUID = "g1"
		assert.True(t, repo.Update(ctx, &item))

		got := repo.GetByField(ctx, "guid", "g1")
		require.NotNil(t, got)
		assert.Equal(t, models.StatusRemote, got.Status)
	})

	t.Run("update of a missing row fails", func(t *testing.T) {
		repo := setupTestItemRepo(t)
		item := sampleItem("a.jpg")
		item.ID = 99
		assert.False(t, repo.Update(ctx, &item))
	})

	t.Run("remove deletes row and label links", func(t *testing.T) {
		repo := setupTestItemRepo(t)
		item := sampleItem("a.jpg")
		repo.Insert(ctx, &item)
		require.True(t, repo.SetLabels(ctx, item.ID, []int64{1, 2}))

		assert.True(t, repo.Remove(ctx, &item))
		assert.Nil(t, repo.GetByID(ctx, item.ID))
		assert.Empty(t, repo.LabelIDs(ctx, item.ID))
		assert.False(t, repo.Remove(ctx, &item))
	})
}

func TestItemRepository_Queries(t *testing.T) {
	ctx := context.Background()

	repo := setupTestItemRepo(t)
	names := []string{"c.jpg", "a.jpg", "b.jpg"}
	ids := make([]int64, len(names))
	for i, n := range names {
		item := sampleItem(n)
		item.Size = int64(100 * (i + 1))
		if i == 2 {
			item.Status = models.StatusRemote
		}
		ids[i] = repo.Insert(ctx, &item)
	}
	repo.SetLabels(ctx, ids[0], []int64{7})
	repo.SetLabels(ctx, ids[2], []int64{7, 8})

	t.Run("orders by field", func(t *testing.T) {
		items := repo.GetAll(ctx, QueryOptions{OrderBy: "name"})
		require.Len(t, items, 3)
		assert.Equal(t, "a.jpg", items[0].Name)
		assert.Equal(t, "c.jpg", items[2].Name)
	})

	t.Run("orders descending with limit", func(t *testing.T) {
		items := repo.GetAll(ctx, QueryOptions{OrderBy: "size", Descending: true, Limit: 2})
		require.Len(t, items, 2)
		assert.Equal(t, int64(300), items[0].Size)
		assert.Equal(t, int64(200), items[1].Size)
	})

	t.Run("filters by label", func(t *testing.T) {
		items := repo.GetAll(ctx, QueryOptions{LabelID: 7})
		require.Len(t, items, 2)
		assert.Equal(t, ids[0], items[0].ID)
		assert.Equal(t, ids[2], items[1].ID)

		assert.Len(t, repo.GetAll(ctx, QueryOptions{LabelID: 8}), 1)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		assert.Nil(t, repo.GetAll(ctx, QueryOptions{OrderBy: "name; DROP TABLE items"}))
		assert.Nil(t, repo.GetByField(ctx, "bogus", 1))
	})

	t.Run("accepts field aliases", func(t *testing.T) {
		got := repo.GetByField(ctx, "localPath", "/photos/a.jpg")
		require.NotNil(t, got)
		assert.Equal(t, ids[1], got.ID)
	})

	t.Run("counts by status", func(t *testing.T) {
		counts := repo.CountByStatus(ctx)
		assert.Equal(t, 2, counts[models.StatusLocal])
		assert.Equal(t, 1, counts[models.StatusRemote])
		assert.Len(t, repo.GetByStatus(ctx, models.StatusRemote), 1)
	})
}

func TestItemRepository_Apply(t *testing.T) {
	ctx := context.Background()
	repo := setupTestItemRepo(t)

	existing := sampleItem("old.jpg")
	repo.Insert(ctx, &existing)

	updated := existing.Clone()
	updated.ID = 0
	updated.Name = "renamed.jpg"

	ops := []*models.OperationDescriptor{
		models.NewAddOperation(sampleItem("new.jpg"), models.Label{LUID: 3, Name: "trip"}),
		models.NewUpdateOperation(existing, updated),
	}

	assert.Equal(t, 2, repo.Apply(ctx, ops))
	assert.True(t, ops[0].Success)
	assert.NotZero(t, ops[0].Item.ID)
	assert.Equal(t, []int64{3}, repo.LabelIDs(ctx, ops[0].Item.ID))
	assert.Equal(t, "renamed.jpg", repo.GetByID(ctx, existing.ID).Name)
}

func TestItemRepository_Listener(t *testing.T) {
	ctx := context.Background()
	repo := setupTestItemRepo(t)

	var (
		mu    sync.Mutex
		kinds []ChangeKind
	)
	repo.SetListener(ChangeListenerFunc(func(kind ChangeKind, item models.SyncItem) {
		// calling back into the store must not deadlock
		repo.Count(ctx)
		mu.Lock()
		kinds = append(kinds, kind)
		mu.Unlock()
	}))

	item := sampleItem("a.jpg")
	repo.Insert(ctx, &item)
	repo.Update(ctx, &item)
	repo.Remove(ctx, &item)

	assert.Equal(t, []ChangeKind{ChangeInsert, ChangeUpdate, ChangeDelete}, kinds)
}

func TestItemRepository_Migration(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh store reaches current version", func(t *testing.T) {
		repo := setupTestItemRepo(t)
		assert.Equal(t, CurrentItemSchemaVersion, repo.SchemaVersion())
	})

	t.Run("upgrades a version 1 store", func(t *testing.T) {
		db, err := NewSQLiteDB(":memory:")
		require.NoError(t, err)
		defer db.Close()

		log := observability.GetLogger()
		require.Equal(t, 1, migrate(ctx, db, SQLite, itemStoreName, itemMigrations[:1], log))

		_, err = db.ExecContext(ctx, `INSERT INTO items (luid, name, size, creation_date, modification_date, server_last_update, status)
			VALUES ('l1', 'legacy.jpg', 10, 1600000000, 1600000001, 0, 3)`)
		require.NoError(t, err)

		repo := NewItemRepository(ctx, db, SQLite, "camera")
		assert.Equal(t, CurrentItemSchemaVersion, repo.SchemaVersion())

		got := repo.GetByField(ctx, "luid", "l1")
		require.NotNil(t, got)
		assert.Equal(t, int64(1600000000000), got.CreationDate)
		assert.Equal(t, int64(1600000001000), got.ModificationDate)
		assert.Zero(t, got.ServerLastUpdate)
		assert.Equal(t, models.StatusRemote, got.Status)
		assert.Empty(t, got.ETags.RemoteItem)
		assert.Zero(t, got.UploadFailures)
	})

	t.Run("reopening does not rescale timestamps", func(t *testing.T) {
		db, err := NewSQLiteDB(":memory:")
		require.NoError(t, err)
		defer db.Close()

		repo := NewItemRepository(ctx, db, SQLite, "camera")
		item := sampleItem("a.jpg")
		repo.Insert(ctx, &item)

		_, err = runStepOnly(ctx, db, itemMigrations[2])
		require.NoError(t, err)

		again := NewItemRepository(ctx, db, SQLite, "camera")
		assert.Equal(t, item.CreationDate, again.GetByID(ctx, item.ID).CreationDate)
	})
}

func runStepOnly(ctx context.Context, db *sql.DB, step migration) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := step.apply(ctx, tx, SQLite); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

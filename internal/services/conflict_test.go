package services

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/remote"
)

func record(guid, name string, size, slu int64, etag string, labels ...string) remote.Item {
	return remote.Item{
		SyncItem: models.SyncItem{
			GUID:             guid,
			Name:             name,
			Size:             size,
			ServerLastUpdate: slu,
			ETags:            models.ETags{RemoteItem: etag},
		},
		LabelGUIDs: labels,
	}
}

func TestConflictResolver_Merge(t *testing.T) {
	t.Run("unknown records become remote only", func(t *testing.T) {
		h := newSyncHarness(t)
		labels := []models.Label{{GUID: "L1", Name: "holiday"}}
		stats := h.resolver().Merge(h.ctx, h.syncContext(), []remote.Item{
			record("G1", "a.jpg", 10, 100, "", "L1"),
			record("G2", "b.jpg", 20, 100, ""),
		}, labels)

		assert.Equal(t, 2, stats.Added)
		rows := h.all()
		require.Len(t, rows, 2)
		assert.Equal(t, models.StatusRemoteOnly, rows[0].Status)
		assert.Empty(t, rows[0].LocalItemPath)

		l := h.labels.GetByGUID(h.ctx, "L1")
		require.NotNil(t, l)
		assert.Equal(t, []int64{l.LUID}, h.items.LabelIDs(h.ctx, rows[0].ID))
	})

	t.Run("guids stay unique", func(t *testing.T) {
		h := newSyncHarness(t)
		r := h.resolver()
		r.Merge(h.ctx, h.syncContext(), []remote.Item{record("G1", "a.jpg", 10, 100, ""), record("G1", "a.jpg", 10, 100, "")}, nil)
		r.Merge(h.ctx, h.syncContext(), []remote.Item{record("G1", "a.jpg", 10, 200, "")}, nil)

		seen := map[string]int{}
		for _, row := range h.all() {
			seen[row.GUID]++
		}
		assert.Equal(t, map[string]int{"G1": 1}, seen)
	})

	t.Run("unchanged server timestamp is pruned", func(t *testing.T) {
		h := newSyncHarness(t)
		r := h.resolver()
		batch := []remote.Item{record("G1", "a.jpg", 10, 100, ""), record("G2", "b.jpg", 20, 100, "")}
		r.Merge(h.ctx, h.syncContext(), batch, nil)
		before := h.all()

		stats := r.Merge(h.ctx, h.syncContext(), batch, nil)
		assert.Equal(t, 2, stats.Pruned)
		assert.False(t, stats.Changed())
		assert.Equal(t, before, h.all())
	})

	t.Run("synced row takes remote metadata", func(t *testing.T) {
		h := newSyncHarness(t)
		data := bytesOf(1, 100)
		item := localItem(t, h, "a.jpg", data)
		item.GUID, item.Status, item.ServerLastUpdate = "G1", models.StatusRemote, 100
		item.ETags.RemoteItem = item.ETags.LocalItem
		require.True(t, h.items.Update(h.ctx, &item))

		sc := h.syncContext()
		stats := h.resolver().Merge(h.ctx, sc, []remote.Item{record("G1", "renamed.jpg", 100, 200, item.ETags.LocalItem)}, nil)
		assert.Equal(t, 1, stats.Updated)

		got := h.items.GetByID(h.ctx, item.ID)
		assert.Equal(t, "renamed.jpg", got.Name)
		assert.Equal(t, models.StatusRemote, got.Status)
		assert.Equal(t, item.LocalItemPath, got.LocalItemPath)
		assert.Equal(t, item.ETags.LocalItem, got.ETags.LocalItem)
		assert.Equal(t, item.LUID, got.LUID)
		assert.Equal(t, 1, sc.Report.Counter(models.SideServer, models.OpUpdate).Succeeded)
	})

	t.Run("new remote content is scheduled for download", func(t *testing.T) {
		h := newSyncHarness(t)
		item := localItem(t, h, "a.jpg", bytesOf(1, 100))
		item.GUID, item.Status, item.ServerLastUpdate = "G1", models.StatusRemote, 100
		require.True(t, h.items.Update(h.ctx, &item))

		h.resolver().Merge(h.ctx, h.syncContext(), []remote.Item{record("G1", "a.jpg", 120, 200, "other")}, nil)
		got := h.items.GetByID(h.ctx, item.ID)
		assert.Equal(t, models.StatusRemoteOnly, got.Status)
		assert.Equal(t, item.LocalItemPath, got.LocalItemPath)
	})
}

func TestConflictResolver_Drift(t *testing.T) {
	setup := func(t *testing.T) (*syncHarness, models.SyncItem) {
		h := newSyncHarness(t)
		item := localItem(t, h, "a.jpg", bytesOf(1, 100))
		item.GUID = "G1"
		item.Status = models.StatusLocalMetaDataChanged
		item.ModificationDate = 10_000
		item.ServerLastUpdate = 100
		require.True(t, h.items.Update(h.ctx, &item))
		return h, item
	}

	t.Run("later remote edit wins", func(t *testing.T) {
		h, item := setup(t)
		sc := h.syncContext()
		sc.DriftMS = 500
		h.resolver().Merge(h.ctx, sc, []remote.Item{record("G1", "server.jpg", 100, 10_500, item.ETags.LocalItem)}, nil)

		got := h.items.GetByID(h.ctx, item.ID)
		assert.Equal(t, "server.jpg", got.Name)
		assert.Equal(t, models.StatusRemote, got.Status)
	})

	t.Run("later local edit wins", func(t *testing.T) {
		h, item := setup(t)
		sc := h.syncContext()
		sc.DriftMS = 500
		stats := h.resolver().Merge(h.ctx, sc, []remote.Item{record("G1", "server.jpg", 100, 10_499, item.ETags.LocalItem)}, nil)
		assert.Equal(t, 1, stats.LocalWins)

		got := h.items.GetByID(h.ctx, item.ID)
		assert.Equal(t, "a.jpg", got.Name)
		assert.Equal(t, models.StatusLocalMetaDataChanged, got.Status)
		assert.Equal(t, int64(10_499), got.ServerLastUpdate)

		again := h.resolver().Merge(h.ctx, sc, []remote.Item{record("G1", "server.jpg", 100, 10_499, item.ETags.LocalItem)}, nil)
		assert.Equal(t, 1, again.Pruned)
	})

	t.Run("negative drift moves the local edit earlier", func(t *testing.T) {
		h, item := setup(t)
		sc := h.syncContext()
		sc.DriftMS = -5_000
		h.resolver().Merge(h.ctx, sc, []remote.Item{record("G1", "server.jpg", 100, 6_000, item.ETags.LocalItem)}, nil)
		assert.Equal(t, "server.jpg", h.items.GetByID(h.ctx, item.ID).Name)
	})
}

func TestConflictResolver_Deletes(t *testing.T) {
	t.Run("synced item loses its local copy", func(t *testing.T) {
		h := newSyncHarness(t)
		item := localItem(t, h, "a.jpg", bytesOf(1, 100))
		item.GUID, item.Status = "G1", models.StatusRemote
		require.True(t, h.items.Update(h.ctx, &item))

		sc := h.syncContext()
		stats := h.resolver().ApplyDeletes(h.ctx, sc, []string{"G1", "UNKNOWN"})
		assert.Equal(t, 1, stats.Deleted)
		assert.Empty(t, h.all())
		_, err := os.Stat(item.LocalItemPath)
		assert.True(t, os.IsNotExist(err))
		assert.Equal(t, 1, sc.Report.Counter(models.SideServer, models.OpDelete).Succeeded)
	})

	t.Run("unsent local content is kept", func(t *testing.T) {
		h := newSyncHarness(t)
		item := localItem(t, h, "a.jpg", bytesOf(1, 100))
		item.GUID = "G1"
		require.True(t, h.items.Update(h.ctx, &item))

		h.resolver().ApplyDeletes(h.ctx, h.syncContext(), []string{"G1"})
		got := h.items.GetByID(h.ctx, item.ID)
		require.NotNil(t, got)
		assert.Empty(t, got.GUID)
		assert.Equal(t, models.StatusLocal, got.Status)
		assert.FileExists(t, item.LocalItemPath)
	})

	t.Run("locally removed row drops its queued delete", func(t *testing.T) {
		h := newSyncHarness(t)
		item := models.SyncItem{GUID: "G1", Name: "a.jpg", Status: models.StatusLocallyRemoved, LocalItemPath: "/nowhere/a.jpg"}
		require.NotZero(t, h.items.Insert(h.ctx, &item))
		h.pending.Add(h.ctx, models.NewPendingDelete(testSource, "G1", "a.jpg"))

		h.resolver().ApplyDeletes(h.ctx, h.syncContext(), []string{"G1"})
		assert.Empty(t, h.all())
		assert.Empty(t, h.pending.List(h.ctx, testSource))
	})

	t.Run("full listing prunes vanished rows", func(t *testing.T) {
		h := newSyncHarness(t)
		r := h.resolver()
		r.Merge(h.ctx, h.syncContext(), []remote.Item{record("G1", "a.jpg", 10, 100, ""), record("G2", "b.jpg", 10, 100, "")}, nil)
		pending := localItem(t, h, "c.jpg", bytesOf(1, 10))
		pending.GUID, pending.Status = "G3", models.StatusUploading
		require.True(t, h.items.Update(h.ctx, &pending))

		stats := r.PruneMissing(h.ctx, h.syncContext(), map[string]bool{"G1": true})
		assert.Equal(t, 1, stats.Deleted)
		assert.Nil(t, h.items.GetByField(h.ctx, "guid", "G2"))
		assert.NotNil(t, h.items.GetByField(h.ctx, "guid", "G1"))
		assert.NotNil(t, h.items.GetByField(h.ctx, "guid", "G3"))
	})
}

package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photosync/client/internal/models"
)

func (h *syncHarness) twins() *TwinDetector {
	return NewTwinDetector(h.items, h.reconciler(), NewHashService())
}

func insertRemoteOnly(t *testing.T, h *syncHarness, guid, name string, size int64, etag string) models.SyncItem {
	t.Helper()
	item := models.SyncItem{
		GUID:             guid,
		Name:             name,
		Size:             size,
		ServerLastUpdate: 5000,
		Status:           models.StatusRemoteOnly,
		ETags:            models.ETags{RemoteItem: etag},
	}
	require.NotZero(t, h.items.Insert(h.ctx, &item))
	return item
}

func TestTwinDetector_AbsorbsUnknownFile(t *testing.T) {
	h := newSyncHarness(t)
	path := h.writeFile("x.jpg", bytesOf(1, 100), 1000)
	remote := insertRemoteOnly(t, h, "G", "x.jpg", 100, "")

	merged, err := h.twins().Detect(h.ctx, h.syncContext())
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	rows := h.all()
	require.Len(t, rows, 1)
	got := rows[0]
	assert.Equal(t, remote.ID, got.ID)
	assert.Equal(t, "G", got.GUID)
	assert.Equal(t, path, got.LocalItemPath)
	assert.Equal(t, models.StatusRemote, got.Status)
	assert.NotEmpty(t, got.LUID)
	assert.Equal(t, got.ETags.RemoteItem, got.ETags.LocalItem)
}

func TestTwinDetector_MergesLocalOnlyRow(t *testing.T) {
	h := newSyncHarness(t)
	data := bytesOf(1, 100)
	path := h.writeFile("a.jpg", data, 1000)

	_, err := h.reconciler().Reconcile(h.ctx, h.syncContext())
	require.NoError(t, err)
	local := h.all()[0]

	remote := insertRemoteOnly(t, h, "G1", "a.jpg", 100, contentHash(data))
	labelID := h.labels.Upsert(h.ctx, &models.Label{GUID: "L1", Name: "holiday"})
	require.True(t, h.items.SetLabels(h.ctx, remote.ID, []int64{labelID}))

	merged, err := h.twins().Detect(h.ctx, h.syncContext())
	require.NoError(t, err)
	assert.Equal(t, 1, merged)

	rows := h.all()
	require.Len(t, rows, 1)
	got := rows[0]
	assert.Equal(t, local.ID, got.ID)
	assert.Equal(t, local.LUID, got.LUID)
	assert.Equal(t, "G1", got.GUID)
	assert.Equal(t, path, got.LocalItemPath)
	assert.Equal(t, models.StatusRemote, got.Status)
	assert.Equal(t, []int64{labelID}, h.items.LabelIDs(h.ctx, got.ID))
}

func TestTwinDetector_Matching(t *testing.T) {
	t.Run("size mismatch is not a twin", func(t *testing.T) {
		h := newSyncHarness(t)
		h.writeFile("x.jpg", bytesOf(1, 99), 1000)
		insertRemoteOnly(t, h, "G", "x.jpg", 100, "")

		merged, err := h.twins().Detect(h.ctx, h.syncContext())
		require.NoError(t, err)
		assert.Zero(t, merged)
		assert.Equal(t, models.StatusRemoteOnly, h.all()[0].Status)
	})

	t.Run("different content is not a twin", func(t *testing.T) {
		h := newSyncHarness(t)
		h.writeFile("x.jpg", bytesOf(1, 100), 1000)
		insertRemoteOnly(t, h, "G", "x.jpg", 100, contentHash(bytesOf(2, 100)))

		merged, err := h.twins().Detect(h.ctx, h.syncContext())
		require.NoError(t, err)
		assert.Zero(t, merged)
	})

	t.Run("same name wins among equal sizes", func(t *testing.T) {
		h := newSyncHarness(t)
		h.writeFile("a.jpg", bytesOf(1, 100), 1000)
		b := h.writeFile("b.jpg", bytesOf(1, 100), 1000)
		insertRemoteOnly(t, h, "G", "b.jpg", 100, "")

		merged, err := h.twins().Detect(h.ctx, h.syncContext())
		require.NoError(t, err)
		assert.Equal(t, 1, merged)
		assert.Equal(t, b, h.items.GetByField(h.ctx, "guid", "G").LocalItemPath)
	})

	t.Run("a file is matched once", func(t *testing.T) {
		h := newSyncHarness(t)
		h.writeFile("a.jpg", bytesOf(1, 100), 1000)
		insertRemoteOnly(t, h, "G1", "a.jpg", 100, "")
		insertRemoteOnly(t, h, "G2", "a.jpg", 100, "")

		merged, err := h.twins().Detect(h.ctx, h.syncContext())
		require.NoError(t, err)
		assert.Equal(t, 1, merged)
		assert.Equal(t, models.StatusRemoteOnly, h.items.GetByField(h.ctx, "guid", "G2").Status)
	})

	t.Run("synced files are not candidates", func(t *testing.T) {
		h := newSyncHarness(t)
		path := h.writeFile("a.jpg", bytesOf(1, 100), 1000)
		owner := models.SyncItem{GUID: "G0", Name: "a.jpg", Size: 100, LocalItemPath: path, Status: models.StatusRemote}
		require.NotZero(t, h.items.Insert(h.ctx, &owner))
		insertRemoteOnly(t, h, "G1", "a.jpg", 100, "")

		merged, err := h.twins().Detect(h.ctx, h.syncContext())
		require.NoError(t, err)
		assert.Zero(t, merged)
	})
}

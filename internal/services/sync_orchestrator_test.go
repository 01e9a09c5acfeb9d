package services

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/photosync/client/internal/config"
	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/remote"
	"github.com/photosync/client/internal/repository"
)

func (h *syncHarness) sync(o *SyncOrchestrator) *models.SyncReport {
	h.t.Helper()
	report, err := o.Sync(h.ctx)
	require.NoError(h.t, err)
	return report
}

func TestSyncOrchestrator_TwinEndToEnd(t *testing.T) {
	h := newSyncHarness(t)
	data := bytesOf(1, 100)
	h.writeFile("a.jpg", data, 1000)
	h.client.AddItem(models.SyncItem{Name: "a.jpg"}, data)

	report := h.sync(h.orchestrator())
	assert.Equal(t, models.ResultSuccess, report.Result)
	assert.True(t, report.Full)

	rows := h.all()
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].ID)
	assert.Equal(t, "G1", rows[0].GUID)
	assert.Equal(t, models.StatusRemote, rows[0].Status)

	assert.Equal(t, 1, h.client.Len())
	assert.Zero(t, h.client.Calls(remote.OpUploadItemData))
	assert.Zero(t, h.client.Calls(remote.OpDownloadItem))
}

func TestSyncOrchestrator_TwinsSurviveInterruptedFullSync(t *testing.T) {
	h := newSyncHarness(t)
	data := bytesOf(1, 100)
	h.writeFile("a.jpg", data, 1000)
	h.client.AddItem(models.SyncItem{Name: "a.jpg"}, data)

	o := h.orchestrator()
	var once sync.Once
	h.items.SetListener(repository.ChangeListenerFunc(func(kind repository.ChangeKind, item models.SyncItem) {
		if kind == repository.ChangeInsert && item.Status == models.StatusRemoteOnly {
			once.Do(o.Abort)
		}
	}))

	report := h.sync(o)
	require.Equal(t, models.ResultCanceled, report.Result)
	assert.True(t, report.Full)

	state, err := h.states.Get(h.ctx, testSource)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.NeverSynced())
	assert.Zero(t, state.LastRemoteSync)

	t.Run("next session repeats the full pass", func(t *testing.T) {
		h.items.SetListener(nil)
		report := h.sync(o)
		assert.True(t, report.Full)
		assert.Equal(t, models.ResultSuccess, report.Result)

		rows := h.all()
		require.Len(t, rows, 1)
		assert.Equal(t, "G1", rows[0].GUID)
		assert.Equal(t, filepath.Join(h.uploads, "a.jpg"), rows[0].LocalItemPath)
		assert.Equal(t, models.StatusRemote, rows[0].Status)

		assert.Equal(t, 1, h.client.Len())
		assert.Zero(t, h.client.Calls(remote.OpUploadItemData))
		assert.Zero(t, h.client.Calls(remote.OpDownloadItem))
	})
}

func TestSyncOrchestrator_FullThenIncremental(t *testing.T) {
	h := newSyncHarness(t)
	o := h.orchestrator()

	local := bytesOf(1, 100)
	h.writeFile("b.jpg", local, 1000)
	remoteData := bytesOf(9, 60)
	rguid := h.client.AddItem(models.SyncItem{Name: "r.jpg"}, remoteData)

	report := h.sync(o)
	require.Equal(t, models.ResultSuccess, report.Result)
	assert.True(t, report.Full)
	assert.Equal(t, 2, h.client.Len())

	downloaded := filepath.Join(h.downloads, "r.jpg")
	content, err := os.ReadFile(downloaded)
	require.NoError(t, err)
	assert.Equal(t, remoteData, content)
	for _, row := range h.all() {
		assert.Equal(t, models.StatusRemote, row.Status, row.Name)
	}

	state, err := h.states.Get(h.ctx, testSource)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.False(t, state.NeverSynced())
	assert.Equal(t, models.ResultSuccess.String(), state.LastResult)

	t.Run("nothing changed", func(t *testing.T) {
		report := h.sync(o)
		assert.False(t, report.Full)
		assert.Equal(t, models.ResultNoLocalChanges, report.Result)
		assert.Equal(t, 1, h.client.Calls(remote.OpGetAllItems))
		assert.Equal(t, 1, h.client.Calls(remote.OpGetItemsChanges))
	})

	t.Run("remote content change is downloaded in place", func(t *testing.T) {
		updated := bytesOf(7, 80)
		require.True(t, h.client.ReplaceData(rguid, updated))

		report := h.sync(o)
		assert.Equal(t, models.ResultSuccess, report.Result)
		content, err := os.ReadFile(downloaded)
		require.NoError(t, err)
		assert.Equal(t, updated, content)

		row := h.items.GetByField(h.ctx, "guid", rguid)
		assert.Equal(t, models.StatusRemote, row.Status)
		assert.Equal(t, int64(80), row.Size)
		assert.Len(t, h.all(), 2)
	})

	t.Run("local edit is uploaded", func(t *testing.T) {
		row := h.items.GetByField(h.ctx, "name", "b.jpg")
		require.NotNil(t, row)
		edited := bytesOf(4, 110)
		h.writeFile("b.jpg", edited, row.ModificationDate+10_000)

		report := h.sync(o)
		assert.Equal(t, models.ResultSuccess, report.Result)
		_, stored, ok := h.client.Item(row.GUID)
		require.True(t, ok)
		assert.Equal(t, edited, stored)
		assert.Equal(t, 1, report.Counter(models.SideClient, models.OpUpdate).Succeeded)
	})

	t.Run("remote delete removes the local copy", func(t *testing.T) {
		row := h.items.GetByField(h.ctx, "name", "b.jpg")
		h.client.RemoveItem(row.GUID)

		report := h.sync(o)
		assert.Equal(t, models.ResultSuccess, report.Result)
		assert.Nil(t, h.items.GetByID(h.ctx, row.ID))
		_, err := os.Stat(row.LocalItemPath)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("local delete reaches the server", func(t *testing.T) {
		require.NoError(t, os.Remove(downloaded))

		report := h.sync(o)
		assert.Equal(t, models.ResultSuccess, report.Result)
		assert.Zero(t, h.client.Len())
		assert.Empty(t, h.all())
		assert.Empty(t, h.pending.List(h.ctx, testSource))
		assert.Equal(t, 1, report.Counter(models.SideClient, models.OpDelete).Succeeded)
	})
}

func TestSyncOrchestrator_PagedFullListing(t *testing.T) {
	h := newSyncHarness(t)
	for _, name := range []string{"1.jpg", "2.jpg", "3.jpg"} {
		h.client.AddItem(models.SyncItem{Name: name}, bytesOf(3, 10))
	}

	report := h.sync(h.orchestrator())
	assert.Equal(t, models.ResultSuccess, report.Result)
	assert.Equal(t, 2, h.client.Calls(remote.OpGetAllItems))
	assert.Len(t, h.all(), 3)
	assert.Equal(t, 3, report.Counter(models.SideServer, models.OpAdd).Succeeded)
}

func TestSyncOrchestrator_QuotaAdmission(t *testing.T) {
	h := newSyncHarness(t)
	h.writeFile("a.jpg", bytesOf(1, 100), 1000)
	h.writeFile("b.jpg", bytesOf(2, 80), 1000)
	h.writeFile("c.jpg", bytesOf(3, 20), 1000)
	h.client.SetQuota(remote.Quota{Free: 150, Total: 1000})

	report := h.sync(h.orchestrator())
	assert.Equal(t, models.ResultServerQuotaExceeded, report.Result)
	assert.Equal(t, 1, report.Summary().SkippedQuota)

	status := map[string]models.ItemStatus{}
	for _, row := range h.all() {
		status[row.Name] = row.Status
	}
	assert.Equal(t, map[string]models.ItemStatus{
		"a.jpg": models.StatusRemote,
		"b.jpg": models.StatusLocalNotUploaded,
		"c.jpg": models.StatusRemote,
	}, status)
	assert.Equal(t, 2, h.client.Calls(remote.OpUploadItemMetadata))
}

func TestSyncOrchestrator_ResultCodes(t *testing.T) {
	t.Run("empty source has nothing to do", func(t *testing.T) {
		h := newSyncHarness(t)
		assert.Equal(t, models.ResultNoLocalChanges, h.sync(h.orchestrator()).Result)
	})

	t.Run("network failure stops the session", func(t *testing.T) {
		h := newSyncHarness(t)
		h.writeFile("a.jpg", bytesOf(1, 100), 1000)
		h.client.FailNext(remote.OpGetServerTime, remote.StatusNetworkError)

		report := h.sync(h.orchestrator())
		assert.Equal(t, models.ResultNetworkError, report.Result)
		assert.Empty(t, h.all())

		state, err := h.states.Get(h.ctx, testSource)
		require.NoError(t, err)
		assert.True(t, state.NeverSynced())
	})

	t.Run("authentication failure skips transfers", func(t *testing.T) {
		h := newSyncHarness(t)
		h.writeFile("a.jpg", bytesOf(1, 100), 1000)
		h.client.FailNext(remote.OpGetAllItems, remote.StatusUnauthorized)

		report := h.sync(h.orchestrator())
		assert.Equal(t, models.ResultAuthError, report.Result)
		assert.Zero(t, h.client.Calls(remote.OpUploadItemMetadata))
		assert.Len(t, h.all(), 1)
	})

	t.Run("payment required", func(t *testing.T) {
		h := newSyncHarness(t)
		h.writeFile("a.jpg", bytesOf(1, 100), 1000)
		h.client.FailNext(remote.OpGetQuotaInfo, remote.StatusPaymentRequired)

		assert.Equal(t, models.ResultPaymentRequired, h.sync(h.orchestrator()).Result)
	})

	t.Run("canceled context", func(t *testing.T) {
		h := newSyncHarness(t)
		ctx, cancel := context.WithCancel(h.ctx)
		cancel()

		report, err := h.orchestrator().Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.ResultCanceled, report.Result)
	})

	t.Run("full sync repeats until one succeeds", func(t *testing.T) {
		h := newSyncHarness(t)
		o := h.orchestrator()
		h.client.FailNext(remote.OpGetAllItems, remote.StatusNetworkError)
		require.Equal(t, models.ResultNetworkError, h.sync(o).Result)

		report := h.sync(o)
		assert.True(t, report.Full)
		assert.Equal(t, models.ResultNoLocalChanges, report.Result)
	})

	t.Run("failed remote delete stays queued", func(t *testing.T) {
		h := newSyncHarness(t)
		o := h.orchestrator()
		path := h.writeFile("a.jpg", bytesOf(1, 100), 1000)
		require.Equal(t, models.ResultSuccess, h.sync(o).Result)

		require.NoError(t, os.Remove(path))
		h.client.FailNext(remote.OpDeleteItem, remote.StatusNetworkError, remote.StatusNetworkError, remote.StatusNetworkError)
		report := h.sync(o)
		assert.Equal(t, models.ResultNetworkError, report.Result)

		pending := h.pending.List(h.ctx, testSource)
		require.Len(t, pending, 1)
		assert.Equal(t, 1, pending[0].Attempts)
		assert.Equal(t, 1, h.client.Len())

		assert.Equal(t, models.ResultSuccess, h.sync(o).Result)
		assert.Zero(t, h.client.Len())
	})
}

// abortingStreams aborts the session when the first transfer starts
type abortingStreams struct {
	*FileStreamProvider
	o **SyncOrchestrator
}

func (a abortingStreams) NewProgressObserver(source string, item *models.SyncItem, dir Direction, offset, total int64) ProgressObserver {
	(*a.o).Abort()
	return a.FileStreamProvider.NewProgressObserver(source, item, dir, offset, total)
}

func TestSyncOrchestrator_OfflineRoot(t *testing.T) {
	h := newSyncHarness(t)
	data := bytesOf(1, 100)
	localItem(t, h, "a.jpg", data)
	h.props[config.KeyUploadFolders] = config.UnavailableMarker + h.uploads

	report := h.sync(h.orchestrator())
	assert.Equal(t, models.ResultNoLocalChanges, report.Result)
	assert.Zero(t, h.client.Calls(remote.OpUploadItemMetadata))
	rows := h.all()
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatusLocal, rows[0].Status)
	assert.Zero(t, rows[0].UploadFailures)

	t.Run("uploads once the root is back", func(t *testing.T) {
		h.props[config.KeyUploadFolders] = h.uploads

		report := h.sync(h.orchestrator())
		assert.Equal(t, models.ResultSuccess, report.Result)
		_, stored, ok := h.client.Item("G1")
		require.True(t, ok)
		assert.Equal(t, data, stored)
	})
}

func TestSyncOrchestrator_Abort(t *testing.T) {
	h := newSyncHarness(t)
	h.writeFile("a.jpg", bytesOf(1, 100), 1000)
	h.writeFile("b.jpg", bytesOf(2, 100), 1000)

	var o *SyncOrchestrator
	o = h.orchestrator(func(d *SyncDeps) {
		d.Streams = abortingStreams{FileStreamProvider: NewFileStreamProvider(), o: &o}
	})

	report := h.sync(o)
	assert.Equal(t, models.ResultCanceled, report.Result)
	assert.Zero(t, h.client.Calls(remote.OpUploadItemData))
	assert.Equal(t, 1, h.client.Calls(remote.OpUploadItemMetadata))

	t.Run("next session starts clean", func(t *testing.T) {
		o2 := h.orchestrator()
		assert.Equal(t, models.ResultSuccess, h.sync(o2).Result)
		assert.Equal(t, 2, h.client.Len())
		for _, row := range h.all() {
			assert.Equal(t, models.StatusRemote, row.Status)
		}
	})
}

func TestSyncOrchestrator_Guards(t *testing.T) {
	t.Run("concurrent sessions are refused", func(t *testing.T) {
		h := newSyncHarness(t)
		o := h.orchestrator()
		o.running.Store(true)
		_, err := o.Sync(h.ctx)
		assert.ErrorIs(t, err, ErrSyncInProgress)
	})

	t.Run("invalid quota is a config error", func(t *testing.T) {
		h := newSyncHarness(t)
		h.props[config.KeyLocalStorageQuota] = "lots"
		_, err := NewSyncOrchestrator(testSource, h.props, SyncDeps{})
		assert.Equal(t, models.KindConfigError, models.KindOf(err))
	})

	t.Run("last report is kept", func(t *testing.T) {
		h := newSyncHarness(t)
		o := h.orchestrator()
		assert.Nil(t, o.LastReport())
		report := h.sync(o)
		assert.Same(t, report, o.LastReport())
	})
}

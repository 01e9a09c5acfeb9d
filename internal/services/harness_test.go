package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/photosync/client/internal/config"
	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/remote"
	"github.com/photosync/client/internal/repository"
)

const testSource = "photos"

// contentHash is the local item validator of data
func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// syncHarness bundles in-memory stores, a fake remote and temp folders
type syncHarness struct {
	t         *testing.T
	ctx       context.Context
	uploads   string
	downloads string
	props     config.SourceProperties
	items     *repository.ItemRepository
	labels    *repository.LabelRepository
	pending   *repository.PendingDeleteRepository
	states    *repository.SyncStateRepository
	client    *remote.MemoryClient
	storage   *LocalStorageService
}

func newSyncHarness(t *testing.T) *syncHarness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	itemDB, err := repository.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	labelDB, err := repository.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	stateDB, err := repository.NewSQLiteDB(":memory:")
	require.NoError(t, err)

	storage, err := NewLocalStorageService(filepath.Join(dir, "spool"))
	require.NoError(t, err)

	h := &syncHarness{
		t:         t,
		ctx:       ctx,
		uploads:   filepath.Join(dir, "uploads"),
		downloads: filepath.Join(dir, "downloads"),
		items:     repository.NewItemRepository(ctx, itemDB, repository.SQLite, testSource),
		labels:    repository.NewLabelRepository(ctx, labelDB, repository.SQLite),
		pending:   repository.NewPendingDeleteRepository(ctx, stateDB, repository.SQLite),
		states:    repository.NewSyncStateRepository(ctx, stateDB, repository.SQLite),
		client:    remote.NewMemoryClient(),
		storage:   storage,
	}
	require.NoError(t, os.MkdirAll(h.uploads, 0755))
	h.props = config.SourceProperties{
		config.KeyUploadFolders:  h.uploads,
		config.KeyDownloadFolder: h.downloads,
	}
	t.Cleanup(func() {
		h.items.Close()
		h.labels.Close()
		stateDB.Close()
	})
	return h
}

// writeFile creates a file under the upload folder with the given mtime in ms
func (h *syncHarness) writeFile(rel string, data []byte, mtimeMS int64) string {
	h.t.Helper()
	path := filepath.Join(h.uploads, rel)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(h.t, os.WriteFile(path, data, 0644))
	ts := time.UnixMilli(mtimeMS)
	require.NoError(h.t, os.Chtimes(path, ts, ts))
	return path
}

func (h *syncHarness) syncContext() *SyncContext {
	return NewSyncContext("test-session", testSource, h.props, nil)
}

func (h *syncHarness) reconciler() *LocalReconciler {
	return NewLocalReconciler(h.items, h.pending, NewHashService(), NewMediaService())
}

func (h *syncHarness) transfers(policy RetryPolicy) *TransferService {
	return NewTransferService(h.items, h.labels, h.client, NewFileStreamProvider(), h.storage, policy)
}

func (h *syncHarness) resolver() *ConflictResolver {
	return NewConflictResolver(h.items, h.labels, h.pending, h.storage, nil)
}

func (h *syncHarness) orchestrator(opts ...func(*SyncDeps)) *SyncOrchestrator {
	h.t.Helper()
	deps := SyncDeps{
		Items:    h.items,
		Labels:   h.labels,
		Pending:  h.pending,
		States:   h.states,
		Client:   h.client,
		Storage:  h.storage,
		Transfer: config.Transfer{MaxAttempts: 3, MinProgressBytes: 1, PageSize: 2},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	o, err := NewSyncOrchestrator(testSource, h.props, deps)
	require.NoError(h.t, err)
	return o
}

func (h *syncHarness) all() []models.SyncItem {
	return h.items.GetAll(h.ctx, repository.QueryOptions{})
}

// bytesOf returns n bytes of repeating content seeded by b
func bytesOf(b byte, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = b + byte(i%7)
	}
	return data
}

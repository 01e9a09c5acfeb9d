package services

import (
	"context"
	"os"
	"path/filepath"

	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/observability"
	"github.com/photosync/client/internal/remote"
	"github.com/photosync/client/internal/repository"
)

// TransferService moves item content between the local filesystem and the
// remote service, resuming interrupted transfers
type TransferService struct {
	items   repository.ItemStore
	binder  labelBinder
	client  remote.Client
	streams StreamProvider
	storage *LocalStorageService
	thumbs  *ThumbnailService
	policy  RetryPolicy
	metrics *observability.SyncMetrics
}

// TransferOption configures a TransferService
type TransferOption func(*TransferService)

// WithThumbnails renders local renditions of downloaded images
func WithThumbnails(thumbs *ThumbnailService) TransferOption {
	return func(t *TransferService) { t.thumbs = thumbs }
}

// WithMetrics records transfer metrics
func WithMetrics(m *observability.SyncMetrics) TransferOption {
	return func(t *TransferService) { t.metrics = m }
}

// NewTransferService creates a transfer engine for one source
func NewTransferService(
	items repository.ItemStore,
	labels repository.LabelStore,
	client remote.Client,
	streams StreamProvider,
	storage *LocalStorageService,
	policy RetryPolicy,
	opts ...TransferOption,
) *TransferService {
	t := &TransferService{
		items:   items,
		binder:  labelBinder{labels: labels, items: items},
		client:  client,
		streams: streams,
		storage: storage,
		policy:  policy,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// uploadPlan says whether metadata goes first and whether it is all that is sent
func uploadPlan(item *models.SyncItem) (sendMetadata, metadataOnly bool) {
	switch {
	case !item.HasRemoteIdentity():
		return true, false
	case item.Status == models.StatusLocalMetaDataChanged:
		return true, true
	case item.Status == models.StatusUploading:
		return false, false
	}
	// Local or LocalNotUploaded with a GUID: content is replaced from scratch
	return true, false
}

// UploadCost returns what admitting item charges against the session quota
func (t *TransferService) UploadCost(ctx context.Context, item *models.SyncItem) int64 {
	if _, metadataOnly := uploadPlan(item); metadataOnly {
		return 0
	}
	if item.Status != models.StatusUploading {
		return item.Size
	}
	stored, status := t.client.GetItemResumeInfo(ctx, *item)
	if !status.OK() {
		return item.Size
	}
	return uploadCost(item, stored)
}

// Upload sends item to the remote service. The item is persisted after
// every state change, so an interrupted upload resumes next session.
func (t *TransferService) Upload(ctx context.Context, sc *SyncContext, item *models.SyncItem) error {
	ctx, span := observability.StartServiceSpan(ctx, "transfer", "upload")
	defer span.End()
	span.SetAttributes(observability.ItemID(item.ID), observability.SourceName(sc.Source))

	log := sc.Logger().WithItem(item.ID, item.Name)
	op := models.OpUpdate
	if !item.HasRemoteIdentity() {
		op = models.OpAdd
	}

	if item.LUID == "" {
		log.Warnf("Item has no local identity, not uploading")
		return t.uploadFailed(ctx, sc, item, op, remote.StatusNotSupported)
	}
	if _, err := os.Stat(item.LocalItemPath); err != nil {
		log.Warnf("Local file is not readable: %v", err)
		return t.uploadFailed(ctx, sc, item, op, remote.StatusError)
	}

	status, sent := t.upload(ctx, sc, item, false)
	if !status.OK() {
		observability.RecordError(span, status.Err("upload"))
		return t.uploadFailed(ctx, sc, item, op, status)
	}

	sc.Report.AddItem(models.SideClient, op, true)
	sc.Report.AddBytes(sent, 0)
	t.metrics.RecordUpload(ctx, sc.Source, sent, true)
	span.SetAttributes(observability.ItemGUID(item.GUID), observability.Bytes(sent))
	observability.SetSuccess(span)
	log.Debugf("Uploaded as %s (%d bytes)", item.GUID, sent)
	return nil
}

// upload runs the metadata and data steps. A remote identity the server no
// longer knows is dropped and the item restarts once as a fresh upload.
func (t *TransferService) upload(ctx context.Context, sc *SyncContext, item *models.SyncItem, restarted bool) (remote.Status, int64) {
	sendMetadata, metadataOnly := uploadPlan(item)

	var offset int64
	if sendMetadata {
		var result remote.UploadResult
		status := runWithRetry(ctx, sc, t.policy, func(ctx context.Context) (remote.Status, int64) {
			var s remote.Status
			result, s = t.client.UploadItemMetadata(ctx, *item, metadataOnly)
			return s, 0
		}, t.retried(ctx, sc, DirectionUpload))

		if status == remote.StatusNotFound && item.HasRemoteIdentity() && !restarted {
			return t.restartFresh(ctx, sc, item)
		}
		if !status.OK() {
			return status, 0
		}
		applyUploadResult(item, result)

		if metadataOnly {
			item.Status = models.StatusRemote
			item.UploadFailures = 0
			t.items.Update(ctx, item)
			return remote.StatusOK, 0
		}
	} else {
		stored, status := t.client.GetItemResumeInfo(ctx, *item)
		switch {
		case status == remote.StatusNotFound && !restarted:
			return t.restartFresh(ctx, sc, item)
		case !status.OK():
			return status, 0
		}
		if stored < item.Size {
			offset = stored
		}
	}

	item.Status = models.StatusUploading
	t.items.Update(ctx, item)

	start := offset
	obs := t.streams.NewProgressObserver(sc.Source, item, DirectionUpload, offset, item.Size)
	var result remote.UploadResult
	status := runWithRetry(ctx, sc, t.policy, func(ctx context.Context) (remote.Status, int64) {
		in, err := t.streams.OpenInput(item, offset)
		if err != nil {
			sc.Logger().WithItem(item.ID, item.Name).Errorf("Failed to open local file: %v", err)
			return remote.StatusError, 0
		}
		counter := &countingReader{r: in, obs: obs}
		res, s := t.client.UploadItemData(ctx, *item, counter, offset)
		in.Close()
		if s.OK() {
			result = res
			return s, counter.n
		}
		if !s.Retryable() {
			return s, counter.n
		}
		// progress is what the server kept, not what was read
		stored, rs := t.client.GetItemResumeInfo(ctx, *item)
		if !rs.OK() || stored < offset || stored > item.Size {
			return s, 0
		}
		moved := stored - offset
		offset = stored
		return s, moved
	}, t.retried(ctx, sc, DirectionUpload))
	obs.Done(status.OK())

	if status == remote.StatusNotFound && !restarted {
		return t.restartFresh(ctx, sc, item)
	}
	if !status.OK() {
		return status, offset - start
	}

	applyUploadResult(item, result)
	item.Status = models.StatusRemote
	item.UploadFailures = 0
	t.items.Update(ctx, item)
	return remote.StatusOK, item.Size - start
}

// restartFresh forgets the remote identity and uploads the item as new
func (t *TransferService) restartFresh(ctx context.Context, sc *SyncContext, item *models.SyncItem) (remote.Status, int64) {
	sc.Logger().WithItem(item.ID, item.Name).Warnf("Remote item %s is gone, uploading as a new item", item.GUID)
	item.GUID = ""
	item.ETags.RemoteItem, item.ETags.RemoteThumb, item.ETags.RemotePreview = "", "", ""
	item.URLs = models.RemoteURLs{}
	item.ServerLastUpdate = 0
	item.Status = models.StatusLocal
	t.items.Update(ctx, item)
	return t.upload(ctx, sc, item, true)
}

func applyUploadResult(item *models.SyncItem, res remote.UploadResult) {
	if res.GUID != "" {
		item.GUID = res.GUID
	}
	if res.ETags.RemoteItem != "" {
		item.ETags.RemoteItem = res.ETags.RemoteItem
	}
	if res.ETags.RemoteThumb != "" {
		item.ETags.RemoteThumb = res.ETags.RemoteThumb
	}
	if res.ETags.RemotePreview != "" {
		item.ETags.RemotePreview = res.ETags.RemotePreview
	}
	if res.URLs != (models.RemoteURLs{}) {
		item.URLs = res.URLs
	}
	if res.ServerLastUpdate != 0 {
		item.ServerLastUpdate = res.ServerLastUpdate
	}
}

func (t *TransferService) uploadFailed(ctx context.Context, sc *SyncContext, item *models.SyncItem, op models.SyncOperation, status remote.Status) error {
	if status != remote.StatusCanceled {
		item.UploadFailures++
		if status == remote.StatusQuotaExceeded {
			item.Status = models.StatusLocalNotUploaded
		}
		t.items.Update(ctx, item)
		sc.Report.AddItem(models.SideClient, op, false)
		t.metrics.RecordUpload(ctx, sc.Source, 0, false)
	}
	return status.Err("upload " + item.Name)
}

func (t *TransferService) retried(ctx context.Context, sc *SyncContext, dir Direction) func() {
	return func() {
		sc.Report.AddRetry()
		t.metrics.RecordRetry(ctx, sc.Source, string(dir))
	}
}

// Download fetches the content of a remote item into the download folder,
// resuming from a previous partial download
func (t *TransferService) Download(ctx context.Context, sc *SyncContext, item *models.SyncItem, guard *LocalQuotaGuard) error {
	ctx, span := observability.StartServiceSpan(ctx, "transfer", "download")
	defer span.End()
	span.SetAttributes(observability.ItemID(item.ID), observability.ItemGUID(item.GUID))

	log := sc.Logger().WithItem(item.ID, item.Name)
	op := models.OpUpdate
	if item.LocalItemPath == "" {
		op = models.OpAdd
	}

	if !item.HasRemoteIdentity() {
		return t.downloadFailed(ctx, sc, op, models.NewSyncError(models.KindGenericSyncError, "item %d has no remote identity", item.ID))
	}

	spool := t.storage.SpoolPath(sc.Source, item)
	offset := t.storage.SpoolOffset(spool)
	if offset > item.Size {
		t.storage.DiscardSpool(spool)
		offset = 0
	}

	destDir := sc.Props.DownloadFolder()
	if item.LocalItemPath != "" {
		destDir = filepath.Dir(item.LocalItemPath)
	}
	if !guard.Allow(destDir, item.Size-offset) {
		return t.downloadFailed(ctx, sc, op, models.NewSyncError(models.KindClientQuotaExceeded, "no room for %s (%d bytes)", item.Name, item.Size))
	}

	item.Status = models.StatusDownloading
	t.items.Update(ctx, item)

	start := offset
	status := remote.StatusOK
	// a spool holding every byte only needs placing
	if offset == 0 || offset < item.Size {
		status = t.fetch(ctx, sc, item, spool, &offset)
	}
	if status == remote.StatusForbidden {
		// the stored URL may have expired: refresh the record once and retry
		log.Infof("Download forbidden, refreshing item metadata")
		if t.refresh(ctx, item) {
			if fresh := t.storage.SpoolPath(sc.Source, item); fresh != spool {
				t.storage.DiscardSpool(spool)
				spool = fresh
				offset = t.storage.SpoolOffset(spool)
				start = offset
			}
			status = t.fetch(ctx, sc, item, spool, &offset)
		}
	}
	if status == remote.StatusRangeNotSatisfiable && offset > 0 {
		log.Infof("Server cannot resume at byte %d, restarting download", offset)
		t.storage.DiscardSpool(spool)
		offset, start = 0, 0
		status = t.fetch(ctx, sc, item, spool, &offset)
	}
	if !status.OK() {
		if status == remote.StatusNotFound {
			t.storage.DiscardSpool(spool)
		}
		observability.RecordError(span, status.Err("download"))
		return t.downloadFailed(ctx, sc, op, status.Err("download "+item.Name))
	}

	dest, err := t.storage.Place(spool, item, sc.Props.DownloadFolder())
	if err != nil {
		observability.RecordError(span, err)
		return t.downloadFailed(ctx, sc, op, err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return t.downloadFailed(ctx, sc, op, models.NewSyncError(models.KindReadLocalItemsError, "stat %s: %v", dest, err))
	}

	item.LocalItemPath = dest
	item.Size = info.Size()
	item.ModificationDate = info.ModTime().UnixMilli()
	item.ETags.SyncLocalFromRemote()
	item.Status = models.StatusRemote
	t.items.Update(ctx, item)

	if t.thumbs != nil && IsSupportedFormat(dest) {
		if _, err := t.thumbs.Generate(sc.Source, item); err != nil {
			log.Debugf("No renditions: %v", err)
		}
	}

	received := item.Size - start
	sc.Report.AddItem(models.SideServer, op, true)
	sc.Report.AddBytes(0, received)
	t.metrics.RecordDownload(ctx, sc.Source, received, true)
	observability.SetSuccess(span)
	log.Debugf("Downloaded to %s", dest)
	return nil
}

// fetch streams the remaining content into the spool file under the retry policy
func (t *TransferService) fetch(ctx context.Context, sc *SyncContext, item *models.SyncItem, spool string, offset *int64) remote.Status {
	obs := t.streams.NewProgressObserver(sc.Source, item, DirectionDownload, *offset, item.Size)
	status := runWithRetry(ctx, sc, t.policy, func(ctx context.Context) (remote.Status, int64) {
		out, err := t.streams.OpenOutput(spool, *offset)
		if err != nil {
			sc.Logger().WithItem(item.ID, item.Name).Errorf("Failed to open spool file: %v", err)
			return remote.StatusError, 0
		}
		counter := &countingWriter{w: out, obs: obs}
		s := t.client.DownloadItem(ctx, *item, *offset, counter)
		if err := out.Close(); err != nil && s.OK() {
			s = remote.StatusError
		}
		*offset += counter.n
		return s, counter.n
	}, t.retried(ctx, sc, DirectionDownload))
	obs.Done(status.OK())
	return status
}

// refresh reloads the remote record of item, keeping local bookkeeping
func (t *TransferService) refresh(ctx context.Context, item *models.SyncItem) bool {
	items, labels, status := t.client.GetItemsFromID(ctx, []string{item.GUID})
	if !status.OK() || len(items) == 0 {
		return false
	}
	t.binder.remember(ctx, labels)
	item.MergeRemotePayload(items[0].SyncItem)
	t.items.Update(ctx, item)
	t.binder.bind(ctx, item.ID, items[0].LabelGUIDs)
	return true
}

func (t *TransferService) downloadFailed(ctx context.Context, sc *SyncContext, op models.SyncOperation, err error) error {
	if models.KindOf(err) != models.KindCanceled {
		sc.Report.AddItem(models.SideServer, op, false)
		t.metrics.RecordDownload(ctx, sc.Source, 0, false)
	}
	return err
}

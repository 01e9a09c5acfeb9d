package services

import (
	"context"

	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/remote"
	"github.com/photosync/client/internal/repository"
)

// MergeStats counts what a metadata merge did
type MergeStats struct {
	Added     int
	Updated   int
	Pruned    int
	LocalWins int
	Deleted   int
}

// Changed reports whether the merge touched the store
func (s MergeStats) Changed() bool {
	return s.Added+s.Updated+s.LocalWins+s.Deleted > 0
}

func (s *MergeStats) add(o MergeStats) {
	s.Added += o.Added
	s.Updated += o.Updated
	s.Pruned += o.Pruned
	s.LocalWins += o.LocalWins
	s.Deleted += o.Deleted
}

// ConflictResolver merges remote metadata into the item store
type ConflictResolver struct {
	items   repository.ItemStore
	pending repository.PendingDeleteStore
	binder  labelBinder
	hasher  *HashService
	storage *LocalStorageService
	thumbs  *ThumbnailService
}

// NewConflictResolver creates a resolver. thumbs may be nil.
func NewConflictResolver(
	items repository.ItemStore,
	labels repository.LabelStore,
	pending repository.PendingDeleteStore,
	storage *LocalStorageService,
	thumbs *ThumbnailService,
) *ConflictResolver {
	return &ConflictResolver{
		items:   items,
		pending: pending,
		binder:  labelBinder{labels: labels, items: items},
		hasher:  NewHashService(),
		storage: storage,
		thumbs:  thumbs,
	}
}

// hasLocalChanges reports whether the row carries edits not yet on the server
func hasLocalChanges(s models.ItemStatus) bool {
	switch s {
	case models.StatusLocal, models.StatusLocalMetaDataChanged,
		models.StatusUploading, models.StatusLocalNotUploaded:
		return true
	}
	return false
}

// Merge applies one batch of remote records. Records whose ServerLastUpdate
// is not newer than the cached value are skipped without touching the store.
func (c *ConflictResolver) Merge(ctx context.Context, sc *SyncContext, records []remote.Item, labels []models.Label) MergeStats {
	var stats MergeStats
	c.binder.remember(ctx, labels)

	for i := range records {
		rec := records[i]
		if !rec.HasRemoteIdentity() {
			continue
		}
		local := c.items.GetByField(ctx, "guid", rec.GUID)
		if local == nil {
			c.insertRemote(ctx, rec)
			stats.Added++
			continue
		}
		if local.Status == models.StatusLocallyRemoved {
			// the queued delete goes out in the upload phase
			stats.Pruned++
			continue
		}
		if rec.ServerLastUpdate <= local.ServerLastUpdate {
			stats.Pruned++
			continue
		}

		if hasLocalChanges(local.Status) && !c.remoteWins(sc, rec.SyncItem, local) {
			local.ServerLastUpdate = rec.ServerLastUpdate
			c.items.Update(ctx, local)
			stats.LocalWins++
			sc.Logger().WithItem(local.ID, local.Name).Debugf("Local edit is newer than remote %s", rec.GUID)
			continue
		}

		c.applyRemote(ctx, sc, local, rec)
		stats.Updated++
	}
	return stats
}

// remoteWins compares the server timestamp with the local edit time moved onto
// the server clock
func (c *ConflictResolver) remoteWins(sc *SyncContext, rec models.SyncItem, local *models.SyncItem) bool {
	return rec.ServerLastUpdate >= local.ModificationDate+sc.DriftMS
}

func (c *ConflictResolver) insertRemote(ctx context.Context, rec remote.Item) {
	item := rec.SyncItem.Clone()
	item.ID = 0
	item.LUID = ""
	item.LocalItemPath = ""
	item.ETags.LocalItem, item.ETags.LocalThumb, item.ETags.LocalPreview = "", "", ""
	item.UploadFailures = 0
	item.Status = models.StatusRemoteOnly
	if id := c.items.Insert(ctx, &item); id != 0 {
		c.binder.bind(ctx, id, rec.LabelGUIDs)
	}
}

// applyRemote overwrites the payload fields of local with rec. Content that
// differs from the local copy is scheduled for download.
func (c *ConflictResolver) applyRemote(ctx context.Context, sc *SyncContext, local *models.SyncItem, rec remote.Item) {
	contentChanged := !c.hasher.SameContent(rec.ETags.RemoteItem, local.ETags.LocalItem) ||
		rec.Size != local.Size

	localEdit := local.ModificationDate
	spool := c.storage.SpoolPath(sc.Source, local)
	local.MergeRemotePayload(rec.SyncItem)
	if c.storage.SpoolPath(sc.Source, local) != spool {
		// a partial download of the previous content is useless now
		c.storage.DiscardSpool(spool)
	}
	local.UploadFailures = 0
	switch {
	case local.LocalItemPath == "":
		if local.Status != models.StatusDownloading {
			local.Status = models.StatusRemoteOnly
		}
	case contentChanged:
		local.Status = models.StatusRemoteOnly
	default:
		// the file on disk is unchanged, so is its timestamp
		local.ModificationDate = localEdit
		local.Status = models.StatusRemote
		sc.Report.AddItem(models.SideServer, models.OpUpdate, true)
	}
	c.items.Update(ctx, local)
	c.binder.bind(ctx, local.ID, rec.LabelGUIDs)
}

// ApplyDeletes removes the rows of items deleted on the server together with
// their local files. A row with unsent local content keeps its file and is
// uploaded again as a new item.
func (c *ConflictResolver) ApplyDeletes(ctx context.Context, sc *SyncContext, guids []string) MergeStats {
	var stats MergeStats
	for _, guid := range guids {
		if sc.Aborted() {
			break
		}
		local := c.items.GetByField(ctx, "guid", guid)
		if local == nil {
			c.pending.Remove(ctx, sc.Source, guid)
			continue
		}
		if c.forget(ctx, sc, local) {
			stats.Deleted++
		}
	}
	return stats
}

// PruneMissing treats synced rows absent from a full listing as deleted
func (c *ConflictResolver) PruneMissing(ctx context.Context, sc *SyncContext, seen map[string]bool) MergeStats {
	var stats MergeStats
	for _, item := range c.items.GetAll(ctx, repository.QueryOptions{}) {
		if !item.HasRemoteIdentity() || seen[item.GUID] {
			continue
		}
		switch item.Status {
		case models.StatusRemote, models.StatusRemoteOnly,
			models.StatusLocalMetaDataChanged, models.StatusDownloading:
		default:
			continue
		}
		item := item
		if c.forget(ctx, sc, &item) {
			stats.Deleted++
		}
	}
	return stats
}

func (c *ConflictResolver) forget(ctx context.Context, sc *SyncContext, local *models.SyncItem) bool {
	log := sc.Logger().WithItem(local.ID, local.Name)
	guid := local.GUID
	defer c.pending.Remove(ctx, sc.Source, guid)

	switch local.Status {
	case models.StatusLocal, models.StatusUploading, models.StatusLocalNotUploaded:
		log.Infof("Remote item %s was deleted, keeping local edits", guid)
		local.GUID = ""
		local.ETags.RemoteItem, local.ETags.RemoteThumb, local.ETags.RemotePreview = "", "", ""
		local.URLs = models.RemoteURLs{}
		local.ServerLastUpdate = 0
		local.Status = models.StatusLocal
		return c.items.Update(ctx, local)
	}

	if local.LocalItemPath != "" && local.Status != models.StatusLocallyRemoved {
		if err := c.storage.RemoveLocal(local.LocalItemPath); err != nil {
			log.Warnf("Failed to remove local copy of deleted item: %v", err)
			sc.Report.AddItem(models.SideServer, models.OpDelete, false)
			return false
		}
	}
	if local.GUID != "" {
		c.storage.DiscardSpool(c.storage.SpoolPath(sc.Source, local))
	}
	if c.thumbs != nil {
		c.thumbs.Delete(sc.Source, local)
	}
	ok := c.items.Remove(ctx, local)
	sc.Report.AddItem(models.SideServer, models.OpDelete, ok)
	return ok
}

package services

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/photosync/client/internal/config"
	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/observability"
	"github.com/photosync/client/internal/repository"
)

// LocalFile is one regular file found under an upload root
type LocalFile struct {
	Path    string
	Size    int64
	ModTime int64 // unix ms
}

// RenamedItem pairs a cached row with the file it moved to
type RenamedItem struct {
	Item models.SyncItem
	File LocalFile
}

// UpdatedItem pairs a cached row with its changed file
type UpdatedItem struct {
	Item models.SyncItem
	File LocalFile
}

// LocalChanges is the result of comparing the filesystem with the cache
type LocalChanges struct {
	New     []LocalFile
	Updated []UpdatedItem
	Missing []models.SyncItem
	Renamed []RenamedItem
	// Files lists every accepted file in walk order
	Files []LocalFile
	// SkippedRoots were unavailable; their rows are never reported missing
	SkippedRoots []string
}

// Empty reports whether nothing changed locally
func (c *LocalChanges) Empty() bool {
	return len(c.New) == 0 && len(c.Updated) == 0 && len(c.Missing) == 0 && len(c.Renamed) == 0
}

// LocalReconciler detects filesystem changes and commits them to the item store
type LocalReconciler struct {
	items   repository.ItemStore
	pending repository.PendingDeleteStore
	hasher  *HashService
	media   *MediaService
}

// NewLocalReconciler creates a reconciler over a source's stores
func NewLocalReconciler(items repository.ItemStore, pending repository.PendingDeleteStore, hasher *HashService, media *MediaService) *LocalReconciler {
	return &LocalReconciler{
		items:   items,
		pending: pending,
		hasher:  hasher,
		media:   media,
	}
}

// Reconcile scans, correlates renames and commits. It returns the changes
// that were found.
func (r *LocalReconciler) Reconcile(ctx context.Context, sc *SyncContext) (*LocalChanges, error) {
	ctx, span := observability.StartServiceSpan(ctx, "reconciler", "reconcile")
	defer span.End()

	changes, err := r.Scan(ctx, sc)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	r.CorrelateRenames(changes)
	r.Commit(ctx, sc, changes)

	observability.SetSuccess(span)
	return changes, nil
}

// scanRoots returns the roots to walk: the upload roots plus the download
// folder, which holds materialized remote items
func scanRoots(props config.SourceProperties) []config.UploadRoot {
	roots := props.UploadRoots()
	dl := props.DownloadFolder()
	if dl == "" {
		return roots
	}
	dl = filepath.Clean(dl)
	for _, root := range roots {
		if !root.Unavailable && isUnder(dl, root.Path) {
			return roots
		}
	}
	return append(roots, config.UploadRoot{Path: dl, Kind: config.RootLocal})
}

// isUnder reports whether path is root or lies below it
func isUnder(path, root string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// reachable reports whether root can be walked right now
func reachable(root config.UploadRoot) bool {
	if root.Unavailable {
		return false
	}
	info, err := os.Stat(root.Path)
	return err == nil && info.IsDir()
}

// offlineRoots returns the upload roots that cannot be read right now
func offlineRoots(props config.SourceProperties) []string {
	var out []string
	for _, root := range props.UploadRoots() {
		if !reachable(root) {
			out = append(out, root.Path)
		}
	}
	return out
}

// underAny reports whether path lies below one of roots
func underAny(path string, roots []string) bool {
	for _, root := range roots {
		if isUnder(path, root) {
			return true
		}
	}
	return false
}

// Scan walks every available root and classifies files against the cache
func (r *LocalReconciler) Scan(ctx context.Context, sc *SyncContext) (*LocalChanges, error) {
	log := sc.Logger()
	filter, err := newFileFilter(sc.Props)
	if err != nil {
		return nil, models.NewSyncError(models.KindConfigError, "%v", err)
	}

	changes := &LocalChanges{}
	var scanned []string
	for _, root := range scanRoots(sc.Props) {
		if !reachable(root) {
			if !root.Unavailable {
				log.Warnf("Upload root %s (%s) is not reachable, skipping", root.Path, root.Kind)
			}
			changes.SkippedRoots = append(changes.SkippedRoots, root.Path)
			continue
		}
		if err := r.walk(ctx, sc, root.Path, filter, changes); err != nil {
			return nil, err
		}
		scanned = append(scanned, root.Path)
	}

	rows := r.items.GetAll(ctx, repository.QueryOptions{})
	byPath := make(map[string]models.SyncItem, len(rows))
	for _, row := range rows {
		if row.LocalItemPath != "" {
			if _, dup := byPath[row.LocalItemPath]; !dup {
				byPath[row.LocalItemPath] = row
			}
		}
	}

	seen := make(map[string]bool, len(changes.Files))
	for _, f := range changes.Files {
		seen[f.Path] = true
		row, ok := byPath[f.Path]
		if !ok {
			changes.New = append(changes.New, f)
			continue
		}
		if !tracksLocalFile(row.Status) {
			continue
		}
		if f.ModTime > row.ModificationDate || f.Size != row.Size {
			changes.Updated = append(changes.Updated, UpdatedItem{Item: row, File: f})
		}
	}

	for _, row := range rows {
		if row.LocalItemPath == "" || seen[row.LocalItemPath] || !tracksLocalFile(row.Status) {
			continue
		}
		for _, root := range scanned {
			if isUnder(row.LocalItemPath, root) {
				changes.Missing = append(changes.Missing, row)
				break
			}
		}
	}

	log.Debugf("Local scan: %d files, %d new, %d updated, %d missing",
		len(changes.Files), len(changes.New), len(changes.Updated), len(changes.Missing))
	return changes, nil
}

// tracksLocalFile reports whether a row is expected to have a file on disk
func tracksLocalFile(s models.ItemStatus) bool {
	switch s {
	case models.StatusRemoteOnly, models.StatusDownloading, models.StatusLocallyRemoved:
		return false
	}
	return true
}

func (r *LocalReconciler) walk(ctx context.Context, sc *SyncContext, root string, filter *fileFilter, changes *LocalChanges) error {
	log := sc.Logger()
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if sc.Aborted() || ctx.Err() != nil {
			return models.ErrCanceled
		}
		if err != nil {
			if path == root {
				return models.NewSyncError(models.KindReadLocalItemsError, "read %s: %v", root, err)
			}
			log.Warnf("Skipping unreadable %s: %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && filter.skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			log.Warnf("Skipping %s: %v", path, err)
			return nil
		}
		if !filter.accept(d.Name(), info.Size()) {
			return nil
		}
		changes.Files = append(changes.Files, LocalFile{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime().UnixMilli(),
		})
		return nil
	})

	var se models.SyncError
	if errors.As(err, &se) {
		return se
	}
	if err != nil {
		return models.NewSyncError(models.KindReadLocalItemsError, "walk %s: %v", root, err)
	}
	return nil
}

// CorrelateRenames pairs missing rows with new files of the same size and
// timestamp. Matched pairs leave the New and Missing lists.
func (r *LocalReconciler) CorrelateRenames(changes *LocalChanges) {
	if len(changes.New) == 0 || len(changes.Missing) == 0 {
		return
	}

	used := make([]bool, len(changes.New))
	var missing []models.SyncItem
	for _, row := range changes.Missing {
		match := -1
		for i, f := range changes.New {
			if used[i] || f.Size != row.Size {
				continue
			}
			if f.ModTime == row.CreationDate || f.ModTime == row.ModificationDate {
				match = i
				break
			}
		}
		if match < 0 {
			missing = append(missing, row)
			continue
		}
		used[match] = true
		changes.Renamed = append(changes.Renamed, RenamedItem{Item: row, File: changes.New[match]})
	}

	var fresh []LocalFile
	for i, f := range changes.New {
		if !used[i] {
			fresh = append(fresh, f)
		}
	}
	changes.New = fresh
	changes.Missing = missing
}

// isSynced reports whether the remote copy holds the full content, so a local
// change only needs a metadata upload. Pending uploads keep their status.
func isSynced(s models.ItemStatus) bool {
	return s == models.StatusRemote || s == models.StatusLocalMetaDataChanged
}

func metadataChangedStatus(item *models.SyncItem) models.ItemStatus {
	if item.HasRemoteIdentity() {
		return models.StatusLocalMetaDataChanged
	}
	return models.StatusLocal
}

// newLocalItem builds the row of a newly discovered file
func (r *LocalReconciler) newLocalItem(f LocalFile) models.SyncItem {
	item := models.SyncItem{
		LUID:             uuid.NewString(),
		Name:             filepath.Base(f.Path),
		Size:             f.Size,
		CreationDate:     f.ModTime,
		ModificationDate: f.ModTime,
		Status:           models.StatusLocal,
		LocalItemPath:    f.Path,
	}
	r.describe(&item)
	return item
}

// describe fills content type, format metadata and the local validator
func (r *LocalReconciler) describe(item *models.SyncItem) {
	if r.media != nil {
		info := r.media.Inspect(item.LocalItemPath)
		item.ContentType = info.ContentType
		item.Format = info.Format
	}
	if r.hasher != nil {
		if etag, err := r.hasher.FileETag(item.LocalItemPath); err == nil {
			item.ETags.LocalItem = etag
		}
	}
}

// Commit writes detected changes to the store and returns how many rows changed
func (r *LocalReconciler) Commit(ctx context.Context, sc *SyncContext, changes *LocalChanges) int {
	var ops []*models.OperationDescriptor

	for _, f := range changes.New {
		ops = append(ops, models.NewAddOperation(r.newLocalItem(f)))
	}

	for _, u := range changes.Updated {
		item := u.Item.Clone()
		previousETag := item.ETags.LocalItem
		item.Size = u.File.Size
		item.ModificationDate = u.File.ModTime
		r.describe(&item)

		sameContent := previousETag != "" && r.hasher != nil && r.hasher.SameContent(previousETag, item.ETags.LocalItem)
		switch {
		case !sameContent:
			// new content; a GUID is kept so the remote item is replaced
			item.Status = models.StatusLocal
			item.UploadFailures = 0
		case isSynced(item.Status):
			item.Status = metadataChangedStatus(&item)
		}
		ops = append(ops, models.NewUpdateOperation(u.Item, item))
	}

	for _, rn := range changes.Renamed {
		item := rn.Item.Clone()
		oldBase := item.BaseName()
		item.LocalItemPath = rn.File.Path
		item.ModificationDate = rn.File.ModTime
		if newBase := filepath.Base(rn.File.Path); newBase != oldBase {
			item.Name = newBase
			if isSynced(item.Status) {
				item.Status = metadataChangedStatus(&item)
			}
		}
		ops = append(ops, models.NewUpdateOperation(rn.Item, item))
	}

	changed := r.items.Apply(ctx, ops)
	for _, op := range ops {
		if !op.Success {
			sc.Logger().WithItem(op.Item.ID, op.Item.Name).Warnf("Failed to commit local change")
		}
	}

	for _, row := range changes.Missing {
		item := row.Clone()
		if !item.HasRemoteIdentity() {
			if r.items.Remove(ctx, &item) {
				changed++
			}
			continue
		}
		item.Status = models.StatusLocallyRemoved
		if !r.items.Update(ctx, &item) {
			continue
		}
		changed++
		if r.pending != nil {
			r.pending.Add(ctx, models.NewPendingDelete(sc.Source, item.GUID, item.Name))
		}
	}

	return changed
}

// ListFiles walks every available root and returns the accepted files in walk order
func (r *LocalReconciler) ListFiles(ctx context.Context, sc *SyncContext) ([]LocalFile, error) {
	filter, err := newFileFilter(sc.Props)
	if err != nil {
		return nil, models.NewSyncError(models.KindConfigError, "%v", err)
	}
	changes := &LocalChanges{}
	for _, root := range scanRoots(sc.Props) {
		if !reachable(root) {
			continue
		}
		if err := r.walk(ctx, sc, root.Path, filter, changes); err != nil {
			return nil, err
		}
	}
	return changes.Files, nil
}

package services

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/observability"
	"github.com/photosync/client/internal/repository"
)

// TwinDetector matches remote-only rows with local files the server already
// has, so they are neither downloaded nor uploaded again
type TwinDetector struct {
	items      repository.ItemStore
	reconciler *LocalReconciler
	hasher     *HashService
}

// NewTwinDetector creates a detector over a source's item store
func NewTwinDetector(items repository.ItemStore, reconciler *LocalReconciler, hasher *HashService) *TwinDetector {
	return &TwinDetector{items: items, reconciler: reconciler, hasher: hasher}
}

// Detect walks every local file and merges twins. It returns the number of
// merged rows.
func (d *TwinDetector) Detect(ctx context.Context, sc *SyncContext) (int, error) {
	ctx, span := observability.StartServiceSpan(ctx, "twins", "detect")
	defer span.End()

	files, err := d.reconciler.ListFiles(ctx, sc)
	if err != nil {
		observability.RecordError(span, err)
		return 0, err
	}

	rows := d.items.GetAll(ctx, repository.QueryOptions{})
	byPath := make(map[string]models.SyncItem, len(rows))
	var remoteOnly []models.SyncItem
	for _, row := range rows {
		if row.LocalItemPath != "" {
			byPath[row.LocalItemPath] = row
		}
		if row.Status == models.StatusRemoteOnly && row.LocalItemPath == "" {
			remoteOnly = append(remoteOnly, row)
		}
	}
	if len(remoteOnly) == 0 {
		return 0, nil
	}

	// a file is unmatched while no row with a remote identity owns it
	var candidates []LocalFile
	for _, f := range files {
		if row, ok := byPath[f.Path]; ok && row.HasRemoteIdentity() {
			continue
		}
		candidates = append(candidates, f)
	}

	used := make([]bool, len(candidates))
	merged := 0
	for _, remote := range remoteOnly {
		if sc.Aborted() || ctx.Err() != nil {
			return merged, models.ErrCanceled
		}
		idx := d.pick(remote, candidates, used, byPath)
		if idx < 0 {
			continue
		}
		used[idx] = true

		f := candidates[idx]
		var ok bool
		if local, exists := byPath[f.Path]; exists {
			ok = d.mergeIntoLocal(ctx, remote, local, f)
		} else {
			ok = d.absorb(ctx, remote, f)
		}
		if ok {
			merged++
			sc.Logger().WithItem(remote.ID, remote.Name).Infof("Matched remote item %s with local file %s", remote.GUID, f.Path)
		}
	}

	span.SetAttributes(attribute.Int("twins.merged", merged))
	observability.SetSuccess(span)
	return merged, nil
}

// pick returns the candidate for remote: same size, preferring the same name.
// Content validators that are both known and differ rule a candidate out.
func (d *TwinDetector) pick(remote models.SyncItem, files []LocalFile, used []bool, byPath map[string]models.SyncItem) int {
	first := -1
	for i, f := range files {
		if used[i] || f.Size != remote.Size {
			continue
		}
		if !d.sameContent(remote, f, byPath) {
			continue
		}
		if filepath.Base(f.Path) == remote.Name {
			return i
		}
		if first < 0 {
			first = i
		}
	}
	return first
}

func (d *TwinDetector) sameContent(remote models.SyncItem, f LocalFile, byPath map[string]models.SyncItem) bool {
	if d.hasher == nil || !d.hasher.IsValidHash(remote.ETags.RemoteItem) {
		return true
	}
	local := ""
	if row, ok := byPath[f.Path]; ok {
		local = row.ETags.LocalItem
	}
	if local == "" {
		etag, err := d.hasher.FileETag(f.Path)
		if err != nil {
			return false
		}
		local = etag
	}
	return d.hasher.SameContent(remote.ETags.RemoteItem, local)
}

// mergeIntoLocal folds the remote row into the existing local-only row,
// which keeps its id and LUID
func (d *TwinDetector) mergeIntoLocal(ctx context.Context, remote, local models.SyncItem, f LocalFile) bool {
	labels := d.items.LabelIDs(ctx, remote.ID)
	if !d.items.Remove(ctx, &remote) {
		return false
	}

	item := local.Clone()
	item.MergeRemotePayload(remote)
	item.LocalItemPath = f.Path
	item.ModificationDate = f.ModTime
	item.ETags.SyncLocalFromRemote()
	item.Status = models.StatusRemote
	item.UploadFailures = 0
	if !d.items.Update(ctx, &item) {
		return false
	}
	if len(labels) > 0 {
		d.items.SetLabels(ctx, item.ID, labels)
	}
	return true
}

// absorb gives the remote row the path of a file the cache does not know yet
func (d *TwinDetector) absorb(ctx context.Context, remote models.SyncItem, f LocalFile) bool {
	item := remote.Clone()
	item.LocalItemPath = f.Path
	item.ModificationDate = f.ModTime
	if item.LUID == "" {
		item.LUID = uuid.NewString()
	}
	item.ETags.SyncLocalFromRemote()
	item.Status = models.StatusRemote
	return d.items.Update(ctx, &item)
}

package services

import (
	"context"

	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/repository"
)

// labelBinder links items to shared labels by remote label GUID
type labelBinder struct {
	labels repository.LabelStore
	items  repository.ItemStore
}

// remember stores the labels a remote listing carried
func (b labelBinder) remember(ctx context.Context, labels []models.Label) {
	if b.labels == nil {
		return
	}
	for i := range labels {
		l := models.NewLabel(labels[i].GUID, labels[i].Name)
		b.labels.Upsert(ctx, &l)
	}
}

// bind replaces the label links of itemID with the labels behind guids.
// Unknown GUIDs are skipped.
func (b labelBinder) bind(ctx context.Context, itemID int64, guids []string) {
	if b.labels == nil || itemID == 0 {
		return
	}
	ids := make([]int64, 0, len(guids))
	for _, g := range guids {
		if l := b.labels.GetByGUID(ctx, g); l != nil {
			ids = append(ids, l.LUID)
		}
	}
	b.items.SetLabels(ctx, itemID, ids)
}

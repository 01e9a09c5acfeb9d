package repository

import (
	"context"

	"github.com/photosync/client/internal/models"
)

// ItemStore defines the item cache operations the sync services rely on
type ItemStore interface {
	Source() string
	Insert(ctx context.Context, item *models.SyncItem) int64
	Update(ctx context.Context, item *models.SyncItem) bool
	Remove(ctx context.Context, item *models.SyncItem) bool
	GetByID(ctx context.Context, id int64) *models.SyncItem
	GetByField(ctx context.Context, field string, value interface{}) *models.SyncItem
	GetAll(ctx context.Context, opts QueryOptions) []models.SyncItem
	GetByStatus(ctx context.Context, statuses ...models.ItemStatus) []models.SyncItem
	Count(ctx context.Context) int
	CountByStatus(ctx context.Context) map[models.ItemStatus]int
	SetLabels(ctx context.Context, itemID int64, labelIDs []int64) bool
	LabelIDs(ctx context.Context, itemID int64) []int64
	Apply(ctx context.Context, ops []*models.OperationDescriptor) int
}

// LabelStore defines the shared label operations
type LabelStore interface {
	Upsert(ctx context.Context, label *models.Label) int64
	GetByLUID(ctx context.Context, luid int64) *models.Label
	GetByGUID(ctx context.Context, guid string) *models.Label
	GetAll(ctx context.Context) []models.Label
}

// PendingDeleteStore defines the queue of remote deletes
type PendingDeleteStore interface {
	Add(ctx context.Context, pd *models.PendingDelete) bool
	List(ctx context.Context, source string) []models.PendingDelete
	MarkAttempt(ctx context.Context, source, guid string) bool
	Remove(ctx context.Context, source, guid string) bool
}

// SyncStateStore defines per-source sync anchor persistence
type SyncStateStore interface {
	Get(ctx context.Context, source string) (*models.SourceSyncState, error)
	Upsert(ctx context.Context, state *models.SourceSyncState) error
	Reset(ctx context.Context, source string) error
}

var (
	_ ItemStore          = (*ItemRepository)(nil)
	_ LabelStore         = (*LabelRepository)(nil)
	_ PendingDeleteStore = (*PendingDeleteRepository)(nil)
	_ SyncStateStore     = (*SyncStateRepository)(nil)
)

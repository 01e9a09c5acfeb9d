package services

import (
	"github.com/photosync/client/internal/config"
	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/remote"
)

// QuotaBudget is the server allowance snapshotted once per session. Items
// are admitted greedily in scan order: an item that does not fit is refused
// and later, smaller items may still be admitted.
type QuotaBudget struct {
	remaining int64
	unlimited bool
}

// NewQuotaBudget snapshots q. A zero total means the server reports no limit.
func NewQuotaBudget(q remote.Quota) *QuotaBudget {
	return &QuotaBudget{remaining: q.Free, unlimited: q.Total <= 0}
}

// UnlimitedBudget admits everything
func UnlimitedBudget() *QuotaBudget {
	return &QuotaBudget{unlimited: true}
}

// Remaining returns the bytes still available this session
func (b *QuotaBudget) Remaining() int64 {
	return b.remaining
}

// Admit charges cost against the budget and reports whether it fit
func (b *QuotaBudget) Admit(cost int64) bool {
	if b.unlimited {
		return true
	}
	if cost > b.remaining {
		return false
	}
	b.remaining -= cost
	return true
}

// uploadCost is what an upload will add to the server: the full size for a
// fresh upload and only the missing tail for a resumed one
func uploadCost(item *models.SyncItem, storedBytes int64) int64 {
	if item.Status != models.StatusUploading || storedBytes <= 0 {
		return item.Size
	}
	if storedBytes >= item.Size {
		return 0
	}
	return item.Size - storedBytes
}

// LocalQuotaGuard refuses downloads that would push the download volume over
// the configured local storage quota
type LocalQuotaGuard struct {
	quota config.StorageQuota
	usage func(path string) (DiskUsage, error)
}

// NewLocalQuotaGuard creates a guard for quota
func NewLocalQuotaGuard(quota config.StorageQuota) *LocalQuotaGuard {
	return &LocalQuotaGuard{quota: quota, usage: diskUsage}
}

// Allow reports whether size more bytes fit under path. A volume that cannot
// be measured is not limited.
func (g *LocalQuotaGuard) Allow(path string, size int64) bool {
	if g == nil || g.quota.Unlimited() {
		return true
	}
	u, err := g.usage(path)
	if err != nil || u.Total <= 0 {
		return true
	}
	return u.Used()+size <= g.quota.Limit(u.Total)
}

// DiskUsage describes the volume holding a path
type DiskUsage struct {
	Total int64
	Free  int64
}

// Used returns the occupied bytes
func (u DiskUsage) Used() int64 {
	return u.Total - u.Free
}

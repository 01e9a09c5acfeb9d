package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/photosync/client/internal/config"
	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/observability"
	"github.com/photosync/client/internal/remote"
	"github.com/photosync/client/internal/repository"
)

// ErrSyncInProgress is returned when a session of the source is already running
var ErrSyncInProgress = errors.New("sync already in progress")

// Session phases, in execution order
const (
	PhaseLocal    = "local"
	PhaseMetadata = "metadata"
	PhaseTwins    = "twins"
	PhaseDownload = "download"
	PhaseUpload   = "upload"
)

// SyncDeps are the collaborators of a SyncOrchestrator. Thumbs, Hub and
// Metrics are optional.
type SyncDeps struct {
	Items    repository.ItemStore
	Labels   repository.LabelStore
	Pending  repository.PendingDeleteStore
	States   repository.SyncStateStore
	Client   remote.Client
	Storage  *LocalStorageService
	Streams  StreamProvider
	Thumbs   *ThumbnailService
	Hub      *WebSocketHub
	Metrics  *observability.SyncMetrics
	Transfer config.Transfer
}

// SyncOrchestrator runs sync sessions for one source
type SyncOrchestrator struct {
	source     string
	props      config.SourceProperties
	deps       SyncDeps
	pageSize   int
	policy     RetryPolicy
	reconciler *LocalReconciler
	twins      *TwinDetector
	transfers  *TransferService
	conflicts  *ConflictResolver
	guard      *LocalQuotaGuard
	log        *observability.Logger

	abort   atomic.Bool
	running atomic.Bool

	mu   sync.RWMutex
	last *models.SyncReport
}

// NewSyncOrchestrator wires the engine of one source
func NewSyncOrchestrator(source string, props config.SourceProperties, deps SyncDeps) (*SyncOrchestrator, error) {
	localQuota, err := props.LocalStorageQuota()
	if err != nil {
		return nil, models.NewSyncError(models.KindConfigError, "%v", err)
	}
	if _, err := newFileFilter(props); err != nil {
		return nil, models.NewSyncError(models.KindConfigError, "%v", err)
	}
	if deps.Streams == nil {
		deps.Streams = NewFileStreamProvider()
	}

	hasher := NewHashService()
	reconciler := NewLocalReconciler(deps.Items, deps.Pending, hasher, NewMediaService())
	policy := RetryPolicyFromConfig(deps.Transfer)

	opts := []TransferOption{WithMetrics(deps.Metrics)}
	if deps.Thumbs != nil {
		opts = append(opts, WithThumbnails(deps.Thumbs))
	}

	pageSize := deps.Transfer.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	return &SyncOrchestrator{
		source:     source,
		props:      props,
		deps:       deps,
		pageSize:   pageSize,
		policy:     policy,
		reconciler: reconciler,
		twins:      NewTwinDetector(deps.Items, reconciler, hasher),
		transfers:  NewTransferService(deps.Items, deps.Labels, deps.Client, deps.Streams, deps.Storage, policy, opts...),
		conflicts:  NewConflictResolver(deps.Items, deps.Labels, deps.Pending, deps.Storage, deps.Thumbs),
		guard:      NewLocalQuotaGuard(localQuota),
		log:        observability.GetLogger().WithSource(source),
	}, nil
}

// Source returns the name of the synced source
func (o *SyncOrchestrator) Source() string {
	return o.source
}

// Abort asks the running session to stop at its next poll
func (o *SyncOrchestrator) Abort() {
	o.abort.Store(true)
}

// Running reports whether a session is in progress
func (o *SyncOrchestrator) Running() bool {
	return o.running.Load()
}

// LastReport returns the report of the latest finished session, nil if none
func (o *SyncOrchestrator) LastReport() *models.SyncReport {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

// session tracks whether a session did anything
type session struct {
	*SyncContext
	state      *models.SourceSyncState
	work       int
	serverTime int64
	remoteOK   bool
	localOK    bool
	twinsOK    bool
}

// Sync runs one session: local detection, metadata merge, twin detection
// on full syncs, downloads, then uploads. The returned report carries the
// result code.
func (o *SyncOrchestrator) Sync(ctx context.Context) (*models.SyncReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer o.running.Store(false)
	o.abort.Store(false)

	s := &session{SyncContext: NewSyncContext(uuid.NewString(), o.source, o.props, &o.abort)}
	ctx, span := observability.StartServiceSpan(ctx, "orchestrator", "sync")
	defer span.End()
	span.SetAttributes(observability.SessionID(s.SessionID), observability.SourceName(o.source))

	state, err := o.deps.States.Get(ctx, o.source)
	if err != nil {
		s.Logger().Warnf("No usable sync state, running a full sync: %v", err)
	}
	if state == nil {
		state = models.NewSourceSyncState(o.source)
	}
	s.state = state
	s.Full = state.NeverSynced()
	s.Report.SetFull(s.Full)
	o.publish(WSTypeSyncStarted, SyncPhasePayload{SessionID: s.SessionID, Source: o.source})
	s.Logger().Infof("Starting %s sync", map[bool]string{true: "full", false: "incremental"}[s.Full])

	o.run(ctx, s)
	result := o.finish(ctx, s)
	if result == models.ResultSuccess || result == models.ResultNoLocalChanges {
		observability.SetSuccess(span)
	} else {
		_, msg := s.Report.LastErrorInfo()
		observability.RecordError(span, errors.New(msg))
	}
	return s.Report, nil
}

func (o *SyncOrchestrator) run(ctx context.Context, s *session) {
	o.measureDrift(ctx, s)
	if o.stopped(ctx, s) {
		return
	}

	phases := []struct {
		name string
		fn   func(context.Context, *session)
		full bool
	}{
		{PhaseLocal, o.localPhase, false},
		{PhaseMetadata, o.metadataPhase, false},
		{PhaseTwins, o.twinPhase, true},
		{PhaseDownload, o.downloadPhase, false},
		{PhaseUpload, o.uploadPhase, false},
	}
	for _, p := range phases {
		if p.full && !s.Full {
			continue
		}
		o.publish(WSTypeSyncPhase, SyncPhasePayload{SessionID: s.SessionID, Source: o.source, Phase: p.name})
		start := time.Now()
		p.fn(ctx, s)
		o.deps.Metrics.RecordPhase(ctx, o.source, p.name, float64(time.Since(start).Milliseconds()))
		if o.stopped(ctx, s) {
			return
		}
	}
}

// stopped reports whether the session must end now
func (o *SyncOrchestrator) stopped(ctx context.Context, s *session) bool {
	if s.Aborted() || ctx.Err() != nil {
		return true
	}
	kind, _ := s.Report.LastErrorInfo()
	return kind.StopsSession()
}

// fail records err on the report
func (o *SyncOrchestrator) fail(s *session, err error) {
	var se models.SyncError
	if errors.As(err, &se) {
		s.Fail(se.Kind, "%s", se.Message)
		return
	}
	s.Fail(models.KindOf(err), "%v", err)
}

func (o *SyncOrchestrator) measureDrift(ctx context.Context, s *session) {
	s.DriftMS = s.state.ClockDriftMS
	before := models.NowMillis()
	serverTime, status := o.deps.Client.GetServerTime(ctx)
	if !status.OK() {
		o.fail(s, status.Err("server time"))
		return
	}
	after := models.NowMillis()
	s.DriftMS = serverTime - (before+after)/2
	s.Logger().Debugf("Clock drift %d ms", s.DriftMS)
}

func (o *SyncOrchestrator) localPhase(ctx context.Context, s *session) {
	changes, err := o.reconciler.Reconcile(ctx, s.SyncContext)
	if err != nil {
		o.fail(s, err)
		return
	}
	s.localOK = true
	if !changes.Empty() {
		s.work++
	}
}

func (o *SyncOrchestrator) metadataPhase(ctx context.Context, s *session) {
	ctx, span := observability.StartServiceSpan(ctx, "orchestrator", "metadata")
	defer span.End()

	var (
		stats MergeStats
		err   error
	)
	if s.Full {
		stats, err = o.fullMetadata(ctx, s)
	} else {
		stats, err = o.incrementalMetadata(ctx, s)
	}
	if err != nil {
		observability.RecordError(span, err)
		o.fail(s, err)
		return
	}
	s.remoteOK = true
	if stats.Changed() {
		s.work++
	}
	s.Logger().Infof("Metadata merged: %d added, %d updated, %d deleted, %d local wins, %d unchanged",
		stats.Added, stats.Updated, stats.Deleted, stats.LocalWins, stats.Pruned)
}

// fullMetadata pages through every remote record, then drops synced rows the
// server no longer lists
func (o *SyncOrchestrator) fullMetadata(ctx context.Context, s *session) (MergeStats, error) {
	var stats MergeStats
	seen := make(map[string]bool)
	offset := 0
	first := true
	for {
		if s.Aborted() {
			return stats, models.ErrCanceled
		}
		page, status := o.deps.Client.GetAllItems(ctx, o.pageSize, offset)
		if !status.OK() {
			return stats, status.Err("list items")
		}
		if first {
			// changes made while paging are picked up by the next incremental pass
			s.serverTime = page.ServerTime
			first = false
		}
		for _, it := range page.Items {
			seen[it.GUID] = true
		}
		stats.add(o.conflicts.Merge(ctx, s.SyncContext, page.Items, page.Labels))
		if !page.HasMore || len(page.Items) == 0 {
			break
		}
		offset += len(page.Items)
	}
	stats.add(o.conflicts.PruneMissing(ctx, s.SyncContext, seen))
	return stats, nil
}

// incrementalMetadata fetches what changed since the last remote sync
func (o *SyncOrchestrator) incrementalMetadata(ctx context.Context, s *session) (MergeStats, error) {
	var stats MergeStats
	changes, status := o.deps.Client.GetItemsChanges(ctx, s.state.LastRemoteSync)
	if !status.OK() {
		return stats, status.Err("list changes")
	}
	s.serverTime = changes.ServerTime
	if changes.Empty() {
		return stats, nil
	}

	stats.add(o.conflicts.ApplyDeletes(ctx, s.SyncContext, changes.Deleted))

	guids := make([]string, 0, len(changes.New)+len(changes.Modified))
	guids = append(guids, changes.New...)
	guids = append(guids, changes.Modified...)
	for start := 0; start < len(guids); start += o.pageSize {
		if s.Aborted() {
			return stats, models.ErrCanceled
		}
		end := start + o.pageSize
		if end > len(guids) {
			end = len(guids)
		}
		items, labels, status := o.deps.Client.GetItemsFromID(ctx, guids[start:end])
		if !status.OK() {
			return stats, status.Err("fetch items")
		}
		stats.add(o.conflicts.Merge(ctx, s.SyncContext, items, labels))
	}
	return stats, nil
}

func (o *SyncOrchestrator) twinPhase(ctx context.Context, s *session) {
	if !s.remoteOK {
		return
	}
	merged, err := o.twins.Detect(ctx, s.SyncContext)
	if err != nil {
		o.fail(s, err)
		return
	}
	s.twinsOK = true
	if merged > 0 {
		s.work++
		s.Logger().Infof("Matched %d local files with remote items", merged)
	}
}

func (o *SyncOrchestrator) downloadPhase(ctx context.Context, s *session) {
	for _, item := range o.deps.Items.GetByStatus(ctx, models.StatusRemoteOnly, models.StatusDownloading) {
		if o.stopped(ctx, s) {
			return
		}
		item := item
		s.work++
		if err := o.transfers.Download(ctx, s.SyncContext, &item, o.guard); err != nil {
			o.fail(s, err)
		}
	}
}

func (o *SyncOrchestrator) uploadPhase(ctx context.Context, s *session) {
	quota, status := o.deps.Client.GetQuotaInfo(ctx)
	switch {
	case status.OK():
		s.Quota = NewQuotaBudget(quota)
	case status.Kind().StopsSession():
		o.fail(s, status.Err("quota"))
		return
	default:
		s.Logger().Warnf("Quota unavailable (%s), uploading without admission control", status)
	}

	o.sendDeletes(ctx, s)

	candidates := o.deps.Items.GetByStatus(ctx,
		models.StatusLocal, models.StatusLocalMetaDataChanged,
		models.StatusUploading, models.StatusLocalNotUploaded)
	offline := offlineRoots(o.props)
	for _, item := range candidates {
		if o.stopped(ctx, s) {
			return
		}
		if underAny(item.LocalItemPath, offline) {
			// the file waits for its volume to come back
			s.Logger().WithItem(item.ID, item.Name).Debugf("Root offline, upload deferred")
			continue
		}
		item := item
		s.work++
		if !s.Quota.Admit(o.transfers.UploadCost(ctx, &item)) {
			if item.Status != models.StatusLocalNotUploaded {
				item.Status = models.StatusLocalNotUploaded
				o.deps.Items.Update(ctx, &item)
			}
			s.Report.AddQuotaSkip()
			o.deps.Metrics.RecordQuotaSkip(ctx, o.source)
			s.Fail(models.KindServerQuotaExceeded, "%s does not fit in the remaining quota", item.Name)
			continue
		}
		if err := o.transfers.Upload(ctx, s.SyncContext, &item); err != nil {
			o.fail(s, err)
		}
	}
}

// sendDeletes issues the queued remote deletes
func (o *SyncOrchestrator) sendDeletes(ctx context.Context, s *session) {
	for _, pd := range o.deps.Pending.List(ctx, o.source) {
		if o.stopped(ctx, s) {
			return
		}
		s.work++
		guid := pd.GUID
		status := runWithRetry(ctx, s.SyncContext, o.policy, func(ctx context.Context) (remote.Status, int64) {
			return o.deps.Client.DeleteItem(ctx, guid), 0
		}, s.Report.AddRetry)

		if status.OK() || status == remote.StatusNotFound {
			o.deps.Pending.Remove(ctx, o.source, guid)
			if row := o.deps.Items.GetByField(ctx, "guid", guid); row != nil && row.Status == models.StatusLocallyRemoved {
				o.deps.Items.Remove(ctx, row)
			}
			s.Report.AddItem(models.SideClient, models.OpDelete, true)
			continue
		}
		if status != remote.StatusCanceled {
			o.deps.Pending.MarkAttempt(ctx, o.source, guid)
			s.Report.AddItem(models.SideClient, models.OpDelete, false)
		}
		o.fail(s, status.Err("delete "+pd.Name))
	}
}

// finish computes the result, saves the sync anchors and publishes the report
func (o *SyncOrchestrator) finish(ctx context.Context, s *session) models.ResultCode {
	kind, msg := s.Report.LastErrorInfo()
	var result models.ResultCode
	switch {
	case s.Aborted() || ctx.Err() != nil:
		result = models.ResultCanceled
	case kind != models.KindNone:
		result = models.ResultFromKind(kind)
	case s.work == 0:
		result = models.ResultNoLocalChanges
	default:
		result = models.ResultSuccess
	}
	s.Report.Finish(result)

	// anchors survive a canceled context
	saveCtx := context.WithoutCancel(ctx)
	// a full pass is repeated until both its merge and twin matching complete
	remoteDone := s.remoteOK && (!s.Full || s.twinsOK)
	if s.localOK && (remoteDone || s.state.LastRemoteSync != 0) {
		s.state.LastLocalSync = models.NowMillis()
	}
	if remoteDone && s.serverTime > 0 {
		s.state.LastRemoteSync = s.serverTime
	}
	s.state.ClockDriftMS = s.DriftMS
	s.state.LastResult = result.String()
	s.state.LastSessionID = s.SessionID
	s.state.UpdatedAt = time.Now().UTC()
	if err := o.deps.States.Upsert(saveCtx, s.state); err != nil {
		s.Logger().Errorf("Failed to save sync state: %v", err)
	}

	o.mu.Lock()
	o.last = s.Report
	o.mu.Unlock()

	o.deps.Metrics.RecordSession(saveCtx, o.source, result.String(), s.Full)
	o.publish(WSTypeSyncFinished, s.Report.Summary())
	if kind != models.KindNone {
		s.Logger().Warnf("Sync finished with %s: %s", result, msg)
	} else {
		s.Logger().Infof("Sync finished with %s", result)
	}
	return result
}

func (o *SyncOrchestrator) publish(kind string, payload interface{}) {
	o.deps.Hub.PublishSource(o.source, WSMessage{Type: kind, Payload: payload})
}

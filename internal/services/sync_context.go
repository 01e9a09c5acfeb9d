package services

import (
	"sync/atomic"

	"github.com/photosync/client/internal/config"
	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/observability"
)

// SyncContext carries the state of one session through every component
type SyncContext struct {
	SessionID string
	Source    string
	Props     config.SourceProperties
	Report    *models.SyncReport
	Quota     *QuotaBudget
	// DriftMS is server clock minus client clock
	DriftMS int64
	Full    bool

	abort *atomic.Bool
	log   *observability.Logger
}

// NewSyncContext creates the context of a session. abort may be nil.
func NewSyncContext(sessionID, source string, props config.SourceProperties, abort *atomic.Bool) *SyncContext {
	if abort == nil {
		abort = new(atomic.Bool)
	}
	return &SyncContext{
		SessionID: sessionID,
		Source:    source,
		Props:     props,
		Report:    models.NewSyncReport(sessionID, source),
		Quota:     UnlimitedBudget(),
		abort:     abort,
		log:       observability.GetLogger().WithSource(source).WithField("session_id", sessionID),
	}
}

// Aborted reports whether the session was asked to stop
func (sc *SyncContext) Aborted() bool {
	return sc != nil && sc.abort.Load()
}

// Abort asks the session to stop at the next poll
func (sc *SyncContext) Abort() {
	sc.abort.Store(true)
}

// Logger returns the session logger
func (sc *SyncContext) Logger() *observability.Logger {
	return sc.log
}

// Fail records a failure on the report unless one that stops the session is
// already recorded
func (sc *SyncContext) Fail(kind models.ErrorKind, format string, args ...interface{}) {
	if current, _ := sc.Report.LastErrorInfo(); current.StopsSession() && !kind.StopsSession() {
		return
	}
	err := models.NewSyncError(kind, format, args...)
	sc.Report.SetLastError(kind, err.Message)
	sc.log.Warnf("%v", err)
}

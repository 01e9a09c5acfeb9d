package models

import (
	"sync"
	"time"
)

// ResultCode is the outcome of a whole sync session
type ResultCode int

const (
	ResultSuccess ResultCode = iota
	ResultNoLocalChanges
	ResultCanceled
	ResultNetworkError
	ResultClientQuotaExceeded
	ResultServerQuotaExceeded
	ResultPaymentRequired
	ResultAuthError
	ResultProxyAuthError
	ResultReadLocalItemsError
	ResultGeneric
)

var resultNames = map[ResultCode]string{
	ResultSuccess:             "success",
	ResultNoLocalChanges:      "no_local_changes",
	ResultCanceled:            "canceled",
	ResultNetworkError:        "network_error",
	ResultClientQuotaExceeded: "client_quota_exceeded",
	ResultServerQuotaExceeded: "server_quota_exceeded",
	ResultPaymentRequired:     "payment_required",
	ResultAuthError:           "auth_error",
	ResultProxyAuthError:      "proxy_auth_error",
	ResultReadLocalItemsError: "read_local_items_error",
	ResultGeneric:             "generic",
}

func (r ResultCode) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return "generic"
}

// ResultFromKind maps an error kind onto a session result code
func ResultFromKind(kind ErrorKind) ResultCode {
	switch kind {
	case KindNone:
		return ResultSuccess
	case KindCanceled:
		return ResultCanceled
	case KindNetworkError:
		return ResultNetworkError
	case KindClientQuotaExceeded:
		return ResultClientQuotaExceeded
	case KindServerQuotaExceeded:
		return ResultServerQuotaExceeded
	case KindPaymentRequired:
		return ResultPaymentRequired
	case KindAuthenticationError, KindLoginFailure:
		return ResultAuthError
	case KindProxyAuthenticationError:
		return ResultProxyAuthError
	case KindReadLocalItemsError:
		return ResultReadLocalItemsError
	}
	return ResultGeneric
}

// SyncSide says which side originated a change
type SyncSide string

const (
	SideClient SyncSide = "client"
	SideServer SyncSide = "server"
)

// SyncOperation is the kind of change applied
type SyncOperation string

const (
	OpAdd    SyncOperation = "add"
	OpUpdate SyncOperation = "update"
	OpDelete SyncOperation = "delete"
)

// ItemCounter counts succeeded and failed items for one side and operation
type ItemCounter struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// SyncReport aggregates per-item outcomes of a session.
// It is safe to read from another goroutine while a sync runs.
type SyncReport struct {
	mu sync.RWMutex

	SessionID    string
	SourceName   string
	StartedAt    time.Time
	FinishedAt   time.Time
	Full         bool
	Result       ResultCode
	LastError    ErrorKind
	LastMessage  string
	counters     map[SyncSide]map[SyncOperation]*ItemCounter
	bytesUp      int64
	bytesDown    int64
	retryCount   int
	skippedQuota int
}

// NewSyncReport creates an empty report for a session
func NewSyncReport(sessionID, sourceName string) *SyncReport {
	return &SyncReport{
		SessionID:  sessionID,
		SourceName: sourceName,
		StartedAt:  time.Now().UTC(),
		counters:   make(map[SyncSide]map[SyncOperation]*ItemCounter),
	}
}

// AddItem records one item outcome
func (r *SyncReport) AddItem(side SyncSide, op SyncOperation, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byOp, ok := r.counters[side]
	if !ok {
		byOp = make(map[SyncOperation]*ItemCounter)
		r.counters[side] = byOp
	}
	c, ok := byOp[op]
	if !ok {
		c = &ItemCounter{}
		byOp[op] = c
	}
	if success {
		c.Succeeded++
	} else {
		c.Failed++
	}
}

// Counter returns a copy of the counter for side and op
func (r *SyncReport) Counter(side SyncSide, op SyncOperation) ItemCounter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if byOp, ok := r.counters[side]; ok {
		if c, ok := byOp[op]; ok {
			return *c
		}
	}
	return ItemCounter{}
}

// SetLastError records the most recent failure of the session
func (r *SyncReport) SetLastError(kind ErrorKind, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LastError = kind
	r.LastMessage = message
}

// LastErrorInfo returns the recorded failure
func (r *SyncReport) LastErrorInfo() (ErrorKind, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.LastError, r.LastMessage
}

// SetFull marks whether the session runs a full metadata pass
func (r *SyncReport) SetFull(full bool) {
	r.mu.Lock()
	r.Full = full
	r.mu.Unlock()
}

// AddBytes adds transferred byte counts
func (r *SyncReport) AddBytes(up, down int64) {
	r.mu.Lock()
	r.bytesUp += up
	r.bytesDown += down
	r.mu.Unlock()
}

// AddRetry counts a transfer retry
func (r *SyncReport) AddRetry() {
	r.mu.Lock()
	r.retryCount++
	r.mu.Unlock()
}

// AddQuotaSkip counts an item refused by quota admission
func (r *SyncReport) AddQuotaSkip() {
	r.mu.Lock()
	r.skippedQuota++
	r.mu.Unlock()
}

// Finish stamps the final result
func (r *SyncReport) Finish(result ResultCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Result = result
	r.FinishedAt = time.Now().UTC()
}

// Summary is a serializable snapshot of a report
type Summary struct {
	SessionID    string                                     `json:"sessionId"`
	SourceName   string                                     `json:"sourceName"`
	StartedAt    time.Time                                  `json:"startedAt"`
	FinishedAt   time.Time                                  `json:"finishedAt,omitempty"`
	Full         bool                                       `json:"full"`
	Result       string                                     `json:"result"`
	LastError    string                                     `json:"lastError,omitempty"`
	LastMessage  string                                     `json:"lastMessage,omitempty"`
	Items        map[SyncSide]map[SyncOperation]ItemCounter `json:"items"`
	BytesUp      int64                                      `json:"bytesUp"`
	BytesDown    int64                                      `json:"bytesDown"`
	Retries      int                                        `json:"retries"`
	SkippedQuota int                                        `json:"skippedQuota"`
}

// Summary returns a snapshot of the report
func (r *SyncReport) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make(map[SyncSide]map[SyncOperation]ItemCounter, len(r.counters))
	for side, byOp := range r.counters {
		items[side] = make(map[SyncOperation]ItemCounter, len(byOp))
		for op, c := range byOp {
			items[side][op] = *c
		}
	}

	s := Summary{
		SessionID:    r.SessionID,
		SourceName:   r.SourceName,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Full:         r.Full,
		Result:       r.Result.String(),
		Items:        items,
		BytesUp:      r.bytesUp,
		BytesDown:    r.bytesDown,
		Retries:      r.retryCount,
		SkippedQuota: r.skippedQuota,
	}
	if r.LastError != KindNone {
		s.LastError = r.LastError.String()
		s.LastMessage = r.LastMessage
	}
	return s
}

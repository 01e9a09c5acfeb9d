package models

import "time"

// SourceSyncState records what a source has synced so far.
// Zero timestamps mean "never".
type SourceSyncState struct {
	SourceName     string    `json:"sourceName"`
	LastLocalSync  int64     `json:"lastLocalSync"`
	LastRemoteSync int64     `json:"lastRemoteSync"`
	ClockDriftMS   int64     `json:"clockDriftMs"`
	LastResult     string    `json:"lastResult,omitempty"`
	LastSessionID  string    `json:"lastSessionId,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// NewSourceSyncState creates an empty state for a source
func NewSourceSyncState(sourceName string) *SourceSyncState {
	return &SourceSyncState{
		SourceName: sourceName,
		UpdatedAt:  time.Now().UTC(),
	}
}

// NeverSynced reports whether no sync was recorded in either direction
func (s *SourceSyncState) NeverSynced() bool {
	return s.LastLocalSync == 0 && s.LastRemoteSync == 0
}

// PendingDelete is a remote delete queued by the client
type PendingDelete struct {
	GUID       string    `json:"guid"`
	SourceName string    `json:"sourceName"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	Attempts   int       `json:"attempts"`
}

// NewPendingDelete creates a queued delete for a remote item
func NewPendingDelete(sourceName, guid, name string) *PendingDelete {
	return &PendingDelete{
		GUID:       guid,
		SourceName: sourceName,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
	}
}

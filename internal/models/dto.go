package models

import "time"

// HealthResponse is returned by health check
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Sources   int       `json:"sources"`
	Streams   int       `json:"streams"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// SourceStatusResponse describes one configured source
type SourceStatusResponse struct {
	Name       string           `json:"name"`
	Running    bool             `json:"running"`
	TotalItems int              `json:"totalItems"`
	ByStatus   map[string]int   `json:"byStatus"`
	State      *SourceSyncState `json:"state,omitempty"`
	LastReport *Summary         `json:"lastReport,omitempty"`
}

// ItemResponse is a single cached item in API responses
type ItemResponse struct {
	ID               int64  `json:"id"`
	LUID             string `json:"luid"`
	GUID             string `json:"guid,omitempty"`
	Name             string `json:"name"`
	Status           string `json:"status"`
	Size             int64  `json:"size"`
	LocalPath        string `json:"localPath,omitempty"`
	CreationDate     int64  `json:"creationDate"`
	ModificationDate int64  `json:"modificationDate"`
	ServerLastUpdate int64  `json:"serverLastUpdate"`
	UploadFailures   int    `json:"uploadFailures,omitempty"`
}

// ItemListResponse is returned when listing the items of a source
type ItemListResponse struct {
	Items      []ItemResponse `json:"items"`
	TotalCount int            `json:"totalCount"`
}

// SyncTriggerResponse is returned when a session is started
type SyncTriggerResponse struct {
	Source  string `json:"source"`
	Started bool   `json:"started"`
}

// ItemToResponse converts a SyncItem to ItemResponse
func ItemToResponse(i *SyncItem) ItemResponse {
	return ItemResponse{
		ID:               i.ID,
		LUID:             i.LUID,
		GUID:             i.GUID,
		Name:             i.Name,
		Status:           i.Status.String(),
		Size:             i.Size,
		LocalPath:        i.LocalItemPath,
		CreationDate:     i.CreationDate,
		ModificationDate: i.ModificationDate,
		ServerLastUpdate: i.ServerLastUpdate,
		UploadFailures:   i.UploadFailures,
	}
}

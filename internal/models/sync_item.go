package models

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ItemStatus is the sync state of a cached item
type ItemStatus int

// Stored status codes. 2, 3 and 7 were used by older schemas for remote
// variants and are rewritten to StatusRemote on upgrade.
const (
	StatusUndefined            ItemStatus = 0
	StatusLocal                ItemStatus = 1
	StatusUploading            ItemStatus = 4
	StatusDownloading          ItemStatus = 5
	StatusRemoteOnly           ItemStatus = 6
	StatusLocalNotUploaded     ItemStatus = 8
	StatusLocalOnly            ItemStatus = 9
	StatusLocallyRemoved       ItemStatus = 10
	StatusLocalMetaDataChanged ItemStatus = 11
	StatusRemote               ItemStatus = 12
)

var statusNames = map[ItemStatus]string{
	StatusUndefined:            "undefined",
	StatusLocal:                "local",
	StatusRemote:               "remote",
	StatusUploading:            "uploading",
	StatusDownloading:          "downloading",
	StatusRemoteOnly:           "remote_only",
	StatusLocalNotUploaded:     "local_not_uploaded",
	StatusLocalOnly:            "local_only",
	StatusLocallyRemoved:       "locally_removed",
	StatusLocalMetaDataChanged: "local_metadata_changed",
}

func (s ItemStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "undefined"
}

// Valid reports whether s is one of the known statuses
func (s ItemStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseItemStatus maps a stored status code onto the closed set, falling back to undefined
func ParseItemStatus(code int) ItemStatus {
	s := ItemStatus(code)
	if !s.Valid() {
		return StatusUndefined
	}
	return s
}

// AllStatuses returns every status ordered by code
func AllStatuses() []ItemStatus {
	out := make([]ItemStatus, 0, len(statusNames))
	for s := range statusNames {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ETags holds remote and local validators for item, thumbnail and preview
type ETags struct {
	RemoteItem    string `json:"remoteItem,omitempty"`
	RemoteThumb   string `json:"remoteThumb,omitempty"`
	RemotePreview string `json:"remotePreview,omitempty"`
	LocalItem     string `json:"localItem,omitempty"`
	LocalThumb    string `json:"localThumb,omitempty"`
	LocalPreview  string `json:"localPreview,omitempty"`
}

// SyncLocalFromRemote copies the remote validators onto the local side
func (e *ETags) SyncLocalFromRemote() {
	e.LocalItem = e.RemoteItem
	e.LocalThumb = e.RemoteThumb
	e.LocalPreview = e.RemotePreview
}

// RemoteURLs are the remote locations of the item payloads
type RemoteURLs struct {
	Item    string `json:"item,omitempty"`
	Thumb   string `json:"thumb,omitempty"`
	Preview string `json:"preview,omitempty"`
}

// FormatMetadata carries image and video specific fields
type FormatMetadata struct {
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Orientation int    `json:"orientation,omitempty"`
	DateTaken   int64  `json:"dateTaken,omitempty"`
	CameraMake  string `json:"cameraMake,omitempty"`
	CameraModel string `json:"cameraModel,omitempty"`
	DurationMS  int64  `json:"durationMs,omitempty"`
	VideoCodec  string `json:"videoCodec,omitempty"`
}

// SyncItem is one cached row describing a logical media item.
//
// Timestamps are unix milliseconds. CreationDate and ModificationDate use the
// client clock; ServerLastUpdate uses the server clock.
type SyncItem struct {
	ID               int64            `json:"id"`
	LUID             string           `json:"luid,omitempty"`
	GUID             string           `json:"guid,omitempty"`
	Name             string           `json:"name"`
	Size             int64            `json:"size"`
	ContentType      string           `json:"contentType,omitempty"`
	CreationDate     int64            `json:"creationDate"`
	ModificationDate int64            `json:"modificationDate"`
	ServerLastUpdate int64            `json:"serverLastUpdate"`
	Status           ItemStatus       `json:"status"`
	ETags            ETags            `json:"etags"`
	URLs             RemoteURLs       `json:"urls"`
	LocalItemPath    string           `json:"localItemPath,omitempty"`
	Format           FormatMetadata   `json:"format"`
	UploadFailures   int              `json:"uploadFailures"`
	ValidationStatus int              `json:"validationStatus"`
	ExportTimestamps ExportTimestamps `json:"exportTimestamps,omitempty"`
}

// HasRemoteIdentity reports whether the server has assigned a GUID
func (i *SyncItem) HasRemoteIdentity() bool {
	return strings.TrimSpace(i.GUID) != ""
}

// BaseName returns the file name of the local path, or Name when no path is set
func (i *SyncItem) BaseName() string {
	if i.LocalItemPath == "" {
		return i.Name
	}
	return filepath.Base(i.LocalItemPath)
}

// Clone returns a deep copy of the item
func (i SyncItem) Clone() SyncItem {
	c := i
	if i.ExportTimestamps != nil {
		c.ExportTimestamps = make(ExportTimestamps, len(i.ExportTimestamps))
		for k, v := range i.ExportTimestamps {
			c.ExportTimestamps[k] = v
		}
	}
	return c
}

// MergeRemotePayload overwrites the payload-affecting fields with those of
// remote. Local bookkeeping (ID, LUID, local path, local ETags) is kept.
func (i *SyncItem) MergeRemotePayload(remote SyncItem) {
	i.GUID = remote.GUID
	i.Name = remote.Name
	i.Size = remote.Size
	i.ContentType = remote.ContentType
	i.CreationDate = remote.CreationDate
	i.ModificationDate = remote.ModificationDate
	i.ServerLastUpdate = remote.ServerLastUpdate
	i.ETags.RemoteItem = remote.ETags.RemoteItem
	i.ETags.RemoteThumb = remote.ETags.RemoteThumb
	i.ETags.RemotePreview = remote.ETags.RemotePreview
	i.URLs = remote.URLs
	i.Format = remote.Format
	if len(remote.ExportTimestamps) > 0 {
		i.ExportTimestamps = remote.ExportTimestamps
	}
}

// NowMillis returns the current time as unix milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// ExportTimestamps maps an external service name to the time the item was exported to it
type ExportTimestamps map[string]int64

// String serializes the map as a sorted "service:timestamp" comma list
func (e ExportTimestamps) String() string {
	if len(e) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+strconv.FormatInt(e[k], 10))
	}
	return strings.Join(parts, ",")
}

// ParseExportTimestamps parses the serialized form. Malformed entries are skipped.
func ParseExportTimestamps(s string) ExportTimestamps {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	out := make(ExportTimestamps)
	for _, part := range strings.Split(s, ",") {
		idx := strings.LastIndex(part, ":")
		if idx <= 0 {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSpace(part[idx+1:]), 10, 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(part[:idx])] = ts
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Package remote defines the contract of the remote PhotoSync service and
// its HTTP implementation.
package remote

import (
	"context"
	"io"

	"github.com/photosync/client/internal/models"
)

// Status is the outcome of a remote call
type Status int

const (
	StatusOK Status = iota
	StatusNetworkError
	StatusNotFound
	StatusForbidden
	StatusUnauthorized
	StatusProxyAuthRequired
	StatusPaymentRequired
	StatusQuotaExceeded
	StatusNotSupported
	StatusCanceled
	StatusRangeNotSatisfiable
	StatusError
)

var statusNames = map[Status]string{
	StatusOK:                  "ok",
	StatusNetworkError:        "network_error",
	StatusNotFound:            "not_found",
	StatusForbidden:           "forbidden",
	StatusUnauthorized:        "unauthorized",
	StatusProxyAuthRequired:   "proxy_auth_required",
	StatusPaymentRequired:     "payment_required",
	StatusQuotaExceeded:       "quota_exceeded",
	StatusNotSupported:        "not_supported",
	StatusCanceled:            "canceled",
	StatusRangeNotSatisfiable: "range_not_satisfiable",
	StatusError:               "error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// OK reports whether the call succeeded
func (s Status) OK() bool {
	return s == StatusOK
}

// Retryable reports whether the retry policy may try the call again
func (s Status) Retryable() bool {
	return s == StatusNetworkError
}

// Kind maps the status onto the sync error taxonomy
func (s Status) Kind() models.ErrorKind {
	switch s {
	case StatusOK:
		return models.KindNone
	case StatusNetworkError:
		return models.KindNetworkError
	case StatusUnauthorized, StatusForbidden:
		return models.KindAuthenticationError
	case StatusProxyAuthRequired:
		return models.KindProxyAuthenticationError
	case StatusPaymentRequired:
		return models.KindPaymentRequired
	case StatusQuotaExceeded:
		return models.KindServerQuotaExceeded
	case StatusNotSupported:
		return models.KindItemNotSupported
	case StatusCanceled:
		return models.KindCanceled
	}
	return models.KindGenericSyncError
}

// Err converts a failed status into a SyncError, nil for StatusOK
func (s Status) Err(op string) error {
	if s.OK() {
		return nil
	}
	return models.NewSyncError(s.Kind(), "%s: %s", op, s)
}

// Item is a remote record together with the GUIDs of its labels
type Item struct {
	models.SyncItem
	LabelGUIDs []string `json:"labelGuids,omitempty"`
}

// Page is one page of a full metadata listing
type Page struct {
	Items      []Item         `json:"items"`
	Labels     []models.Label `json:"labels,omitempty"`
	ServerTime int64          `json:"serverTime"`
	HasMore    bool           `json:"hasMore"`
}

// Changes lists the GUIDs touched since a point in server time
type Changes struct {
	New        []string `json:"new"`
	Modified   []string `json:"modified"`
	Deleted    []string `json:"deleted"`
	ServerTime int64    `json:"serverTime"`
}

// Empty reports whether nothing changed
func (c Changes) Empty() bool {
	return len(c.New) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// Quota is the server storage allowance
type Quota struct {
	Free  int64 `json:"free"`
	Total int64 `json:"total"`
}

// UploadResult carries what the server assigned to an uploaded item
type UploadResult struct {
	GUID             string            `json:"guid"`
	ETags            models.ETags      `json:"etags"`
	URLs             models.RemoteURLs `json:"urls"`
	ServerLastUpdate int64             `json:"serverLastUpdate"`
}

// Client is the remote transfer protocol. Every call reports a Status;
// StatusNetworkError is the one the retry policy acts on.
type Client interface {
	GetAllItems(ctx context.Context, limit, offset int) (Page, Status)
	GetItemsChanges(ctx context.Context, since int64) (Changes, Status)
	GetItemsFromID(ctx context.Context, guids []string) ([]Item, []models.Label, Status)
	UploadItemMetadata(ctx context.Context, item models.SyncItem, metadataOnly bool) (UploadResult, Status)
	UploadItemData(ctx context.Context, item models.SyncItem, data io.Reader, offset int64) (UploadResult, Status)
	GetItemResumeInfo(ctx context.Context, item models.SyncItem) (int64, Status)
	DownloadItem(ctx context.Context, item models.SyncItem, offset int64, sink io.Writer) Status
	DeleteItem(ctx context.Context, guid string) Status
	GetQuotaInfo(ctx context.Context) (Quota, Status)
	GetServerTime(ctx context.Context) (int64, Status)
}

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/photosync/client/internal/config"
	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/observability"
)

// HeaderUploadOffset carries the first byte of a resumed upload
const HeaderUploadOffset = "X-Upload-Offset"

// HTTPClient implements Client over the PhotoSync JSON API
type HTTPClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	log        *observability.Logger
}

// apiKeyTransport adds the API key header to every request
type apiKeyTransport struct {
	header string
	key    string
	base   http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set(t.header, t.key)
	return t.base.RoundTrip(r)
}

// NewHTTPClient builds a client from configuration. OAuth2 client credentials
// are used when configured; tokens are cached until five minutes before expiry.
func NewHTTPClient(cfg *config.Config) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	var transport http.RoundTripper = http.DefaultTransport
	if cfg.Security.APIKey != "" {
		transport = &apiKeyTransport{header: cfg.Security.APIKeyHeader, key: cfg.Security.APIKey, base: transport}
	}
	if cfg.OAuth2.Enabled() {
		cc := clientcredentials.Config{
			ClientID:     cfg.OAuth2.ClientID,
			ClientSecret: cfg.OAuth2.ClientSecret,
			TokenURL:     cfg.OAuth2.TokenURL,
			Scopes:       cfg.OAuth2.Scopes,
		}
		ts := oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(context.Background()), 5*time.Minute)
		transport = &oauth2.Transport{Source: ts, Base: transport}
	}

	return &HTTPClient{
		baseURL:    base,
		httpClient: &http.Client{Transport: transport, Timeout: cfg.Transfer.RequestTimeout()},
		log:        observability.GetLogger().WithField("component", "remote"),
	}, nil
}

func (c *HTTPClient) endpoint(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// statusFromHTTP maps an HTTP status code onto a Status
func statusFromHTTP(code int) Status {
	switch {
	case code >= 200 && code < 300:
		return StatusOK
	case code == http.StatusUnauthorized:
		return StatusUnauthorized
	case code == http.StatusPaymentRequired:
		return StatusPaymentRequired
	case code == http.StatusForbidden:
		return StatusForbidden
	case code == http.StatusNotFound, code == http.StatusGone:
		return StatusNotFound
	case code == http.StatusProxyAuthRequired:
		return StatusProxyAuthRequired
	case code == http.StatusRequestEntityTooLarge, code == http.StatusInsufficientStorage:
		return StatusQuotaExceeded
	case code == http.StatusUnsupportedMediaType:
		return StatusNotSupported
	case code == http.StatusRequestedRangeNotSatisfiable:
		return StatusRangeNotSatisfiable
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return StatusNetworkError
	}
	return StatusError
}

// statusFromError classifies a transport error
func statusFromError(ctx context.Context, err error) Status {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return StatusCanceled
	}
	var oerr *oauth2.RetrieveError
	if errors.As(err, &oerr) {
		return StatusUnauthorized
	}
	return StatusNetworkError
}

// do sends a request and decodes a JSON response into out when non-nil.
// Every call is traced as a client span carrying the outcome.
func (c *HTTPClient) do(ctx context.Context, method, target string, body io.Reader, header http.Header, out interface{}) (resp *http.Response, status Status) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		c.log.Errorf("Failed to create request %s %s: %v", method, target, err)
		return nil, StatusError
	}

	ctx, span := observability.StartRemoteSpan(ctx, strings.ToLower(method),
		semconv.HTTPRequestMethodKey.String(method),
		semconv.URLPath(req.URL.Path),
	)
	defer func() {
		span.SetAttributes(attribute.String("remote.status", status.String()))
		if resp != nil {
			span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))
		}
		if status.OK() {
			observability.SetSuccess(span)
		} else {
			observability.RecordError(span, status.Err(method+" "+req.URL.Path))
		}
		span.End()
	}()
	req = req.WithContext(ctx)

	for k, v := range header {
		req.Header[k] = v
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err = c.httpClient.Do(req)
	if err != nil {
		c.log.WithContext(ctx).Warnf("%s %s failed: %v", method, target, err)
		return nil, statusFromError(ctx, err)
	}

	status = statusFromHTTP(resp.StatusCode)
	if !status.OK() {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		c.log.WithContext(ctx).Warnf("%s %s returned %d: %s", method, target, resp.StatusCode, strings.TrimSpace(string(msg)))
		return resp, status
	}
	if out == nil {
		return resp, StatusOK
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.log.WithContext(ctx).Errorf("Failed to decode %s %s response: %v", method, target, err)
		return resp, StatusNetworkError
	}
	return resp, StatusOK
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, query url.Values, in, out interface{}) Status {
	var body io.Reader
	header := http.Header{}
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			c.log.Errorf("Failed to marshal %s body: %v", path, err)
			return StatusError
		}
		body = bytes.NewReader(data)
		header.Set("Content-Type", "application/json")
	}
	resp, status := c.do(ctx, method, c.endpoint(path, query), body, header, out)
	if resp != nil && out == nil && status.OK() {
		resp.Body.Close()
	}
	return status
}

// GetAllItems lists one page of every remote item
func (c *HTTPClient) GetAllItems(ctx context.Context, limit, offset int) (Page, Status) {
	var page Page
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	status := c.doJSON(ctx, http.MethodGet, "/api/items", q, nil, &page)
	return page, status
}

// GetItemsChanges lists the GUIDs created, modified and deleted after since
func (c *HTTPClient) GetItemsChanges(ctx context.Context, since int64) (Changes, Status) {
	var changes Changes
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	status := c.doJSON(ctx, http.MethodGet, "/api/items/changes", q, nil, &changes)
	return changes, status
}

type lookupRequest struct {
	GUIDs []string `json:"guids"`
}

type lookupResponse struct {
	Items  []Item         `json:"items"`
	Labels []models.Label `json:"labels"`
}

// GetItemsFromID fetches full records for guids
func (c *HTTPClient) GetItemsFromID(ctx context.Context, guids []string) ([]Item, []models.Label, Status) {
	var resp lookupResponse
	status := c.doJSON(ctx, http.MethodPost, "/api/items/lookup", nil, lookupRequest{GUIDs: guids}, &resp)
	return resp.Items, resp.Labels, status
}

// UploadItemMetadata creates the remote record, or updates it when the item has a GUID
func (c *HTTPClient) UploadItemMetadata(ctx context.Context, item models.SyncItem, metadataOnly bool) (UploadResult, Status) {
	var result UploadResult
	if !item.HasRemoteIdentity() {
		status := c.doJSON(ctx, http.MethodPost, "/api/items", nil, item, &result)
		return result, status
	}
	q := url.Values{}
	if metadataOnly {
		q.Set("metadataOnly", "true")
	}
	status := c.doJSON(ctx, http.MethodPut, "/api/items/"+url.PathEscape(item.GUID), q, item, &result)
	return result, status
}

// UploadItemData streams the item content starting at offset
func (c *HTTPClient) UploadItemData(ctx context.Context, item models.SyncItem, data io.Reader, offset int64) (UploadResult, Status) {
	var result UploadResult
	header := http.Header{}
	header.Set("Content-Type", "application/octet-stream")
	header.Set(HeaderUploadOffset, strconv.FormatInt(offset, 10))
	if item.Size > 0 {
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, item.Size-1, item.Size))
	}
	_, status := c.do(ctx, http.MethodPut, c.endpoint("/api/items/"+url.PathEscape(item.GUID)+"/data", nil), data, header, &result)
	return result, status
}

type resumeResponse struct {
	StoredBytes int64 `json:"storedBytes"`
}

// GetItemResumeInfo returns how many bytes of the item the server already holds
func (c *HTTPClient) GetItemResumeInfo(ctx context.Context, item models.SyncItem) (int64, Status) {
	var resp resumeResponse
	status := c.doJSON(ctx, http.MethodGet, "/api/items/"+url.PathEscape(item.GUID)+"/resume", nil, nil, &resp)
	return resp.StoredBytes, status
}

// DownloadItem writes the item content from offset into sink
func (c *HTTPClient) DownloadItem(ctx context.Context, item models.SyncItem, offset int64, sink io.Writer) Status {
	target := item.URLs.Item
	if target == "" {
		target = c.endpoint("/api/items/"+url.PathEscape(item.GUID)+"/data", nil)
	}
	header := http.Header{}
	header.Set("Accept", "application/octet-stream")
	if offset > 0 {
		header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, status := c.do(ctx, http.MethodGet, target, nil, header, nil)
	if !status.OK() {
		return status
	}
	defer resp.Body.Close()

	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		// full content: skip what the sink already holds
		c.log.WithItem(item.ID, item.Name).Debugf("Server ignored range request, skipping %d bytes", offset)
		skipped, err := io.CopyN(io.Discard, resp.Body, offset)
		if err != nil && skipped < offset && !errors.Is(err, io.EOF) {
			c.log.WithItem(item.ID, item.Name).Warnf("Download interrupted: %v", err)
			return statusFromError(ctx, err)
		}
		if skipped < offset {
			return StatusRangeNotSatisfiable
		}
	}
	if _, err := io.Copy(sink, resp.Body); err != nil {
		c.log.WithItem(item.ID, item.Name).Warnf("Download interrupted: %v", err)
		return statusFromError(ctx, err)
	}
	return StatusOK
}

// DeleteItem deletes the remote item
func (c *HTTPClient) DeleteItem(ctx context.Context, guid string) Status {
	return c.doJSON(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(guid), nil, nil, nil)
}

// GetQuotaInfo returns the storage allowance
func (c *HTTPClient) GetQuotaInfo(ctx context.Context) (Quota, Status) {
	var q Quota
	status := c.doJSON(ctx, http.MethodGet, "/api/quota", nil, nil, &q)
	return q, status
}

type timeResponse struct {
	ServerTime int64 `json:"serverTime"`
}

// GetServerTime returns the server clock in unix milliseconds
func (c *HTTPClient) GetServerTime(ctx context.Context) (int64, Status) {
	var t timeResponse
	status := c.doJSON(ctx, http.MethodGet, "/api/time", nil, nil, &t)
	return t.ServerTime, status
}

var _ Client = (*HTTPClient)(nil)

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/photosync/client/internal/config"
	"github.com/photosync/client/internal/models"
)

func setupTestServer(t *testing.T, r chi.Router) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		ServerURL: srv.URL,
		Security:  config.Security{APIKey: "k", APIKeyHeader: "X-API-Key"},
		Transfer:  config.Transfer{RequestTimeoutSeconds: 5},
	}
	c, err := NewHTTPClient(cfg)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestHTTPClient_Metadata(t *testing.T) {
	ctx := context.Background()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("X-API-Key") != "k" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/api/items", func(w http.ResponseWriter, req *http.Request) {
		offset, _ := strconv.Atoi(req.URL.Query().Get("offset"))
		writeJSON(w, Page{
			Items:      []Item{{SyncItem: models.SyncItem{GUID: "G" + strconv.Itoa(offset), Name: "a.jpg"}}},
			ServerTime: 42,
			HasMore:    offset == 0,
		})
	})
	r.Get("/api/items/changes", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "10", req.URL.Query().Get("since"))
		writeJSON(w, Changes{Modified: []string{"G1"}, Deleted: []string{"G2"}, ServerTime: 50})
	})
	r.Post("/api/items/lookup", func(w http.ResponseWriter, req *http.Request) {
		var body lookupRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		writeJSON(w, lookupResponse{
			Items:  []Item{{SyncItem: models.SyncItem{GUID: body.GUIDs[0]}, LabelGUIDs: []string{"L1"}}},
			Labels: []models.Label{{GUID: "L1", Name: "Trip"}},
		})
	})
	r.Post("/api/items", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, UploadResult{GUID: "NEW", ServerLastUpdate: 77})
	})
	r.Put("/api/items/{guid}", func(w http.ResponseWriter, req *http.Request) {
		if chi.URLParam(req, "guid") == "gone" {
			http.NotFound(w, req)
			return
		}
		assert.Equal(t, "true", req.URL.Query().Get("metadataOnly"))
		writeJSON(w, UploadResult{GUID: chi.URLParam(req, "guid")})
	})
	r.Get("/api/quota", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, Quota{Free: 10, Total: 20})
	})
	r.Get("/api/time", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, timeResponse{ServerTime: 123})
	})
	r.Delete("/api/items/{guid}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	})

	c := setupTestServer(t, r)

	t.Run("pages items", func(t *testing.T) {
		page, status := c.GetAllItems(ctx, 1, 0)
		require.Equal(t, StatusOK, status)
		assert.True(t, page.HasMore)
		assert.Equal(t, int64(42), page.ServerTime)
		assert.Equal(t, "G0", page.Items[0].GUID)
	})

	t.Run("changes and lookup", func(t *testing.T) {
		changes, status := c.GetItemsChanges(ctx, 10)
		require.Equal(t, StatusOK, status)
		assert.Equal(t, []string{"G1"}, changes.Modified)
		assert.False(t, changes.Empty())

		items, labels, status := c.GetItemsFromID(ctx, []string{"G1"})
		require.Equal(t, StatusOK, status)
		assert.Equal(t, "G1", items[0].GUID)
		assert.Equal(t, "Trip", labels[0].Name)
	})

	t.Run("metadata create and update", func(t *testing.T) {
		res, status := c.UploadItemMetadata(ctx, models.SyncItem{Name: "a.jpg"}, false)
		require.Equal(t, StatusOK, status)
		assert.Equal(t, "NEW", res.GUID)

		_, status = c.UploadItemMetadata(ctx, models.SyncItem{GUID: "gone"}, true)
		assert.Equal(t, StatusNotFound, status)
	})

	t.Run("quota time and delete", func(t *testing.T) {
		q, status := c.GetQuotaInfo(ctx)
		require.Equal(t, StatusOK, status)
		assert.Equal(t, int64(10), q.Free)

		now, status := c.GetServerTime(ctx)
		require.Equal(t, StatusOK, status)
		assert.Equal(t, int64(123), now)

		assert.Equal(t, StatusPaymentRequired, c.DeleteItem(ctx, "G1"))
	})
}

func TestHTTPClient_Transfer(t *testing.T) {
	ctx := context.Background()
	content := []byte("0123456789")
	var stored []byte

	r := chi.NewRouter()
	r.Put("/api/items/{guid}/data", func(w http.ResponseWriter, req *http.Request) {
		offset, _ := strconv.Atoi(req.Header.Get(HeaderUploadOffset))
		body, _ := io.ReadAll(req.Body)
		stored = append(stored[:offset], body...)
		writeJSON(w, UploadResult{GUID: chi.URLParam(req, "guid"), ETags: models.ETags{RemoteItem: "e1"}})
	})
	r.Get("/api/items/{guid}/resume", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, resumeResponse{StoredBytes: int64(len(stored))})
	})
	r.Get("/api/items/{guid}/data", func(w http.ResponseWriter, req *http.Request) {
		switch chi.URLParam(req, "guid") {
		case "expired":
			w.WriteHeader(http.StatusForbidden)
			return
		case "flaky":
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		case "norange":
			w.Write(content)
			return
		case "shrunk":
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if rng := req.Header.Get("Range"); rng != "" {
			from, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(content[from:])
			return
		}
		w.Write(content)
	})

	c := setupTestServer(t, r)
	item := models.SyncItem{GUID: "G1", Size: int64(len(content))}

	t.Run("uploads and resumes", func(t *testing.T) {
		_, status := c.UploadItemData(ctx, item, bytes.NewReader(content[:4]), 0)
		require.Equal(t, StatusOK, status)

		offset, status := c.GetItemResumeInfo(ctx, item)
		require.Equal(t, StatusOK, status)
		assert.Equal(t, int64(4), offset)

		res, status := c.UploadItemData(ctx, item, bytes.NewReader(content[offset:]), offset)
		require.Equal(t, StatusOK, status)
		assert.Equal(t, "e1", res.ETags.RemoteItem)
		assert.Equal(t, content, stored)
	})

	t.Run("downloads with range", func(t *testing.T) {
		var buf bytes.Buffer
		require.Equal(t, StatusOK, c.DownloadItem(ctx, item, 6, &buf))
		assert.Equal(t, "6789", buf.String())
	})

	t.Run("server ignoring the range still resumes", func(t *testing.T) {
		var buf bytes.Buffer
		require.Equal(t, StatusOK, c.DownloadItem(ctx, models.SyncItem{GUID: "norange", Size: 10}, 6, &buf))
		assert.Equal(t, "6789", buf.String())

		buf.Reset()
		assert.Equal(t, StatusRangeNotSatisfiable, c.DownloadItem(ctx, models.SyncItem{GUID: "norange", Size: 20}, 15, &buf))
		assert.Zero(t, buf.Len())
	})

	t.Run("unsatisfiable range", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Equal(t, StatusRangeNotSatisfiable, c.DownloadItem(ctx, models.SyncItem{GUID: "shrunk"}, 4, &buf))
	})

	t.Run("maps failures", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Equal(t, StatusForbidden, c.DownloadItem(ctx, models.SyncItem{GUID: "expired"}, 0, &buf))
		assert.Equal(t, StatusNetworkError, c.DownloadItem(ctx, models.SyncItem{GUID: "flaky"}, 0, &buf))
	})

	t.Run("canceled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, status := c.GetServerTime(cctx)
		assert.Equal(t, StatusCanceled, status)
	})
}

func TestHTTPClient_Tracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	var traceparent string
	r := chi.NewRouter()
	r.Get("/api/time", func(w http.ResponseWriter, req *http.Request) {
		traceparent = req.Header.Get("traceparent")
		writeJSON(w, timeResponse{ServerTime: 42})
	})
	r.Get("/api/quota", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := setupTestServer(t, r)

	t.Run("successful call is a client span", func(t *testing.T) {
		sr.Reset()
		_, status := c.GetServerTime(context.Background())
		require.Equal(t, StatusOK, status)
		assert.NotEmpty(t, traceparent)

		spans := sr.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "remote.get", spans[0].Name())
		assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind())
		assert.Equal(t, codes.Ok, spans[0].Status().Code)
		assert.Contains(t, spans[0].Attributes(), attribute.String("url.path", "/api/time"))
		assert.Contains(t, spans[0].Attributes(), attribute.Int("http.response.status_code", http.StatusOK))
	})

	t.Run("failed call records the status", func(t *testing.T) {
		sr.Reset()
		_, status := c.GetQuotaInfo(context.Background())
		require.Equal(t, StatusUnauthorized, status)

		spans := sr.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status().Code)
		assert.Contains(t, spans[0].Attributes(), attribute.String("remote.status", "unauthorized"))
	})
}

func TestStatus(t *testing.T) {
	assert.True(t, StatusNetworkError.Retryable())
	assert.False(t, StatusForbidden.Retryable())
	assert.Equal(t, models.KindServerQuotaExceeded, StatusQuotaExceeded.Kind())
	assert.Equal(t, models.KindProxyAuthenticationError, StatusProxyAuthRequired.Kind())
	assert.NoError(t, StatusOK.Err("x"))
	assert.ErrorIs(t, StatusNetworkError.Err("upload"), models.ErrNetwork)

	assert.Equal(t, StatusQuotaExceeded, statusFromHTTP(http.StatusInsufficientStorage))
	assert.Equal(t, StatusNetworkError, statusFromHTTP(http.StatusBadGateway))
	assert.Equal(t, StatusError, statusFromHTTP(http.StatusBadRequest))
}

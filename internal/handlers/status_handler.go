package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/photosync/client/internal/models"
	"github.com/photosync/client/internal/observability"
	"github.com/photosync/client/internal/repository"
	"github.com/photosync/client/internal/services"
)

// SourceRuntime is what the status server can see of one source
type SourceRuntime struct {
	Items        repository.ItemStore
	States       repository.SyncStateStore
	Orchestrator *services.SyncOrchestrator
}

// StatusHandler exposes the item caches and sync sessions of every source
type StatusHandler struct {
	sources map[string]SourceRuntime
	thumbs  *services.ThumbnailService
	baseCtx context.Context
	log     *observability.Logger
}

// NewStatusHandler creates a StatusHandler. Sessions started over HTTP run
// under baseCtx so they outlive the request.
func NewStatusHandler(baseCtx context.Context, sources map[string]SourceRuntime, thumbs *services.ThumbnailService) *StatusHandler {
	return &StatusHandler{
		sources: sources,
		thumbs:  thumbs,
		baseCtx: baseCtx,
		log:     observability.GetLogger().WithField("component", "status"),
	}
}

// Routes mounts the handler under /api/sources
func (h *StatusHandler) Routes(r chi.Router) {
	r.Get("/", h.ListSources)
	r.Route("/{source}", func(r chi.Router) {
		r.Get("/", h.GetSource)
		r.Get("/items", h.ListItems)
		r.Get("/items/{id}", h.GetItem)
		r.Get("/items/{id}/thumbnail", h.GetThumbnail)
		r.Post("/sync", h.TriggerSync)
		r.Post("/abort", h.AbortSync)
	})
}

// ListSources returns the status of every source, sorted by name
func (h *StatusHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.sources))
	for name := range h.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.SourceStatusResponse, 0, len(names))
	for _, name := range names {
		out = append(out, h.sourceStatus(r.Context(), name, h.sources[name]))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetSource returns the status of one source
func (h *StatusHandler) GetSource(w http.ResponseWriter, r *http.Request) {
	name, rt, ok := h.source(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.sourceStatus(r.Context(), name, rt))
}

func (h *StatusHandler) sourceStatus(ctx context.Context, name string, rt SourceRuntime) models.SourceStatusResponse {
	resp := models.SourceStatusResponse{
		Name:     name,
		ByStatus: map[string]int{},
	}
	for status, n := range rt.Items.CountByStatus(ctx) {
		resp.ByStatus[status.String()] = n
		resp.TotalItems += n
	}
	if rt.States != nil {
		state, err := rt.States.Get(ctx, name)
		if err != nil {
			h.log.WithSource(name).Warnf("Failed to load sync state: %v", err)
		}
		resp.State = state
	}
	if rt.Orchestrator != nil {
		resp.Running = rt.Orchestrator.Running()
		if report := rt.Orchestrator.LastReport(); report != nil {
			summary := report.Summary()
			resp.LastReport = &summary
		}
	}
	return resp
}

// ListItems returns cached items, optionally filtered by ?status= and capped by ?limit=
func (h *StatusHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := h.source(w, r)
	if !ok {
		return
	}

	var items []models.SyncItem
	if s := r.URL.Query().Get("status"); s != "" {
		status, ok := parseStatus(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(s))
			return
		}
		items = rt.Items.GetByStatus(r.Context(), status)
	} else {
		items = rt.Items.GetAll(r.Context(), repository.QueryOptions{
			OrderBy:    r.URL.Query().Get("order"),
			Descending: r.URL.Query().Get("desc") == "true",
		})
	}

	total := len(items)
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v >= 0 && v < len(items) {
			items = items[:v]
		}
	}

	resp := models.ItemListResponse{
		Items:      make([]models.ItemResponse, 0, len(items)),
		TotalCount: total,
	}
	for i := range items {
		resp.Items = append(resp.Items, models.ItemToResponse(&items[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetItem returns one cached item
func (h *StatusHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, ok := h.item(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, models.ItemToResponse(item))
}

// GetThumbnail serves the local rendition of an item; ?size=preview selects
// the large one
func (h *StatusHandler) GetThumbnail(w http.ResponseWriter, r *http.Request) {
	if h.thumbs == nil {
		writeError(w, http.StatusNotFound, "thumbnails disabled")
		return
	}
	name := chi.URLParam(r, "source")
	item, ok := h.item(w, r)
	if !ok {
		return
	}

	size := services.ThumbSmall
	if r.URL.Query().Get("size") == services.ThumbPreview.Name {
		size = services.ThumbPreview
	}
	path := h.thumbs.Path(name, item, size)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "thumbnail not found")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	http.ServeFile(w, r, path)
}

// TriggerSync starts a session in the background
func (h *StatusHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	name, rt, ok := h.source(w, r)
	if !ok {
		return
	}
	if rt.Orchestrator == nil {
		writeError(w, http.StatusNotImplemented, "source is read-only")
		return
	}
	if rt.Orchestrator.Running() {
		writeError(w, http.StatusConflict, services.ErrSyncInProgress.Error())
		return
	}

	go func() {
		if _, err := rt.Orchestrator.Sync(h.baseCtx); err != nil && !errors.Is(err, services.ErrSyncInProgress) {
			h.log.WithSource(name).Warnf("Triggered sync failed: %v", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, models.SyncTriggerResponse{Source: name, Started: true})
}

// AbortSync asks the running session to stop
func (h *StatusHandler) AbortSync(w http.ResponseWriter, r *http.Request) {
	_, rt, ok := h.source(w, r)
	if !ok {
		return
	}
	if rt.Orchestrator == nil || !rt.Orchestrator.Running() {
		writeError(w, http.StatusConflict, "no sync in progress")
		return
	}
	rt.Orchestrator.Abort()
	w.WriteHeader(http.StatusNoContent)
}

func (h *StatusHandler) source(w http.ResponseWriter, r *http.Request) (string, SourceRuntime, bool) {
	name := chi.URLParam(r, "source")
	rt, ok := h.sources[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source "+strconv.Quote(name))
	}
	return name, rt, ok
}

func (h *StatusHandler) item(w http.ResponseWriter, r *http.Request) (*models.SyncItem, bool) {
	_, rt, ok := h.source(w, r)
	if !ok {
		return nil, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return nil, false
	}
	item := rt.Items.GetByID(r.Context(), id)
	if item == nil {
		writeError(w, http.StatusNotFound, "item not found")
		return nil, false
	}
	return item, true
}

func parseStatus(s string) (models.ItemStatus, bool) {
	for _, status := range models.AllStatuses() {
		if status.String() == s {
			return status, true
		}
	}
	if n, err := strconv.Atoi(s); err == nil && models.ItemStatus(n).Valid() {
		return models.ItemStatus(n), true
	}
	return 0, false
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, models.ErrorResponse{Error: msg})
}

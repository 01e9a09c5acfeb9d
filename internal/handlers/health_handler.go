package handlers

import (
	"net/http"
	"time"

	"github.com/photosync/client/internal/models"
)

// StreamCounter reports how many progress streams are open
type StreamCounter interface {
	GetClientCount() int
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	version string
	sources int
	streams StreamCounter
}

// NewHealthHandler creates a new HealthHandler. streams may be nil.
func NewHealthHandler(version string, sources int, streams StreamCounter) *HealthHandler {
	return &HealthHandler{version: version, sources: sources, streams: streams}
}

// HealthCheck returns the client health status
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Sources:   h.sources,
		Timestamp: time.Now().UTC(),
	}
	if h.streams != nil {
		resp.Streams = h.streams.GetClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

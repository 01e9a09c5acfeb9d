package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/photosync/client/internal/observability"
	"github.com/photosync/client/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// the status server listens on loopback by default
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler streams sync events to status clients
type WebSocketHandler struct {
	hub *services.WebSocketHub
	log *observability.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(hub *services.WebSocketHub) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		log: observability.GetLogger().WithField("component", "websocket"),
	}
}

// HandleConnection upgrades HTTP to WebSocket. The client is subscribed to
// ?source= when given and to every source otherwise; it may change its
// topics with subscribe and unsubscribe messages.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	client := h.hub.NewClient(uuid.New().String(), conn)
	h.hub.Register(client)

	topic := services.TopicSync
	if source := r.URL.Query().Get("source"); source != "" {
		topic = services.SourceTopic(source)
	}
	h.hub.Subscribe(client, topic)

	go client.WritePump()

	// blocks until the connection closes
	client.ReadPump(h.handleMessage)
}

// handleMessage processes incoming WebSocket messages
func (h *WebSocketHandler) handleMessage(client *services.WSClient, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		return
	}

	var msg services.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Debugf("Invalid WebSocket message: %v", err)
		return
	}

	switch msg.Type {
	case services.WSTypeSubscribe:
		if topic := messageTopic(msg.Payload); topic != "" {
			h.hub.Subscribe(client, topic)
		}

	case services.WSTypeUnsubscribe:
		if topic := messageTopic(msg.Payload); topic != "" {
			h.hub.Unsubscribe(client, topic)
		}

	case services.WSTypePing:
		if data, err := json.Marshal(services.WSMessage{Type: services.WSTypePong}); err == nil {
			select {
			case client.Send <- data:
			default:
			}
		}

	default:
		h.log.Debugf("Unknown WebSocket message type: %s", msg.Type)
	}
}

// messageTopic accepts "topic", {"topic": "..."} or {"source": "..."}
func messageTopic(payload interface{}) string {
	switch p := payload.(type) {
	case string:
		return p
	case map[string]interface{}:
		if topic, ok := p["topic"].(string); ok {
			return topic
		}
		if source, ok := p["source"].(string); ok && source != "" {
			return services.SourceTopic(source)
		}
	}
	return ""
}

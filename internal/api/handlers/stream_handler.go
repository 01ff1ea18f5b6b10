package handlers

import (
	"net/http"

	"brokerage/internal/websocket"
)

// StreamHandler подключает клиента к потоку статусов его подключений
type StreamHandler struct {
	hub *websocket.Hub
}

// NewStreamHandler создает новый StreamHandler
func NewStreamHandler(hub *websocket.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// ServeWS апгрейдит запрос до WebSocket
// GET /ws/stream
func (h *StreamHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	websocket.ServeWS(h.hub, w, r, userID)
}

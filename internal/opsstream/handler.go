package opsstream

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Handler upgrades HTTP connections to the ops-stream websocket.
type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewHandler constructs a Handler over an already-running Hub.
func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, logger: logger.With("component", "opsstream-handler")}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the connection and registers a new Client with the
// hub. Viewers never receive anything beyond what the hub broadcasts.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ops websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}

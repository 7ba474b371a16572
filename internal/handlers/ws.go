package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-livesim/internal/transport"
)

// WSHandler upgrades subscribers to WebSocket and attaches them to the hub
type WSHandler struct {
	hub      transport.Hub
	upgrader websocket.Upgrader
	buffer   int
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(hub transport.Hub, buffer int) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		buffer: buffer,
	}
}

// ServeHTTP serves one subscriber until it disconnects
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	client := transport.NewWSClient(conn, h.hub, h.buffer)
	log.WithFields(log.Fields{
		"subscriber": client.ID(),
		"remote":     r.RemoteAddr,
	}).Info("WebSocket client connected")
	client.Run(r.Context())
}

// Package handler upgrades incoming sync connections to websocket.
package handler

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"duo/hub/controller"
)

// Handler routes and upgrades sync requests.
type Handler struct {
	upgrader   websocket.Upgrader
	controller *controller.Controller
}

// New creates a new instance of Handler.
func New(c *controller.Controller) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		controller: c,
	}
}

// ServeHTTP upgrades /ws requests and hands the connection to the
// controller for the rest of its lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/ws" {
		http.NotFound(w, r)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("failed to upgrade connection: %v", err)
		return
	}
	if err := h.controller.Process(conn); err != nil {
		log.Printf("connection closed: %v", err)
	}
}

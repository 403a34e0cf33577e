package hub

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"duo/hub/controller"
	"duo/hub/handler"
	"duo/metric"
	"duo/store/memory"
)

// Hub contains the server and configuration.
type Hub struct {
	server *http.Server
	conf   Config
}

// New creates a new instance of Hub. All connections share one
// in-memory store.
func New(config Config, metrics *metric.Metrics) *Hub {
	db := memory.New()
	con := controller.New(db, metrics)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		ReadHeaderTimeout: 2 * time.Second,
		Handler:           handler.New(con),
	}
	return &Hub{
		server: srv,
		conf:   config,
	}
}

// Start runs the hub server. It blocks until Stop or a listener error.
func (h *Hub) Start() error {
	if h.conf.CertFile == "" || h.conf.KeyFile == "" {
		log.Printf("Starting hub port on %d, without TLS", h.conf.Port)
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start hub: %w", err)
		}
		return nil
	}

	log.Printf("Starting hub port on %d, with TLS", h.conf.Port)
	if err := h.server.ListenAndServeTLS(h.conf.CertFile, h.conf.KeyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	return nil
}

// Stop shuts the hub server down.
func (h *Hub) Stop() error {
	return h.server.Close()
}

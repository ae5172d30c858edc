package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"funding-arb/internal/config"
	"funding-arb/internal/metrics"
)

// Server runs the ops HTTP/WebSocket API.
type Server struct {
	cfg      config.ServerConfig
	provider Provider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the mux. The Prometheus handler is mounted here so the bot
// exposes a single port for health, status, metrics, and the event stream.
func NewServer(cfg config.Config, provider Provider, m *metrics.Metrics, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handlers.HandleHealth)
	mux.HandleFunc("GET /api/v1/status", handlers.HandleStatus)
	mux.HandleFunc("GET /api/v1/positions", handlers.HandlePositions)
	mux.HandleFunc("GET /api/v1/positions/{id}/divergence", handlers.HandleDivergence)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)
	mux.Handle("GET /metrics", m.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg.Server,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the event consumer, and the HTTP listener. Blocks
// until Stop or a listener error.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("ops server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop drains HTTP connections and shuts the hub down.
func (s *Server) Stop() error {
	s.logger.Info("stopping ops server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.hub.Stop()
	return err
}

// consumeEvents forwards engine events to the hub.
func (s *Server) consumeEvents() {
	ch := s.provider.Events()
	if ch == nil {
		return
	}
	for evt := range ch {
		s.hub.BroadcastEvent(evt)
	}
}

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"funding-arb/internal/config"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	provider Provider
	cfg      config.Config
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandlers creates a new handlers instance.
func NewHandlers(provider Provider, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		provider: provider,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.Server, r.Host)
		},
	}
	return h
}

// isOriginAllowed gates WebSocket upgrades. Non-browser clients send no
// Origin header and pass. With an allowlist configured only exact matches
// pass; otherwise localhost and the server's own host pass.
func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		return slices.Contains(cfg.AllowedOrigins, origin)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == reqHost
}

// HandleHealth returns a simple liveness response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus serves the full engine snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, BuildStatusSnapshot(h.provider, h.cfg))
}

// HandlePositions serves the non-terminal position list.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	positions := h.provider.ActivePositions()
	statuses := make([]PositionStatus, 0, len(positions))
	for _, p := range positions {
		statuses = append(statuses, NewPositionStatus(p, now))
	}
	h.writeJSON(w, statuses)
}

// HandleDivergence serves the recorded divergence history of one position.
func (h *Handlers) HandleDivergence(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	observations, ok := h.provider.PositionHistory(id)
	if !ok {
		http.Error(w, "position not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, DivergenceHistory{
		PositionID:   id,
		Observations: observations,
	})
}

// HandleWebSocket upgrades the connection and registers a stream client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)
	if client == nil {
		return
	}

	// Seed the new client with a full snapshot
	evt := Event{
		Type:      EventStatus,
		Timestamp: time.Now(),
		Data:      BuildStatusSnapshot(h.provider, h.cfg),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

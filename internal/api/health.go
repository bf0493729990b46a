package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is the readiness probe contract; *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health serves liveness and readiness probes.
type Health struct {
	db     Pinger
	logger *slog.Logger
}

// NewHealth creates the health handler. db may be nil, in which case
// readiness degrades to liveness.
func NewHealth(db Pinger, logger *slog.Logger) *Health {
	return &Health{db: db, logger: logger}
}

// RegisterRoutes mounts the probe endpoints on mux.
func (h *Health) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.live)
	mux.HandleFunc("GET /ready", h.ready)
}

func (h *Health) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Health) ready(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("readiness probe failed", "error", err)
			writeJSON(w, h.logger, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ready"})
}

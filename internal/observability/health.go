package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cascadegis/parcelflow/internal/database"
	"github.com/cascadegis/parcelflow/internal/logger"
)

// HealthCheckTimeout bounds the database ping during readiness checks.
const HealthCheckTimeout = 2 * time.Second

// HealthHandler serves liveness and readiness probes alongside the
// metrics endpoint during long pipeline runs.
type HealthHandler struct {
	db  *database.Database
	log *logger.Logger
}

// NewHealthHandler creates a HealthHandler over the shared pool.
func NewHealthHandler(db *database.Database, log *logger.Logger) *HealthHandler {
	return &HealthHandler{db: db, log: log}
}

// Register mounts the health endpoints on the given mux.
func (h *HealthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/health/ready", h.Ready)
}

// Health always reports healthy; it checks no dependencies and is meant
// for liveness probes.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready verifies database connectivity, returning 503 when the pool
// cannot reach PostgreSQL.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), HealthCheckTimeout)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.log.Error("Database health check failed", err, map[string]interface{}{
			"timeout": HealthCheckTimeout.String(),
		})
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "not_ready",
			"database": "disconnected",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ready",
		"database": "connected",
	})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

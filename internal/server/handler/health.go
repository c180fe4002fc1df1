package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/celoledger/internal/service"
)

// SyncService reports ingestion progress.
type SyncService interface {
	Status(ctx context.Context) (service.SyncStatus, error)
}

// HealthHandler serves the health and sync endpoints.
type HealthHandler struct {
	sync   SyncService
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(sync SyncService, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{sync: sync, logger: logHandler(logger, "health")}
}

// HealthCheck reports liveness plus poller health. An unhealthy poller
// answers 503 so load balancers notice.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	st, err := h.sync.Status(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "error",
			"error":  "ledger unavailable",
		})
		return
	}

	status, code := "ok", http.StatusOK
	if !st.Healthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	body := map[string]any{
		"status":      status,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"cursor":      st.Cursor,
		"frozen_keys": st.FrozenKeys,
	}
	if st.Poller != nil {
		body["running"] = st.Poller.Running
		body["head"] = st.Poller.Head
		body["lag"] = st.Poller.Lag
		body["consecutive_failures"] = st.Poller.ConsecutiveFailures
	}
	writeJSON(w, code, body)
}

// Sync returns the full ingestion status.
// GET /api/sync
func (h *HealthHandler) Sync(w http.ResponseWriter, r *http.Request) {
	st, err := h.sync.Status(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "sync status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

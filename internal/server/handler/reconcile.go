package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/celoledger/internal/ledger"
)

// Sweeper runs one reconciliation sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (ledger.ReconcileReport, error)
}

// ReconcileHandler serves the on-demand reconciliation endpoint.
type ReconcileHandler struct {
	sweeper Sweeper
	timeout time.Duration
	logger  *slog.Logger
}

// NewReconcileHandler creates a ReconcileHandler. The sweep runs detached
// from the request so a client disconnect does not abort it halfway.
func NewReconcileHandler(sweeper Sweeper, timeout time.Duration, logger *slog.Logger) *ReconcileHandler {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ReconcileHandler{sweeper: sweeper, timeout: timeout, logger: logHandler(logger, "reconcile")}
}

// Reconcile merges duplicate participant rows and returns the report.
// POST /api/reconcile
func (h *ReconcileHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.timeout)
	defer cancel()

	start := time.Now()
	report, err := h.sweeper.Sweep(ctx)
	if err != nil {
		writeServiceError(w, r, h.logger, "reconciliation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":      report,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// QuarantineLister lists quarantined logs.
type QuarantineLister interface {
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
}

// QuarantineHandler serves the quarantine listing.
type QuarantineHandler struct {
	lister QuarantineLister
	logger *slog.Logger
}

// NewQuarantineHandler creates a QuarantineHandler.
func NewQuarantineHandler(lister QuarantineLister, logger *slog.Logger) *QuarantineHandler {
	return &QuarantineHandler{lister: lister, logger: logHandler(logger, "quarantine")}
}

// List returns quarantined objects, optionally under a prefix such as
// "<contract>/<block>/".
// GET /api/quarantine?prefix=
func (h *QuarantineHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.lister.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeServiceError(w, r, h.logger, "quarantine", err)
		return
	}
	if items == nil {
		items = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/service"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	GetMarket(ctx context.Context, id uint64) (domain.Market, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) (service.MarketPage, error)
	Stats(ctx context.Context, id uint64) (domain.MarketStats, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "market"),
	}
}

// ListMarkets returns markets newest first, optionally filtered by status.
// GET /api/markets?limit=50&offset=0&status=active
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	if s := r.URL.Query().Get("status"); s != "" {
		opts.Status = domain.MarketStatus(s)
		if !opts.Status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
	}

	page, err := h.markets.ListMarkets(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "markets", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetMarket returns a single market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	market, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "market", err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// Stats returns volume, participant counts and claims of a market.
// GET /api/markets/{id}/stats
func (h *MarketHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := h.markets.Stats(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "market", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

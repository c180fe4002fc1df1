// Package service holds the read-side services behind the HTTP API. Reads
// only observe committed ledger state.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// Page limits for list endpoints.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// MarketPage is one page of markets plus the total matching the filter.
type MarketPage struct {
	Markets []domain.Market `json:"markets"`
	Total   int64           `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// MarketService serves market reads, using the redis cache for single-market
// lookups when one is configured.
type MarketService struct {
	ledger domain.LedgerReader
	cache  domain.MarketCache
	logger *slog.Logger
}

// NewMarketService creates a MarketService. cache may be nil.
func NewMarketService(ledger domain.LedgerReader, cache domain.MarketCache, logger *slog.Logger) *MarketService {
	return &MarketService{
		ledger: ledger,
		cache:  cache,
		logger: logger.With(slog.String("component", "market_service")),
	}
}

// GetMarket retrieves a market by ID, checking the cache first and falling
// back to the ledger on a miss.
func (s *MarketService) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	if s.cache != nil {
		m, err := s.cache.Get(ctx, id)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "cache get failed",
				slog.Uint64("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	m, err := s.ledger.GetMarket(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %d: %w", id, err)
	}

	if s.cache != nil {
		// Non-fatal: the next read falls through to the ledger again.
		if err := s.cache.Set(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "cache set failed",
				slog.Uint64("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return m, nil
}

// ListMarkets returns a page of markets, newest first.
func (s *MarketService) ListMarkets(ctx context.Context, opts domain.ListOpts) (MarketPage, error) {
	opts = clampOpts(opts)
	if opts.Status != "" && !opts.Status.Valid() {
		return MarketPage{}, fmt.Errorf("market_service: unknown status %q", opts.Status)
	}

	markets, err := s.ledger.ListMarkets(ctx, opts)
	if err != nil {
		return MarketPage{}, fmt.Errorf("market_service: list: %w", err)
	}
	total, err := s.ledger.CountMarkets(ctx, opts.Status)
	if err != nil {
		return MarketPage{}, fmt.Errorf("market_service: count: %w", err)
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	return MarketPage{Markets: markets, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// Stats returns aggregate figures for one market.
func (s *MarketService) Stats(ctx context.Context, id uint64) (domain.MarketStats, error) {
	if _, err := s.ledger.GetMarket(ctx, id); err != nil {
		return domain.MarketStats{}, fmt.Errorf("market_service: stats %d: %w", id, err)
	}
	stats, err := s.ledger.MarketStats(ctx, id)
	if err != nil {
		return domain.MarketStats{}, fmt.Errorf("market_service: stats %d: %w", id, err)
	}
	return stats, nil
}

func clampOpts(opts domain.ListOpts) domain.ListOpts {
	if opts.Limit <= 0 {
		opts.Limit = DefaultPageLimit
	}
	if opts.Limit > MaxPageLimit {
		opts.Limit = MaxPageLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return opts
}

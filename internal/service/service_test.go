package service_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/ledger"
	"github.com/alanyoungcy/celoledger/internal/pipeline"
	"github.com/alanyoungcy/celoledger/internal/service"
	"github.com/alanyoungcy/celoledger/internal/store/sqlite"
)

const addr = "0xabc0000000000000000000000000000000000001"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memCache is a map-backed domain.MarketCache that counts hits.
type memCache struct {
	mu      sync.Mutex
	markets map[uint64]domain.Market
	hits    int
}

func newMemCache() *memCache { return &memCache{markets: make(map[uint64]domain.Market)} }

func (c *memCache) Set(_ context.Context, m domain.Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markets[m.ID] = m
	return nil
}

func (c *memCache) Get(_ context.Context, id uint64) (domain.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	c.hits++
	return m, nil
}

func (c *memCache) Invalidate(_ context.Context, ids ...uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.markets, id)
	}
	return nil
}

type fixedPoller struct{ status pipeline.PollerStatus }

func (f fixedPoller) Status() pipeline.PollerStatus { return f.status }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func buy(marketID uint64, yes bool, amount int64, hash string, ts int64) domain.SharesBought {
	return domain.SharesBought{
		EventMeta: domain.EventMeta{BlockNumber: uint64(ts), BlockTimestamp: ts, TxHash: hash},
		MarketID:  marketID,
		Buyer:     addr,
		Side:      yes,
		Amount:    domain.AmountFromInt64(amount),
	}
}

func seedMarket(t *testing.T, store *sqlite.Store, id uint64, status domain.MarketStatus) {
	t.Helper()
	require.NoError(t, store.InTx(context.Background(), func(ctx context.Context, tx domain.LedgerTx) error {
		return tx.UpsertMarket(ctx, domain.Market{ID: id, Question: "q", Status: status})
	}))
}

func TestMarketService_GetUsesCache(t *testing.T) {
	store := newStore(t)
	seedMarket(t, store, 7, domain.MarketStatusActive)
	cache := newMemCache()
	svc := service.NewMarketService(store, cache, discardLogger())
	ctx := context.Background()

	m, err := svc.GetMarket(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), m.ID)
	assert.Zero(t, cache.hits)

	_, err = svc.GetMarket(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)

	_, err = svc.GetMarket(ctx, 99)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarketService_ListMarkets(t *testing.T) {
	store := newStore(t)
	seedMarket(t, store, 1, domain.MarketStatusActive)
	seedMarket(t, store, 2, domain.MarketStatusResolved)
	seedMarket(t, store, 3, domain.MarketStatusActive)
	svc := service.NewMarketService(store, nil, discardLogger())
	ctx := context.Background()

	page, err := svc.ListMarkets(ctx, domain.ListOpts{Status: domain.MarketStatusActive})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, service.DefaultPageLimit, page.Limit)
	require.Len(t, page.Markets, 2)
	assert.Equal(t, uint64(3), page.Markets[0].ID)

	page, err = svc.ListMarkets(ctx, domain.ListOpts{Limit: 10_000, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, service.MaxPageLimit, page.Limit)
	assert.Len(t, page.Markets, 1)

	_, err = svc.ListMarkets(ctx, domain.ListOpts{Status: "open"})
	require.Error(t, err)
}

func TestParticipantService_ReplayRefreshesTotals(t *testing.T) {
	store := newStore(t)
	logger := discardLogger()
	agg := ledger.NewAggregator(logger)
	proj := ledger.NewProjector(logger)
	cache := newMemCache()
	svc := service.NewParticipantService(store, agg, proj, cache, nil, logger)
	ctx := context.Background()
	key := domain.NewParticipantKey(7, addr)

	seedMarket(t, store, 7, domain.MarketStatusActive)
	_, _, err := agg.ApplyOne(ctx, store, buy(7, true, 100, "0x1", 10))
	require.NoError(t, err)

	// A purchase recorded while the key is frozen is kept as a raw event only.
	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		if err := tx.Freeze(ctx, key, "operator test"); err != nil {
			return err
		}
		raw, _ := domain.ToRawEvent(buy(7, false, 50, "0x2", 20))
		_, err := tx.InsertRawEvent(ctx, raw)
		return err
	}))

	frozen, err := svc.Frozen(ctx)
	require.NoError(t, err)
	require.Len(t, frozen, 1)
	require.NoError(t, cache.Set(ctx, domain.Market{ID: 7}))

	res, err := svc.Replay(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, "150", res.Participant.TotalInvestment.String())

	m, err := store.GetMarket(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "150", m.TotalPool.String())
	assert.Equal(t, "50", m.TotalNo.String())

	frozen, err = svc.Frozen(ctx)
	require.NoError(t, err)
	assert.Empty(t, frozen)

	_, err = cache.Get(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestParticipantService_GetAndList(t *testing.T) {
	store := newStore(t)
	logger := discardLogger()
	agg := ledger.NewAggregator(logger)
	svc := service.NewParticipantService(store, agg, ledger.NewProjector(logger), nil, nil, logger)
	ctx := context.Background()

	_, _, err := agg.ApplyOne(ctx, store, buy(7, true, 5, "0x1", 10))
	require.NoError(t, err)

	p, err := svc.Get(ctx, domain.NewParticipantKey(7, "0xABC0000000000000000000000000000000000001"))
	require.NoError(t, err)
	assert.Equal(t, "5", p.YesShares.String())

	list, err := svc.List(ctx, 7, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = svc.List(ctx, 8, domain.ListOpts{})
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	_, err = svc.Get(ctx, domain.NewParticipantKey(8, addr))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSyncService_Status(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	st, err := service.NewSyncService(store, nil).Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.HasCursor)
	assert.True(t, st.Healthy())

	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		return tx.SetCursor(ctx, 42)
	}))
	st, err = service.NewSyncService(store, fixedPoller{pipeline.PollerStatus{Healthy: false, Cursor: 42}}).Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), st.Cursor)
	assert.False(t, st.Healthy())
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// DefaultMarketTTL bounds staleness if an invalidation is lost.
const DefaultMarketTTL = 5 * time.Minute

// MarketCache implements domain.MarketCache with one JSON string per market
// under "<prefix>market:<id>". The poller invalidates entries after every
// commit that touches a market.
type MarketCache struct {
	client *Client
	ttl    time.Duration
}

// NewMarketCache creates a MarketCache. A non-positive ttl selects
// DefaultMarketTTL.
func NewMarketCache(c *Client, ttl time.Duration) *MarketCache {
	if ttl <= 0 {
		ttl = DefaultMarketTTL
	}
	return &MarketCache{client: c, ttl: ttl}
}

func (mc *MarketCache) key(id uint64) string {
	return mc.client.Key("market:" + strconv.FormatUint(id, 10))
}

// Set stores a market.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %d: %w", market.ID, err)
	}
	if err := mc.client.rdb.Set(ctx, mc.key(market.ID), data, mc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set market %d: %w", market.ID, err)
	}
	return nil
}

// Get returns a cached market or domain.ErrNotFound.
func (mc *MarketCache) Get(ctx context.Context, id uint64) (domain.Market, error) {
	data, err := mc.client.rdb.Get(ctx, mc.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %d: %w", id, err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %d: %w", id, err)
	}
	return market, nil
}

// Invalidate removes the given markets.
func (mc *MarketCache) Invalidate(ctx context.Context, ids ...uint64) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = mc.key(id)
	}
	if err := mc.client.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis: invalidate %d markets: %w", len(ids), err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)

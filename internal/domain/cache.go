package domain

import (
	"context"
	"time"
)

// MarketCache provides fast market lookups for the read API.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id uint64) (Market, error)
	Invalidate(ctx context.Context, ids ...uint64) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed leases.
type LockManager interface {
	// Acquire returns ErrLockHeld when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock that expires after its TTL unless extended.
type Lease interface {
	// Extend resets the TTL. It returns ErrLockLost when the lease already
	// expired or passed to another holder.
	Extend(ctx context.Context, ttl time.Duration) error
	// Release gives the lease up. It is safe to call more than once.
	Release()
}

// SignalBus provides pub/sub fan-out of committed ledger changes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Channel names published after a batch commits.
const (
	ChannelMarkets          = "markets"
	ChannelParticipantsBase = "participants:"
	ChannelSync             = "sync"
)

// ParticipantsChannel is the channel carrying updates for one market.
func ParticipantsChannel(marketID uint64) string {
	return ChannelParticipantsBase + formatUint(marketID)
}

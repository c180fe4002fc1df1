package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's token,
// so a holder whose lease expired cannot release the next holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua resets the TTL (ms) only while the caller still holds the lock.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager using Redis SET NX with a TTL and
// token-checked Lua scripts for extend and release. The poller lease and the
// reconcile lease both go through it.
type LockManager struct {
	client   *Client
	unlockSc *redis.Script
	extendSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		client:   c,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
	}
}

func (lm *LockManager) lockKey(key string) string {
	return lm.client.Key("lock:" + key)
}

// Acquire attempts to obtain the lease for key.
//
// It returns domain.ErrLockHeld if another holder owns the lease.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (domain.Lease, error) {
	token := uuid.NewString()
	lk := lm.lockKey(key)

	ok, err := lm.client.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}
	return &lease{lm: lm, name: key, key: lk, token: token}, nil
}

type lease struct {
	lm    *LockManager
	name  string
	key   string
	token string
	once  sync.Once
}

func (l *lease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := l.lm.extendSc.Run(ctx, l.lm.client.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis: extend lock %s: %w", l.name, err)
	}
	if n == 0 {
		return fmt.Errorf("redis: extend lock %s: %w", l.name, domain.ErrLockLost)
	}
	return nil
}

func (l *lease) Release() {
	l.once.Do(func() {
		// The caller's context may already be cancelled at shutdown.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.lm.unlockSc.Run(ctx, l.lm.client.rdb, []string{l.key}, l.token).Err()
	})
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)

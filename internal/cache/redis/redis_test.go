package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/celoledger/internal/cache/redis"
	"github.com/alanyoungcy/celoledger/internal/domain"
)

// newClient connects to CELOLEDGER_TEST_REDIS_ADDR under a unique prefix.
func newClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("CELOLEDGER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CELOLEDGER_TEST_REDIS_ADDR not set")
	}
	c, err := redis.New(context.Background(), redis.ClientConfig{
		Addr:      addr,
		KeyPrefix: "celoledger-test:" + uuid.NewString() + ":",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWrap_DefaultPrefix(t *testing.T) {
	c := redis.Wrap(nil, "")
	assert.Equal(t, "celoledger:lock:poller", c.Key("lock:poller"))
}

func TestLockManager_Lease(t *testing.T) {
	c := newClient(t)
	lm := redis.NewLockManager(c)
	ctx := context.Background()

	held, err := lm.Acquire(ctx, "poller:0xabc", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "poller:0xabc", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	require.NoError(t, held.Extend(ctx, time.Minute))
	held.Release()
	held.Release()

	again, err := lm.Acquire(ctx, "poller:0xabc", time.Minute)
	require.NoError(t, err)
	again.Release()
}

func TestLockManager_ExtendAfterExpiry(t *testing.T) {
	c := newClient(t)
	lm := redis.NewLockManager(c)
	ctx := context.Background()

	first, err := lm.Acquire(ctx, "poller:0xdef", 50*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := lm.Acquire(ctx, "poller:0xdef", time.Minute)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	require.ErrorIs(t, first.Extend(ctx, time.Minute), domain.ErrLockLost)
	first.Release()

	// The second holder still owns the key.
	_, err = lm.Acquire(ctx, "poller:0xdef", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestMarketCache_SetGetInvalidate(t *testing.T) {
	c := newClient(t)
	mc := redis.NewMarketCache(c, time.Minute)
	ctx := context.Background()

	_, err := mc.Get(ctx, 7)
	require.ErrorIs(t, err, domain.ErrNotFound)

	m := domain.Market{ID: 7, Question: "q", Status: domain.MarketStatusActive, TotalPool: domain.MustParseAmount("1000000000000000000000")}
	require.NoError(t, mc.Set(ctx, m))

	got, err := mc.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", got.TotalPool.String())

	require.NoError(t, mc.Invalidate(ctx, 7, 8))
	_, err = mc.Get(ctx, 7)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignalBus_PublishSubscribe(t *testing.T) {
	c := newClient(t)
	bus := redis.NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "participants:*")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, domain.ParticipantsChannel(7), []byte(`{"type":"participant"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"type":"participant"}`, string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRateLimiter_Window(t *testing.T) {
	c := newClient(t)
	rl := redis.NewRateLimiter(c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "127.0.0.1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "127.0.0.1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

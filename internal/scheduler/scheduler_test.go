package scheduler_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/ledger"
	"github.com/alanyoungcy/celoledger/internal/metrics"
	"github.com/alanyoungcy/celoledger/internal/scheduler"
	"github.com/alanyoungcy/celoledger/internal/store/sqlite"
)

const addr = "0xabc0000000000000000000000000000000000001"

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (domain.Lease, error) {
	return nil, domain.ErrLockHeld
}

// deadlineLocks grants every lease and records the deadline of the context
// it was acquired under.
type deadlineLocks struct {
	deadline    time.Time
	hasDeadline bool
	released    bool
}

func (l *deadlineLocks) Acquire(ctx context.Context, _ string, _ time.Duration) (domain.Lease, error) {
	l.deadline, l.hasDeadline = ctx.Deadline()
	return l, nil
}

func (l *deadlineLocks) Extend(context.Context, time.Duration) error { return nil }

func (l *deadlineLocks) Release() { l.released = true }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedDuplicates stores two disjoint rows for one key.
func seedDuplicates(t *testing.T, store *sqlite.Store) domain.ParticipantKey {
	t.Helper()
	ctx := context.Background()
	rows := []domain.Participant{
		{
			MarketID: 7, Address: addr,
			YesShares: domain.AmountFromInt64(100), NoShares: domain.AmountFromInt64(0),
			TotalInvestment: domain.AmountFromInt64(100),
			FirstPurchaseAt: 10, LastPurchaseAt: 10,
			ProcessedTxs: domain.NewTxSet(domain.TxRef{Hash: "0x1", LogIndex: 0}),
			CreatedAt:    time.Unix(100, 0),
		},
		{
			MarketID: 7, Address: addr,
			YesShares: domain.AmountFromInt64(0), NoShares: domain.AmountFromInt64(50),
			TotalInvestment: domain.AmountFromInt64(50),
			FirstPurchaseAt: 20, LastPurchaseAt: 20,
			ProcessedTxs: domain.NewTxSet(domain.TxRef{Hash: "0x2", LogIndex: 0}),
			CreatedAt:    time.Unix(200, 0),
		},
	}
	for _, p := range rows {
		require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
			_, err := tx.InsertParticipant(ctx, p)
			return err
		}))
	}
	return domain.NewParticipantKey(7, addr)
}

func newSweeper(t *testing.T, locks domain.LockManager) (*scheduler.Sweeper, *sqlite.Store, *metrics.Metrics) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := discardLogger()
	r := ledger.NewReconciler(store, ledger.NewProjector(logger), nil, 0, logger)
	m := metrics.New()
	return scheduler.NewSweeper(r, locks, time.Minute, m, logger), store, m
}

func TestSweeper_MergesDuplicates(t *testing.T) {
	sweeper, store, _ := newSweeper(t, nil)
	key := seedDuplicates(t, store)

	report, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Merged)
	assert.Equal(t, 1, report.RowsDeleted)

	p, err := store.GetParticipant(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "150", p.TotalInvestment.String())
	assert.Equal(t, int64(10), p.FirstPurchaseAt)
	assert.Equal(t, int64(20), p.LastPurchaseAt)
}

func TestSweeper_LeaseHeld(t *testing.T) {
	sweeper, store, _ := newSweeper(t, heldLocks{})
	seedDuplicates(t, store)

	_, err := sweeper.Sweep(context.Background())
	require.ErrorIs(t, err, domain.ErrLockHeld)

	keys, err := store.DuplicateKeys(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestSweeper_RunsUnderTimeout(t *testing.T) {
	locks := &deadlineLocks{}
	sweeper, store, _ := newSweeper(t, locks)
	sweeper.WithTimeout(time.Minute)
	seedDuplicates(t, store)

	start := time.Now()
	_, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	require.True(t, locks.hasDeadline)
	assert.WithinDuration(t, start.Add(time.Minute), locks.deadline, 5*time.Second)
	assert.True(t, locks.released)
}

func TestSweeper_NoTimeoutByDefault(t *testing.T) {
	locks := &deadlineLocks{}
	sweeper, _, _ := newSweeper(t, locks)

	_, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.False(t, locks.hasDeadline)
}

func TestScheduler_RunsImmediatelyAndStops(t *testing.T) {
	sweeper, store, _ := newSweeper(t, nil)
	seedDuplicates(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- scheduler.New(sweeper, time.Hour, discardLogger()).Run(ctx) }()

	require.Eventually(t, func() bool {
		keys, err := store.DuplicateKeys(context.Background(), 10)
		return err == nil && len(keys) == 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/celoledger/internal/decoder"
	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/ledger"
	"github.com/alanyoungcy/celoledger/internal/pipeline"
	"github.com/alanyoungcy/celoledger/internal/store/sqlite"
)

var (
	contract = common.HexToAddress("0x00000000000000000000000000000000000C0DE1")
	buyerA   = common.HexToAddress("0xAbC0000000000000000000000000000000000001")
)

const baseTime = 1_700_000_000

// fakeSource serves a fixed set of logs. It can reject wide ranges and fail
// a number of calls with a transient error.
type fakeSource struct {
	mu        sync.Mutex
	head      uint64
	logs      []types.Log
	maxRange  uint64
	failNext  int
	calls     int
	tsQueries int
}

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeSource) BlockTimestamp(_ context.Context, n uint64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tsQueries++
	return baseTime + int64(n), nil
}

func (f *fakeSource) GetLogs(_ context.Context, addr common.Address, topic0 common.Hash, from, to uint64) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext > 0 {
		f.failNext--
		return nil, domain.ErrTransientSource
	}
	if f.maxRange > 0 && to-from+1 > f.maxRange {
		return nil, domain.ErrRangeTooLarge
	}
	var out []types.Log
	for _, l := range f.logs {
		if l.Address == addr && l.Topics[0] == topic0 && l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

type fakeSink struct {
	mu  sync.Mutex
	got []domain.Malformed
}

func (s *fakeSink) Quarantine(_ context.Context, ev domain.Malformed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return nil
}

type fakeBus struct {
	mu       sync.Mutex
	channels []string
}

func (b *fakeBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (domain.Lease, error) {
	return nil, domain.ErrLockHeld
}

// countingLease grants the lease and loses it on extension number loseAt
// (1-based); zero never loses it.
type countingLease struct {
	mu       sync.Mutex
	loseAt   int
	extends  int
	released bool
}

func (l *countingLease) Acquire(context.Context, string, time.Duration) (domain.Lease, error) {
	return l, nil
}

func (l *countingLease) Extend(context.Context, time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	if l.loseAt > 0 && l.extends >= l.loseAt {
		return domain.ErrLockLost
	}
	return nil
}

func (l *countingLease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
}

// failingLedger makes every InTx fail after fn ran, so the writes roll back,
// until failures reaches zero.
type failingLedger struct {
	*sqlite.Store
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (l *failingLedger) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	l.mu.Lock()
	l.calls++
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()

	return l.Store.InTx(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if fail {
			return l.err
		}
		return nil
	})
}

// gatedLedger blocks its first InTx until release is closed.
type gatedLedger struct {
	*sqlite.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (l *gatedLedger) InTx(ctx context.Context, fn func(ctx context.Context, tx domain.LedgerTx) error) error {
	l.once.Do(func() {
		close(l.entered)
		<-l.release
	})
	return l.Store.InTx(ctx, fn)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pack(t *testing.T, typeNames []string, values ...any) []byte {
	t.Helper()
	args := make(abi.Arguments, len(typeNames))
	for i, name := range typeNames {
		typ, err := abi.NewType(name, "", nil)
		require.NoError(t, err)
		args[i] = abi.Argument{Type: typ}
	}
	data, err := args.Pack(values...)
	require.NoError(t, err)
	return data
}

func topicOf(t *testing.T, kind domain.EventKind) common.Hash {
	t.Helper()
	h, ok := decoder.MustNew().Topic(kind)
	require.True(t, ok)
	return h
}

func createdLog(t *testing.T, block uint64, marketID int64) types.Log {
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			topicOf(t, domain.KindMarketCreated),
			common.BigToHash(big.NewInt(marketID)),
			common.BytesToHash(buyerA.Bytes()),
		},
		Data: pack(t, []string{"string", "string", "string", "string", "string", "uint256"},
			"Will it rain?", "", "weather", "", "", big.NewInt(baseTime+86400)),
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		Index:       0,
	}
}

func boughtLog(t *testing.T, block uint64, idx uint, marketID int64, yes bool, amount int64) types.Log {
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			topicOf(t, domain.KindSharesBought),
			common.BigToHash(big.NewInt(marketID)),
			common.BytesToHash(buyerA.Bytes()),
		},
		Data:        pack(t, []string{"bool", "uint256"}, yes, big.NewInt(amount)),
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block))),
		Index:       idx,
	}
}

type harness struct {
	source *fakeSource
	store  *sqlite.Store
	poller *pipeline.Poller
}

func newHarness(t *testing.T, source *fakeSource, cfg pipeline.PollerConfig, deps pipeline.PollerDeps) *harness {
	t.Helper()
	return newHarnessWith(t, source, cfg, deps, nil)
}

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newHarnessWith builds the poller over wrap(store) when wrap is non-nil.
func newHarnessWith(t *testing.T, source *fakeSource, cfg pipeline.PollerConfig, deps pipeline.PollerDeps, wrap func(*sqlite.Store) domain.Ledger) *harness {
	t.Helper()
	store := openStore(t)
	var l domain.Ledger = store
	if wrap != nil {
		l = wrap(store)
	}

	cfg.Contract = contract
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = pipeline.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, Attempts: 3}
	}
	logger := discardLogger()
	p := pipeline.NewPoller(cfg, source, decoder.MustNew(), l,
		ledger.NewAggregator(logger), ledger.NewProjector(logger), deps, logger)
	return &harness{source: source, store: store, poller: p}
}

func (h *harness) participant(t *testing.T, marketID uint64) domain.Participant {
	t.Helper()
	p, err := h.store.GetParticipant(context.Background(), domain.NewParticipantKey(marketID, buyerA.Hex()))
	require.NoError(t, err)
	return p
}

func TestPoller_ExampleScenario(t *testing.T) {
	source := &fakeSource{head: 20}
	source.logs = []types.Log{
		createdLog(t, 10, 7),
		boughtLog(t, 11, 0, 7, true, 100),
		boughtLog(t, 12, 0, 7, false, 50),
	}
	bus := &fakeBus{}
	h := newHarness(t, source, pipeline.PollerConfig{StartBlock: 1}, pipeline.PollerDeps{Bus: bus})
	ctx := context.Background()

	res, err := h.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.From)
	assert.Equal(t, uint64(20), res.To)
	assert.Equal(t, 3, res.Events)
	assert.Equal(t, 3, res.Applied)

	p := h.participant(t, 7)
	assert.Equal(t, "100", p.YesShares.String())
	assert.Equal(t, "50", p.NoShares.String())
	assert.Equal(t, "150", p.TotalInvestment.String())
	assert.Equal(t, int64(baseTime+11), p.FirstPurchaseAt)
	assert.Equal(t, int64(baseTime+12), p.LastPurchaseAt)
	assert.Len(t, p.ProcessedTxs, 2)

	m, err := h.store.GetMarket(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusActive, m.Status)
	assert.Equal(t, "150", m.TotalPool.String())
	assert.Equal(t, "Will it rain?", m.Question)

	cursor, ok, err := h.store.Cursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(20), cursor)

	assert.Contains(t, bus.channels, domain.ParticipantsChannel(7))
	assert.Contains(t, bus.channels, domain.ChannelMarkets)
	assert.Contains(t, bus.channels, domain.ChannelSync)

	// Nothing new: the next poll is a no-op.
	res, err = h.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Batches)
}

func TestPoller_RedeliveredLogsAreIdempotent(t *testing.T) {
	first := boughtLog(t, 11, 0, 7, true, 100)
	second := boughtLog(t, 12, 0, 7, false, 50)
	source := &fakeSource{head: 12}
	source.logs = []types.Log{first, second}
	h := newHarness(t, source, pipeline.PollerConfig{StartBlock: 10}, pipeline.PollerDeps{})
	ctx := context.Background()

	_, err := h.poller.Poll(ctx)
	require.NoError(t, err)

	// The provider delivers both logs again in later blocks.
	again1, again2 := first, second
	again1.BlockNumber, again2.BlockNumber = 13, 14
	source.mu.Lock()
	source.head = 14
	source.logs = append(source.logs, again1, again2)
	source.mu.Unlock()

	res, err := h.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Duplicates)
	assert.Zero(t, res.Applied)

	p := h.participant(t, 7)
	assert.Equal(t, "150", p.TotalInvestment.String())
}

func TestPoller_BatchesAndConfirmations(t *testing.T) {
	source := &fakeSource{head: 30}
	source.logs = []types.Log{
		boughtLog(t, 3, 0, 1, true, 10),
		boughtLog(t, 9, 0, 1, true, 10),
		boughtLog(t, 27, 0, 1, true, 10), // not yet confirmed
	}
	h := newHarness(t, source, pipeline.PollerConfig{
		StartBlock:    1,
		Confirmations: 5,
		MaxBlockRange: 4,
	}, pipeline.PollerDeps{})

	res, err := h.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(25), res.Head)
	assert.Equal(t, uint64(25), res.To)
	assert.Equal(t, 7, res.Batches)

	p := h.participant(t, 1)
	assert.Equal(t, "20", p.YesShares.String())

	status := h.poller.Status()
	assert.Equal(t, uint64(25), status.Cursor)
	assert.True(t, status.Healthy)
}

func TestPoller_BisectsRangeTooLarge(t *testing.T) {
	source := &fakeSource{head: 16, maxRange: 3}
	source.logs = []types.Log{
		boughtLog(t, 1, 0, 2, true, 5),
		boughtLog(t, 8, 0, 2, false, 7),
		boughtLog(t, 16, 0, 2, true, 11),
	}
	h := newHarness(t, source, pipeline.PollerConfig{StartBlock: 1, MaxBlockRange: 100}, pipeline.PollerDeps{})

	res, err := h.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)

	p := h.participant(t, 2)
	assert.Equal(t, "16", p.YesShares.String())
	assert.Equal(t, "7", p.NoShares.String())
	assert.Equal(t, "23", p.TotalInvestment.String())
}

func TestPoller_RetriesTransientErrors(t *testing.T) {
	source := &fakeSource{head: 5, failNext: 2}
	source.logs = []types.Log{boughtLog(t, 4, 0, 3, true, 1)}
	h := newHarness(t, source, pipeline.PollerConfig{StartBlock: 1}, pipeline.PollerDeps{})

	res, err := h.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
}

func TestPoller_FailedBatchKeepsCursor(t *testing.T) {
	source := &fakeSource{head: 5, failNext: 100}
	source.logs = []types.Log{boughtLog(t, 4, 0, 3, true, 1)}
	h := newHarness(t, source, pipeline.PollerConfig{StartBlock: 1, UnhealthyAfter: 2}, pipeline.PollerDeps{})
	ctx := context.Background()

	_, err := h.poller.Poll(ctx)
	require.ErrorIs(t, err, domain.ErrTransientSource)
	assert.True(t, h.poller.Healthy())

	_, err = h.poller.Poll(ctx)
	require.Error(t, err)
	assert.False(t, h.poller.Healthy())
	assert.NotEmpty(t, h.poller.Status().LastError)

	_, ok, err := h.store.Cursor(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// The provider recovers and the same range is processed.
	source.mu.Lock()
	source.failNext = 0
	source.mu.Unlock()

	res, err := h.poller.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.True(t, h.poller.Healthy())
}

func TestPoller_QuarantinesMalformedLogs(t *testing.T) {
	bad := boughtLog(t, 3, 1, 4, true, 9)
	bad.Data = bad.Data[:10]

	source := &fakeSource{head: 5}
	source.logs = []types.Log{boughtLog(t, 2, 0, 4, true, 9), bad}
	sink := &fakeSink{}
	h := newHarness(t, source, pipeline.PollerConfig{StartBlock: 1}, pipeline.PollerDeps{Quarantine: sink})

	res, err := h.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Malformed)
	assert.Equal(t, 1, res.Applied)

	require.Len(t, sink.got, 1)
	assert.Equal(t, domain.KindSharesBought, sink.got[0].Expected)
	assert.Equal(t, uint64(3), sink.got[0].BlockNumber)

	p := h.participant(t, 4)
	assert.Equal(t, "9", p.TotalInvestment.String())
}

func TestPoller_SkipsWhenLeaseHeld(t *testing.T) {
	source := &fakeSource{head: 5}
	h := newHarness(t, source, pipeline.PollerConfig{StartBlock: 1}, pipeline.PollerDeps{Locks: heldLocks{}})

	res, err := h.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, source.calls)
}

func TestPoller_ExtendsLeaseAcrossBatches(t *testing.T) {
	source := &fakeSource{head: 12}
	source.logs = []types.Log{boughtLog(t, 2, 0, 8, true, 1)}
	lease := &countingLease{}
	h := newHarness(t, source, pipeline.PollerConfig{StartBlock: 1, MaxBlockRange: 4}, pipeline.PollerDeps{Locks: lease})

	res, err := h.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batches)

	// Once before each commit and once before each batch after the first.
	assert.Equal(t, 5, lease.extends)
	assert.True(t, lease.released)
}

func TestPoller_LostLeaseStopsPoll(t *testing.T) {
	source := &fakeSource{head: 12}
	source.logs = []types.Log{
		boughtLog(t, 2, 0, 8, true, 1),
		boughtLog(t, 6, 0, 8, true, 1),
	}
	lease := &countingLease{loseAt: 2}
	h := newHarness(t, source, pipeline.PollerConfig{StartBlock: 1, MaxBlockRange: 4}, pipeline.PollerDeps{Locks: lease})
	ctx := context.Background()

	res, err := h.poller.Poll(ctx)
	require.ErrorIs(t, err, domain.ErrLockLost)
	assert.Equal(t, 1, res.Batches)
	assert.True(t, lease.released)

	cursor, ok, err := h.store.Cursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(4), cursor)
	assert.Equal(t, "1", h.participant(t, 8).TotalInvestment.String())
}

func TestPoller_RetriesPersistenceConflicts(t *testing.T) {
	source := &fakeSource{head: 5}
	source.logs = []types.Log{boughtLog(t, 3, 0, 9, true, 4)}
	var fl *failingLedger
	h := newHarnessWith(t, source, pipeline.PollerConfig{StartBlock: 1}, pipeline.PollerDeps{},
		func(s *sqlite.Store) domain.Ledger {
			fl = &failingLedger{Store: s, failures: 2, err: domain.ErrPersistenceConflict}
			return fl
		})

	res, err := h.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 3, fl.calls)

	// The rolled back attempts left nothing behind.
	assert.Equal(t, "4", h.participant(t, 9).TotalInvestment.String())
}

func TestPoller_FailedCommitKeepsCursor(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		calls int
	}{
		{"conflicts past the retry budget", domain.ErrPersistenceConflict, 3},
		{"permanent error", errors.New("disk full"), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			source := &fakeSource{head: 5}
			source.logs = []types.Log{boughtLog(t, 3, 0, 9, true, 4)}
			var fl *failingLedger
			h := newHarnessWith(t, source, pipeline.PollerConfig{StartBlock: 1}, pipeline.PollerDeps{},
				func(s *sqlite.Store) domain.Ledger {
					fl = &failingLedger{Store: s, failures: 100, err: tc.err}
					return fl
				})
			ctx := context.Background()

			_, err := h.poller.Poll(ctx)
			require.ErrorIs(t, err, tc.err)
			assert.Equal(t, tc.calls, fl.calls)

			_, ok, err := h.store.Cursor(ctx)
			require.NoError(t, err)
			assert.False(t, ok)
			_, err = h.store.GetParticipant(ctx, domain.NewParticipantKey(9, buyerA.Hex()))
			require.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestPoller_StopLetsInFlightBatchCommit(t *testing.T) {
	source := &fakeSource{head: 6}
	source.logs = []types.Log{
		boughtLog(t, 1, 0, 10, true, 3),
		boughtLog(t, 4, 0, 10, true, 5),
	}
	gate := &gatedLedger{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWith(t, source, pipeline.PollerConfig{StartBlock: 1, MaxBlockRange: 2, Interval: time.Hour}, pipeline.PollerDeps{},
		func(s *sqlite.Store) domain.Ledger {
			gate.Store = s
			return gate
		})
	ctx := context.Background()

	require.NoError(t, h.poller.Start(ctx))
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first batch never reached the ledger")
	}

	stopped := make(chan struct{})
	go func() {
		h.poller.Stop()
		close(stopped)
	}()

	// Stop waits for the blocked commit.
	select {
	case <-stopped:
		t.Fatal("Stop returned while a batch was committing")
	case <-time.After(100 * time.Millisecond):
	}

	close(gate.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.False(t, h.poller.IsRunning())

	// The first batch committed; nothing after it was processed.
	cursor, ok, err := h.store.Cursor(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), cursor)
	assert.Equal(t, "3", h.participant(t, 10).TotalInvestment.String())
}

func TestPoller_MemoizesBlockTimestamps(t *testing.T) {
	source := &fakeSource{head: 5}
	source.logs = []types.Log{
		boughtLog(t, 3, 0, 5, true, 1),
		boughtLog(t, 3, 1, 5, true, 1),
		boughtLog(t, 3, 2, 5, false, 1),
	}
	h := newHarness(t, source, pipeline.PollerConfig{StartBlock: 1}, pipeline.PollerDeps{})

	_, err := h.poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, source.tsQueries)
}

func TestPoller_StartStop(t *testing.T) {
	source := &fakeSource{head: 5}
	source.logs = []types.Log{boughtLog(t, 2, 0, 6, true, 1)}
	h := newHarness(t, source, pipeline.PollerConfig{StartBlock: 1, Interval: time.Hour}, pipeline.PollerDeps{})

	require.NoError(t, h.poller.Start(context.Background()))
	assert.True(t, h.poller.IsRunning())
	require.Error(t, h.poller.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, ok, err := h.store.Cursor(context.Background())
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond)

	h.poller.Stop()
	assert.False(t, h.poller.IsRunning())
	h.poller.Stop()
}

func TestBackoff_Delay(t *testing.T) {
	b := pipeline.Backoff{Base: 500 * time.Millisecond, Max: 8 * time.Second}
	assert.Equal(t, 500*time.Millisecond, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 8*time.Second, b.Delay(10))
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// LogSource is the chain access the poller needs.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, n uint64) (int64, error)
	GetLogs(ctx context.Context, contract common.Address, topic0 common.Hash, from, to uint64) ([]types.Log, error)
}

// Backoff bounds retries of transient source errors.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// fetcher wraps a LogSource with retry, bisection and timestamp memoization.
type fetcher struct {
	source   LogSource
	contract common.Address
	backoff  Backoff
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger

	mu         sync.Mutex
	timestamps map[uint64]int64
}

const maxMemoizedTimestamps = 8192

func newFetcher(source LogSource, contract common.Address, backoff Backoff, logger *slog.Logger) *fetcher {
	if backoff.Attempts <= 0 {
		backoff.Attempts = 1
	}
	return &fetcher{
		source:     source,
		contract:   contract,
		backoff:    backoff,
		sleep:      sleepCtx,
		logger:     logger,
		timestamps: make(map[uint64]int64),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retry runs fn until it succeeds, fails permanently, or the attempt budget
// is spent. When stopOnTimeout is set a timeout is returned at once so the
// caller can split the range instead.
func (f *fetcher) retry(ctx context.Context, op string, stopOnTimeout bool, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, domain.ErrTransientSource) {
			return err
		}
		if stopOnTimeout && errors.Is(err, domain.ErrSourceTimeout) {
			return err
		}
		if attempt+1 >= f.backoff.Attempts {
			return fmt.Errorf("pipeline: %s: retry budget of %d spent: %w", op, f.backoff.Attempts, err)
		}
		delay := f.backoff.Delay(attempt)
		f.logger.Warn("transient source error, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// blockNumber returns the latest block with retries.
func (f *fetcher) blockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := f.retry(ctx, "block number", false, func(ctx context.Context) error {
		var err error
		n, err = f.source.BlockNumber(ctx)
		return err
	})
	return n, err
}

// logs returns every log with topic0 in [from, to]. A range the provider
// rejects as too large, or that times out, is split in half and both halves
// are fetched; ranges are never widened.
func (f *fetcher) logs(ctx context.Context, topic0 common.Hash, from, to uint64) ([]types.Log, error) {
	var out []types.Log
	err := f.retry(ctx, "get logs", to > from, func(ctx context.Context) error {
		var err error
		out, err = f.source.GetLogs(ctx, f.contract, topic0, from, to)
		return err
	})
	if err == nil {
		return out, nil
	}

	splittable := errors.Is(err, domain.ErrRangeTooLarge) || errors.Is(err, domain.ErrSourceTimeout)
	if !splittable || to <= from {
		return nil, err
	}

	mid := from + (to-from)/2
	f.logger.Info("bisecting block range",
		slog.Uint64("from", from),
		slog.Uint64("to", to),
		slog.Uint64("mid", mid),
	)
	left, err := f.logs(ctx, topic0, from, mid)
	if err != nil {
		return nil, err
	}
	right, err := f.logs(ctx, topic0, mid+1, to)
	if err != nil {
		return nil, err
	}
	return append(left, right...), nil
}

// blockTimestamp returns the timestamp of block n, memoized.
func (f *fetcher) blockTimestamp(ctx context.Context, n uint64) (int64, error) {
	f.mu.Lock()
	ts, ok := f.timestamps[n]
	f.mu.Unlock()
	if ok {
		return ts, nil
	}

	err := f.retry(ctx, "block timestamp", false, func(ctx context.Context) error {
		var err error
		ts, err = f.source.BlockTimestamp(ctx, n)
		return err
	})
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	if len(f.timestamps) >= maxMemoizedTimestamps {
		f.timestamps = make(map[uint64]int64)
	}
	f.timestamps[n] = ts
	f.mu.Unlock()
	return ts, nil
}

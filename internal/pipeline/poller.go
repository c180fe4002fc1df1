package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/celoledger/internal/decoder"
	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/ledger"
	"github.com/alanyoungcy/celoledger/internal/metrics"
)

// PollerConfig controls batching, retries and health of the poller.
type PollerConfig struct {
	Contract       common.Address
	StartBlock     uint64
	Confirmations  uint64
	MaxBlockRange  uint64
	Interval       time.Duration
	Backoff        Backoff
	DecodeWorkers  int
	UnhealthyAfter int
	CommitTimeout  time.Duration
	TxRetries      int
	LeaseTTL       time.Duration
}

func (c *PollerConfig) applyDefaults() {
	if c.MaxBlockRange == 0 {
		c.MaxBlockRange = 2000
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = 500 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 8 * time.Second
	}
	if c.Backoff.Attempts <= 0 {
		c.Backoff.Attempts = 5
	}
	if c.DecodeWorkers <= 0 {
		c.DecodeWorkers = 4
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = 5
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = 30 * time.Second
	}
	if c.TxRetries <= 0 {
		c.TxRetries = 3
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = max(2*c.Interval, 2*c.CommitTimeout)
	}
}

// PollerDeps are the optional collaborators of the poller. Nil fields are
// skipped.
type PollerDeps struct {
	Quarantine domain.QuarantineSink
	Cache      domain.MarketCache
	Bus        domain.SignalBus
	Locks      domain.LockManager
	Alerter    ledger.Alerter
	Metrics    *metrics.Metrics
}

// PollResult summarizes one poll cycle.
type PollResult struct {
	Skipped      bool   `json:"skipped"`
	From         uint64 `json:"from"`
	To           uint64 `json:"to"`
	Head         uint64 `json:"head"`
	Batches      int    `json:"batches"`
	Events       int    `json:"events"`
	Applied      int    `json:"applied"`
	Duplicates   int    `json:"duplicates"`
	Malformed    int    `json:"malformed"`
	Violations   int    `json:"violations"`
	Unrecognized int    `json:"unrecognized"`
}

// PollerStatus is the health snapshot served by the read API.
type PollerStatus struct {
	Running             bool      `json:"running"`
	Healthy             bool      `json:"healthy"`
	Cursor              uint64    `json:"cursor"`
	Head                uint64    `json:"head"`
	Lag                 uint64    `json:"lag"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastPollAt          time.Time `json:"last_poll_at,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Poller turns confirmed contract logs into ledger writes. It is a supervised
// worker: Start launches the loop, Stop cancels it and waits for an in-flight
// batch to commit.
type Poller struct {
	cfg        PollerConfig
	fetch      *fetcher
	decoder    *decoder.Decoder
	ledger     domain.Ledger
	aggregator *ledger.Aggregator
	projector  *ledger.Projector
	deps       PollerDeps
	logger     *slog.Logger

	pollMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr string

	failures atomic.Int64
	cursor   atomic.Uint64
	head     atomic.Uint64
	lastPoll atomic.Int64
}

// NewPoller creates a Poller.
func NewPoller(
	cfg PollerConfig,
	source LogSource,
	dec *decoder.Decoder,
	l domain.Ledger,
	aggregator *ledger.Aggregator,
	projector *ledger.Projector,
	deps PollerDeps,
	logger *slog.Logger,
) *Poller {
	cfg.applyDefaults()
	logger = logger.With(slog.String("component", "poller"))
	return &Poller{
		cfg:        cfg,
		fetch:      newFetcher(source, cfg.Contract, cfg.Backoff, logger),
		decoder:    dec,
		ledger:     l,
		aggregator: aggregator,
		projector:  projector,
		deps:       deps,
		logger:     logger,
	}
}

// Start launches the poll loop. It returns an error if the poller is already
// running.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("pipeline: poller already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(loopCtx, p.done)
	p.logger.Info("poller started",
		slog.String("contract", p.cfg.Contract.Hex()),
		slog.Duration("interval", p.cfg.Interval),
	)
	return nil
}

// Stop cancels the loop and waits for it to exit. A batch that is already
// committing finishes first.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("poller stopped")
}

// IsRunning reports whether the loop is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Healthy is false once consecutive failures reach the configured threshold.
func (p *Poller) Healthy() bool {
	return p.failures.Load() < int64(p.cfg.UnhealthyAfter)
}

// Status returns a health snapshot.
func (p *Poller) Status() PollerStatus {
	p.mu.Lock()
	running, lastErr := p.running, p.lastErr
	p.mu.Unlock()

	s := PollerStatus{
		Running:             running,
		Healthy:             p.Healthy(),
		Cursor:              p.cursor.Load(),
		Head:                p.head.Load(),
		ConsecutiveFailures: p.failures.Load(),
		LastError:           lastErr,
	}
	if s.Head > s.Cursor {
		s.Lag = s.Head - s.Cursor
	}
	if ts := p.lastPoll.Load(); ts > 0 {
		s.LastPollAt = time.Unix(0, ts).UTC()
	}
	return s
}

// Run starts the poller and blocks until ctx is cancelled, then stops it.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	p.Stop()
	return ctx.Err()
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(done)
	}()

	p.tick(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	res, err := p.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("poll failed",
			slog.Int64("consecutive_failures", p.failures.Load()),
			slog.String("error", err.Error()),
		)
		return
	}
	if res.Batches > 0 {
		p.logger.Info("poll complete",
			slog.Uint64("from", res.From),
			slog.Uint64("to", res.To),
			slog.Int("events", res.Events),
			slog.Int("applied", res.Applied),
			slog.Int("malformed", res.Malformed),
		)
	}
}

// Poll runs one cycle: it processes every confirmed block after the cursor in
// batches of at most MaxBlockRange blocks. Only one Poll runs at a time.
func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	res, err := p.poll(ctx)
	p.lastPoll.Store(time.Now().UnixNano())

	p.mu.Lock()
	if err != nil && ctx.Err() == nil {
		p.lastErr = err.Error()
	} else if err == nil {
		p.lastErr = ""
	}
	p.mu.Unlock()

	switch {
	case err == nil:
		p.failures.Store(0)
	case ctx.Err() == nil:
		n := p.failures.Add(1)
		p.deps.Metrics.RecordPollFailure()
		if n == int64(p.cfg.UnhealthyAfter) {
			p.alertUnhealthy(ctx, n, err)
		}
	}
	p.deps.Metrics.SetUnhealthy(!p.Healthy())
	return res, err
}

// alertUnhealthy fires once per outage, on the failure that crosses the
// threshold.
func (p *Poller) alertUnhealthy(ctx context.Context, failures int64, cause error) {
	p.logger.Error("poller unhealthy",
		slog.Int64("consecutive_failures", failures),
		slog.String("error", cause.Error()),
	)
	if p.deps.Alerter == nil {
		return
	}
	msg := fmt.Sprintf("%d consecutive poll failures, cursor %d. Last error: %s", failures, p.cursor.Load(), cause)
	if err := p.deps.Alerter.Notify(ctx, "poller_unhealthy", "Poller unhealthy", msg); err != nil {
		p.logger.Warn("alert failed", slog.String("error", err.Error()))
	}
}

func (p *Poller) poll(ctx context.Context) (PollResult, error) {
	var res PollResult

	var lease domain.Lease
	if p.deps.Locks != nil {
		var err error
		lease, err = p.deps.Locks.Acquire(ctx, "poller:"+p.cfg.Contract.Hex(), p.cfg.LeaseTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			res.Skipped = true
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("pipeline: acquire poller lease: %w", err)
		}
		defer lease.Release()
	}

	next, err := p.nextBlock(ctx)
	if err != nil {
		return res, err
	}
	latest, err := p.fetch.blockNumber(ctx)
	if err != nil {
		return res, fmt.Errorf("pipeline: latest block: %w", err)
	}
	if latest < p.cfg.Confirmations {
		return res, nil
	}
	head := latest - p.cfg.Confirmations
	res.Head = head
	p.head.Store(head)
	if next > head {
		p.deps.Metrics.SetProgress(next-1, head)
		return res, nil
	}

	res.From = next
	for from := next; from <= head; {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		// Each batch starts with a full TTL. A lost lease means another
		// replica may be polling, so this one stops.
		if lease != nil && from != next {
			if err := lease.Extend(ctx, p.cfg.LeaseTTL); err != nil {
				return res, fmt.Errorf("pipeline: extend poller lease: %w", err)
			}
		}
		to := head
		if to-from+1 > p.cfg.MaxBlockRange {
			to = from + p.cfg.MaxBlockRange - 1
		}

		start := time.Now()
		br, err := p.processBatch(ctx, from, to, lease)
		p.deps.Metrics.RecordBatch(err == nil, time.Since(start))
		if err != nil {
			return res, fmt.Errorf("pipeline: batch %d-%d: %w", from, to, err)
		}

		res.To = to
		res.Batches++
		res.Events += br.Events
		res.Applied += br.Applied
		res.Duplicates += br.Duplicates
		res.Malformed += br.Malformed
		res.Violations += br.Violations
		res.Unrecognized += br.Unrecognized

		p.cursor.Store(to)
		p.deps.Metrics.SetProgress(to, head)
		from = to + 1
	}
	return res, nil
}

// nextBlock returns the first block not yet processed.
func (p *Poller) nextBlock(ctx context.Context) (uint64, error) {
	cursor, ok, err := p.ledger.Cursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("pipeline: read cursor: %w", err)
	}
	if !ok {
		return p.cfg.StartBlock, nil
	}
	p.cursor.Store(cursor)
	return cursor + 1, nil
}

// batchResult is what one committed batch did.
type batchResult struct {
	Events       int
	Applied      int
	Duplicates   int
	Malformed    int
	Violations   int
	Unrecognized int

	participants []domain.Participant
	markets      []domain.Market
	violations   []violation
}

type violation struct {
	key domain.ParticipantKey
	err error
}

// processBatch fetches, decodes and commits [from, to]. A non-nil lease is
// extended right before the commit; if it was lost nothing is written.
func (p *Poller) processBatch(ctx context.Context, from, to uint64, lease domain.Lease) (batchResult, error) {
	var logs []types.Log
	for _, topic := range p.decoder.Topics() {
		l, err := p.fetch.logs(ctx, topic, from, to)
		if err != nil {
			return batchResult{}, err
		}
		logs = append(logs, l...)
	}

	events, err := p.decode(ctx, logs)
	if err != nil {
		return batchResult{}, err
	}

	var malformed int
	for i, ev := range events {
		switch e := ev.(type) {
		case domain.Unrecognized:
			continue
		case domain.Malformed:
			malformed++
			if err := p.quarantine(ctx, e); err != nil {
				return batchResult{}, err
			}
			continue
		}
		ts, err := p.fetch.blockTimestamp(ctx, ev.Meta().BlockNumber)
		if err != nil {
			return batchResult{}, fmt.Errorf("block %d timestamp: %w", ev.Meta().BlockNumber, err)
		}
		events[i] = domain.WithBlockTimestamp(ev, ts)
	}

	if lease != nil {
		if err := lease.Extend(ctx, p.cfg.LeaseTTL); err != nil {
			return batchResult{}, fmt.Errorf("extend poller lease: %w", err)
		}
	}

	// Once fetched, the batch commits even if the poller is being stopped.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.CommitTimeout)
	defer cancel()

	br, err := p.commitWithRetry(commitCtx, to, events)
	if err != nil {
		return batchResult{}, err
	}
	br.Malformed = malformed
	p.afterCommit(commitCtx, to, br)
	return br, nil
}

// decode classifies logs in parallel and orders them by (block, log index).
func (p *Poller) decode(ctx context.Context, logs []types.Log) ([]domain.Event, error) {
	events := make([]domain.Event, len(logs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.DecodeWorkers)
	for i := range logs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			events[i] = p.decoder.Decode(logs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i].Meta(), events[j].Meta()
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
	for _, ev := range events {
		p.deps.Metrics.RecordEvent(string(ev.Kind()))
	}
	return events, nil
}

func (p *Poller) quarantine(ctx context.Context, m domain.Malformed) error {
	p.deps.Metrics.RecordMalformed()
	p.logger.Warn("malformed log",
		slog.String("expected", string(m.Expected)),
		slog.String("tx", m.Ref().String()),
		slog.Uint64("block", m.BlockNumber),
		slog.String("reason", m.Reason),
	)
	if p.deps.Quarantine == nil {
		return nil
	}
	if err := p.deps.Quarantine.Quarantine(ctx, m); err != nil {
		return fmt.Errorf("quarantine %s: %w", m.Ref(), err)
	}
	return nil
}

func (p *Poller) commitWithRetry(ctx context.Context, to uint64, events []domain.Event) (batchResult, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.TxRetries; attempt++ {
		br, err := p.commit(ctx, to, events)
		if err == nil {
			return br, nil
		}
		if !errors.Is(err, domain.ErrPersistenceConflict) {
			return batchResult{}, err
		}
		lastErr = err
		p.deps.Metrics.RecordTxRetry()
		p.logger.Warn("persistence conflict, retrying batch",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		if err := sleepCtx(ctx, p.cfg.Backoff.Delay(attempt)); err != nil {
			return batchResult{}, err
		}
	}
	return batchResult{}, fmt.Errorf("commit after %d attempts: %w", p.cfg.TxRetries, lastErr)
}

// commit applies every event of the batch and advances the cursor in one
// transaction.
func (p *Poller) commit(ctx context.Context, to uint64, events []domain.Event) (batchResult, error) {
	var br batchResult
	err := p.ledger.InTx(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		br = batchResult{}

		var keys []domain.ParticipantKey
		for _, ev := range events {
			if sb, ok := ev.(domain.SharesBought); ok {
				keys = append(keys, sb.Key())
			}
		}
		for _, key := range domain.SortKeys(keys) {
			if err := tx.LockParticipantKey(ctx, key); err != nil {
				return err
			}
		}

		touched := make(map[uint64]struct{})
		for _, ev := range events {
			if raw, ok := domain.ToRawEvent(ev); ok {
				if _, err := tx.InsertRawEvent(ctx, raw); err != nil {
					return err
				}
				br.Events++
			}

			switch e := ev.(type) {
			case domain.SharesBought:
				part, res, err := p.aggregator.Apply(ctx, tx, e)
				if errors.Is(err, domain.ErrInvariantViolation) {
					br.Violations++
					br.violations = append(br.violations, violation{key: e.Key(), err: err})
					continue
				}
				if err != nil {
					return err
				}
				switch res {
				case ledger.ResultApplied:
					br.Applied++
					br.participants = append(br.participants, part)
					touched[e.MarketID] = struct{}{}
				case ledger.ResultDuplicate:
					br.Duplicates++
				}
			case domain.MarketCreated, domain.MarketResolved, domain.MarketCancelled:
				if _, err := p.projector.Apply(ctx, tx, e); err != nil {
					return err
				}
				br.Applied++
				touched[marketOf(e)] = struct{}{}
			case domain.WinningsClaimed:
				if err := tx.InsertClaim(ctx, domain.Claim{
					MarketID:       e.MarketID,
					Address:        e.User,
					Amount:         e.Amount,
					TxHash:         e.TxHash,
					LogIndex:       e.LogIndex,
					BlockNumber:    e.BlockNumber,
					BlockTimestamp: e.BlockTimestamp,
				}); err != nil {
					return err
				}
				br.Applied++
			case domain.Unrecognized:
				br.Unrecognized++
			case domain.Malformed:
				// quarantined before the transaction
			default:
				return fmt.Errorf("pipeline: unhandled event %T", ev)
			}
		}

		ids := make([]uint64, 0, len(touched))
		for id := range touched {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			m, err := p.projector.RefreshTotals(ctx, tx, id)
			if err != nil {
				return err
			}
			br.markets = append(br.markets, m)
		}

		return tx.SetCursor(ctx, to)
	})
	return br, err
}

func marketOf(ev domain.Event) uint64 {
	switch e := ev.(type) {
	case domain.MarketCreated:
		return e.MarketID
	case domain.MarketResolved:
		return e.MarketID
	case domain.MarketCancelled:
		return e.MarketID
	case domain.SharesBought:
		return e.MarketID
	case domain.WinningsClaimed:
		return e.MarketID
	}
	return 0
}

// afterCommit fans out committed changes. Failures here are logged only: the
// ledger is already consistent.
func (p *Poller) afterCommit(ctx context.Context, to uint64, br batchResult) {
	for _, v := range br.violations {
		p.deps.Metrics.RecordFrozen()
		p.logger.Error("participant key frozen",
			slog.String("key", v.key.String()),
			slog.String("error", v.err.Error()),
		)
		if p.deps.Alerter != nil {
			msg := fmt.Sprintf("%s: %s", v.key, v.err)
			if err := p.deps.Alerter.Notify(ctx, "invariant_violation", "Participant key frozen", msg); err != nil {
				p.logger.Warn("alert failed", slog.String("error", err.Error()))
			}
		}
	}

	if p.deps.Cache != nil && len(br.markets) > 0 {
		ids := make([]uint64, len(br.markets))
		for i, m := range br.markets {
			ids[i] = m.ID
		}
		if err := p.deps.Cache.Invalidate(ctx, ids...); err != nil {
			p.logger.Warn("market cache invalidation failed", slog.String("error", err.Error()))
		}
	}

	if p.deps.Bus == nil {
		return
	}
	for _, part := range br.participants {
		p.publish(ctx, domain.ParticipantsChannel(part.MarketID), domain.ParticipantUpdate{
			Type: "participant", MarketID: part.MarketID, Participant: part, Block: to,
		})
	}
	for _, m := range br.markets {
		p.publish(ctx, domain.ChannelMarkets, domain.MarketUpdate{Type: "market", Market: m, Block: to})
	}
	p.publish(ctx, domain.ChannelSync, domain.SyncUpdate{Type: "sync", Cursor: to, Head: p.head.Load()})
}

func (p *Poller) publish(ctx context.Context, channel string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		p.logger.Warn("marshal update failed", slog.String("error", err.Error()))
		return
	}
	if err := p.deps.Bus.Publish(ctx, channel, payload); err != nil {
		p.logger.Warn("publish update failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

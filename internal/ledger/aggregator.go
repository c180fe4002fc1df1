// Package ledger holds the write-side rules of the participant ledger: the
// aggregator that folds purchases into participant rows, the projector that
// owns market rows, and the reconciler that merges duplicate rows.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// Result describes what Apply did with a purchase.
type Result int

const (
	// ResultApplied means the purchase was folded into the row.
	ResultApplied Result = iota
	// ResultDuplicate means the (txHash, logIndex) pair was already folded in.
	ResultDuplicate
	// ResultFrozen means the key is frozen and the purchase was not applied.
	ResultFrozen
)

func (r Result) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultDuplicate:
		return "duplicate"
	case ResultFrozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// Aggregator is the sole mutator of participant rows.
type Aggregator struct {
	logger *slog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(logger *slog.Logger) *Aggregator {
	return &Aggregator{logger: logger.With(slog.String("component", "aggregator"))}
}

// Apply folds one purchase into its participant row inside tx. The key lock is
// taken here (re-entrant within a transaction), so callers that pre-lock a
// batch of keys in sorted order lose nothing.
//
// An existing row that fails the invariant check freezes the key; Apply then
// returns an error wrapping domain.ErrInvariantViolation. The freeze is part
// of tx and becomes durable when the caller commits.
func (a *Aggregator) Apply(ctx context.Context, tx domain.LedgerTx, ev domain.SharesBought) (domain.Participant, Result, error) {
	key := ev.Key()
	ref := ev.Ref()

	if err := tx.LockParticipantKey(ctx, key); err != nil {
		return domain.Participant{}, 0, fmt.Errorf("aggregator: lock %s: %w", key, err)
	}

	frozen, err := tx.IsFrozen(ctx, key)
	if err != nil {
		return domain.Participant{}, 0, fmt.Errorf("aggregator: frozen check %s: %w", key, err)
	}
	if frozen {
		a.logger.WarnContext(ctx, "purchase for frozen key not applied",
			slog.String("key", key.String()),
			slog.String("tx", ref.String()),
		)
		return domain.Participant{}, ResultFrozen, nil
	}

	rows, err := tx.ParticipantRows(ctx, key)
	if err != nil {
		return domain.Participant{}, 0, fmt.Errorf("aggregator: load %s: %w", key, err)
	}

	// Duplicate rows are merged by the reconciler; until then every row counts
	// for idempotence and the oldest row receives new purchases.
	for _, row := range rows {
		if row.ProcessedTxs.Has(ref) {
			return row, ResultDuplicate, nil
		}
	}

	var current domain.Participant
	isNew := len(rows) == 0
	if isNew {
		current = domain.Participant{
			MarketID:        key.MarketID,
			Address:         key.Address,
			FirstPurchaseAt: ev.BlockTimestamp,
			LastPurchaseAt:  ev.BlockTimestamp,
			ProcessedTxs:    domain.NewTxSet(),
		}
	} else {
		current = rows[0]
		if err := current.CheckInvariant(); err != nil {
			if ferr := tx.Freeze(ctx, key, err.Error()); ferr != nil {
				return domain.Participant{}, 0, fmt.Errorf("aggregator: freeze %s: %w", key, ferr)
			}
			return current, ResultFrozen, err
		}
	}

	next := fold(current, ev)
	if err := next.CheckInvariant(); err != nil {
		return domain.Participant{}, 0, err
	}

	if isNew {
		id, err := tx.InsertParticipant(ctx, next)
		if err != nil {
			return domain.Participant{}, 0, fmt.Errorf("aggregator: insert %s: %w", key, err)
		}
		next.ID = id
	} else if err := tx.UpdateParticipant(ctx, next); err != nil {
		return domain.Participant{}, 0, fmt.Errorf("aggregator: update %s: %w", key, err)
	}

	return next, ResultApplied, nil
}

// fold returns p with ev added. Purchase times keep the min/max of block
// times so the result does not depend on delivery order.
func fold(p domain.Participant, ev domain.SharesBought) domain.Participant {
	next := p
	next.ProcessedTxs = p.ProcessedTxs.Clone()
	next.ProcessedTxs.Add(ev.Ref())

	if ev.Side {
		next.YesShares = p.YesShares.Add(ev.Amount)
	} else {
		next.NoShares = p.NoShares.Add(ev.Amount)
	}
	next.TotalInvestment = p.TotalInvestment.Add(ev.Amount)

	if ev.BlockTimestamp < next.FirstPurchaseAt || next.FirstPurchaseAt == 0 {
		next.FirstPurchaseAt = ev.BlockTimestamp
	}
	if ev.BlockTimestamp > next.LastPurchaseAt {
		next.LastPurchaseAt = ev.BlockTimestamp
	}
	return next
}

// ApplyOne applies a single purchase in its own transaction.
func (a *Aggregator) ApplyOne(ctx context.Context, l domain.Ledger, ev domain.SharesBought) (domain.Participant, Result, error) {
	var (
		out       domain.Participant
		res       Result
		violation error
	)
	err := l.InTx(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		p, r, err := a.Apply(ctx, tx, ev)
		if err != nil {
			if errors.Is(err, domain.ErrInvariantViolation) {
				// Commit the freeze, report the violation afterwards.
				violation = err
				out, res = p, r
				return nil
			}
			return err
		}
		out, res = p, r
		return nil
	})
	if err != nil {
		return domain.Participant{}, 0, err
	}
	return out, res, violation
}

// Replay lifts the freeze on key and re-applies every stored purchase for it.
// Already-folded purchases are skipped by the idempotence check, so only the
// purchases missed while the key was frozen change the row. If the stored row
// still violates the invariant the key stays frozen.
func (a *Aggregator) Replay(ctx context.Context, l domain.Ledger, key domain.ParticipantKey) (domain.Participant, int, error) {
	var (
		out     domain.Participant
		applied int
	)
	err := l.InTx(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		if err := tx.LockParticipantKey(ctx, key); err != nil {
			return fmt.Errorf("aggregator: lock %s: %w", key, err)
		}
		rows, err := tx.ParticipantRows(ctx, key)
		if err != nil {
			return fmt.Errorf("aggregator: load %s: %w", key, err)
		}
		if len(rows) > 1 {
			return fmt.Errorf("aggregator: replay %s: %d rows present, reconcile first", key, len(rows))
		}
		if len(rows) == 1 {
			if err := rows[0].CheckInvariant(); err != nil {
				return err
			}
			out = rows[0]
		}
		if err := tx.Unfreeze(ctx, key); err != nil {
			return fmt.Errorf("aggregator: unfreeze %s: %w", key, err)
		}

		events, err := tx.RawPurchases(ctx, key)
		if err != nil {
			return fmt.Errorf("aggregator: raw purchases %s: %w", key, err)
		}
		for _, raw := range events {
			p, res, err := a.Apply(ctx, tx, domain.SharesBoughtFromRaw(raw))
			if err != nil {
				return err
			}
			if res == ResultApplied {
				applied++
			}
			out = p
		}
		return nil
	})
	if err != nil {
		return domain.Participant{}, 0, err
	}

	a.logger.InfoContext(ctx, "participant key replayed",
		slog.String("key", key.String()),
		slog.Int("applied", applied),
	)
	return out, applied, nil
}

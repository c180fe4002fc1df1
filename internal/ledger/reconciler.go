package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// Alerter is notified about keys that need operator attention.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	Keys        int `json:"keys"`
	Merged      int `json:"merged"`
	RowsDeleted int `json:"rows_deleted"`
	Violations  int `json:"violations"`
}

// Reconciler merges duplicate participant rows into one canonical row.
type Reconciler struct {
	ledger    domain.Ledger
	projector *Projector
	alerter   Alerter
	batchSize int
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler. alerter may be nil.
func NewReconciler(l domain.Ledger, projector *Projector, alerter Alerter, batchSize int, logger *slog.Logger) *Reconciler {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Reconciler{
		ledger:    l,
		projector: projector,
		alerter:   alerter,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Run sweeps every key with more than one row. Each key is merged in its own
// transaction; a violation on one key freezes it and the sweep moves on.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	seen := make(map[domain.ParticipantKey]struct{})

	for {
		keys, err := r.ledger.DuplicateKeys(ctx, r.batchSize)
		if err != nil {
			return report, fmt.Errorf("reconciler: list duplicates: %w", err)
		}
		progress := false
		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			progress = true
			report.Keys++

			deleted, err := r.MergeKey(ctx, key)
			switch {
			case errors.Is(err, domain.ErrInvariantViolation):
				report.Violations++
				r.alert(ctx, key, err)
			case err != nil:
				return report, err
			case deleted > 0:
				report.Merged++
				report.RowsDeleted += deleted
			}
		}
		// Frozen keys stay duplicated; stop once a pass yields nothing new.
		if !progress || len(keys) < r.batchSize {
			break
		}
	}

	r.logger.InfoContext(ctx, "reconciliation finished",
		slog.Int("keys", report.Keys),
		slog.Int("merged", report.Merged),
		slog.Int("rows_deleted", report.RowsDeleted),
		slog.Int("violations", report.Violations),
	)
	return report, nil
}

// MergeKey merges the rows of one key and returns how many rows were deleted.
// An invariant violation freezes the key, commits the freeze and is returned.
func (r *Reconciler) MergeKey(ctx context.Context, key domain.ParticipantKey) (int, error) {
	var (
		deleted   int
		violation error
	)
	err := r.ledger.InTx(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		deleted, violation = 0, nil
		if err := tx.LockParticipantKey(ctx, key); err != nil {
			return fmt.Errorf("reconciler: lock %s: %w", key, err)
		}
		frozen, err := tx.IsFrozen(ctx, key)
		if err != nil {
			return fmt.Errorf("reconciler: frozen check %s: %w", key, err)
		}
		if frozen {
			return nil
		}
		rows, err := tx.ParticipantRows(ctx, key)
		if err != nil {
			return fmt.Errorf("reconciler: load %s: %w", key, err)
		}
		if len(rows) <= 1 {
			return nil
		}

		raw, err := tx.RawEventsByRef(ctx, overlappingRefs(rows))
		if err != nil {
			return fmt.Errorf("reconciler: raw events %s: %w", key, err)
		}
		merged, err := MergeParticipants(rows, raw)
		if err != nil {
			if !errors.Is(err, domain.ErrInvariantViolation) {
				return err
			}
			violation = err
			return tx.Freeze(ctx, key, err.Error())
		}

		if err := tx.UpdateParticipant(ctx, merged); err != nil {
			return fmt.Errorf("reconciler: update %s: %w", key, err)
		}
		ids := make([]int64, 0, len(rows)-1)
		for _, row := range rows {
			if row.ID != merged.ID {
				ids = append(ids, row.ID)
			}
		}
		if err := tx.DeleteParticipants(ctx, ids); err != nil {
			return fmt.Errorf("reconciler: delete %s: %w", key, err)
		}
		if _, err := r.projector.RefreshTotals(ctx, tx, key.MarketID); err != nil {
			return err
		}
		deleted = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if violation != nil {
		return 0, violation
	}
	if deleted > 0 {
		r.logger.InfoContext(ctx, "participant rows merged",
			slog.String("key", key.String()),
			slog.Int("deleted", deleted),
		)
	}
	return deleted, nil
}

func (r *Reconciler) alert(ctx context.Context, key domain.ParticipantKey, err error) {
	r.logger.ErrorContext(ctx, "participant key frozen",
		slog.String("key", key.String()),
		slog.String("error", err.Error()),
	)
	if r.alerter == nil {
		return
	}
	if nerr := r.alerter.Notify(ctx, "invariant_violation", "Participant key frozen", key.String()+": "+err.Error()); nerr != nil {
		r.logger.WarnContext(ctx, "alert failed", slog.String("error", nerr.Error()))
	}
}

// overlappingRefs returns the refs that appear in more than one row.
func overlappingRefs(rows []domain.Participant) []domain.TxRef {
	counts := make(map[domain.TxRef]int)
	for _, row := range rows {
		for ref := range row.ProcessedTxs {
			counts[ref]++
		}
	}
	var out []domain.TxRef
	for ref, n := range counts {
		if n > 1 {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// MergeParticipants folds rows of one key into the earliest row by
// (CreatedAt, ID). Numeric fields are summed; a ref present in k rows has its
// purchase subtracted k-1 times using raw, which must hold every such ref as
// a purchase by the same key.
func MergeParticipants(rows []domain.Participant, raw map[domain.TxRef]domain.RawEvent) (domain.Participant, error) {
	if len(rows) == 0 {
		return domain.Participant{}, fmt.Errorf("reconciler: merge of zero rows")
	}
	sorted := make([]domain.Participant, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	for _, row := range sorted {
		if err := row.CheckInvariant(); err != nil {
			return domain.Participant{}, err
		}
	}

	out := sorted[0]
	out.ProcessedTxs = domain.NewTxSet()
	counts := make(map[domain.TxRef]int)
	var yes, no, total []domain.Amount

	for i, row := range sorted {
		yes = append(yes, row.YesShares)
		no = append(no, row.NoShares)
		total = append(total, row.TotalInvestment)
		if i > 0 {
			if row.FirstPurchaseAt != 0 && (out.FirstPurchaseAt == 0 || row.FirstPurchaseAt < out.FirstPurchaseAt) {
				out.FirstPurchaseAt = row.FirstPurchaseAt
			}
			if row.LastPurchaseAt > out.LastPurchaseAt {
				out.LastPurchaseAt = row.LastPurchaseAt
			}
		}
		for ref := range row.ProcessedTxs {
			counts[ref]++
			out.ProcessedTxs.Add(ref)
		}
	}
	out.YesShares = domain.SumAmounts(yes...)
	out.NoShares = domain.SumAmounts(no...)
	out.TotalInvestment = domain.SumAmounts(total...)

	for ref, k := range counts {
		if k < 2 {
			continue
		}
		ev, ok := raw[ref]
		if !ok {
			return domain.Participant{}, fmt.Errorf("%w: participant %s: ref %s in %d rows has no raw event",
				domain.ErrInvariantViolation, out.Key(), ref, k)
		}
		if err := purchaseOf(ev, out.Key()); err != nil {
			return domain.Participant{}, fmt.Errorf("%w: participant %s: ref %s in %d rows: %v",
				domain.ErrInvariantViolation, out.Key(), ref, k, err)
		}
		extra := ev.Amount.MulInt64(int64(k - 1))
		if ev.Side {
			out.YesShares = out.YesShares.Sub(extra)
		} else {
			out.NoShares = out.NoShares.Sub(extra)
		}
		out.TotalInvestment = out.TotalInvestment.Sub(extra)
	}

	if err := out.CheckInvariant(); err != nil {
		return domain.Participant{}, err
	}
	return out, nil
}

func purchaseOf(ev domain.RawEvent, key domain.ParticipantKey) error {
	switch {
	case ev.Kind != domain.KindSharesBought:
		return fmt.Errorf("raw event is %s", ev.Kind)
	case ev.MarketID != key.MarketID:
		return fmt.Errorf("raw event is for market %d", ev.MarketID)
	case domain.NormalizeAddress(ev.Address) != key.Address:
		return fmt.Errorf("raw event is for %s", ev.Address)
	}
	return nil
}

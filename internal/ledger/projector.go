package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/celoledger/internal/domain"
)

// Projector is the sole writer of market rows.
type Projector struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewProjector creates a Projector.
func NewProjector(logger *slog.Logger) *Projector {
	return &Projector{
		logger: logger.With(slog.String("component", "projector")),
		now:    time.Now,
	}
}

// Apply projects a market lifecycle event onto its market row. The first
// terminal status wins: once a market is resolved or cancelled, later
// resolutions and cancellations are logged and ignored, and a replayed
// MarketCreated only refreshes metadata.
func (p *Projector) Apply(ctx context.Context, tx domain.LedgerTx, ev domain.Event) (domain.Market, error) {
	var id uint64
	switch e := ev.(type) {
	case domain.MarketCreated:
		id = e.MarketID
	case domain.MarketResolved:
		id = e.MarketID
	case domain.MarketCancelled:
		id = e.MarketID
	default:
		return domain.Market{}, fmt.Errorf("projector: unsupported event %s", ev.Kind())
	}

	m, err := p.loadOrPlaceholder(ctx, tx, id)
	if err != nil {
		return domain.Market{}, err
	}

	switch e := ev.(type) {
	case domain.MarketCreated:
		m.Question = e.Question
		m.Description = e.Description
		m.Category = e.Category
		m.Image = e.Image
		m.Source = e.Source
		m.EndTime = e.EndTime
		m.Creator = domain.NormalizeAddress(e.Creator)
		m.CreatedAt = e.BlockTimestamp
		if !m.Status.Terminal() {
			m.Status = domain.MarketStatusActive
		}
	case domain.MarketResolved:
		if m.Status.Terminal() {
			p.ignoreTerminal(ctx, m, e.EventMeta)
			return m, nil
		}
		m.Status = domain.MarketStatusResolved
		m.Outcome = e.Outcome
		m.ResolvedAt = e.BlockTimestamp
	case domain.MarketCancelled:
		if m.Status.Terminal() {
			p.ignoreTerminal(ctx, m, e.EventMeta)
			return m, nil
		}
		m.Status = domain.MarketStatusCancelled
	}

	m.UpdatedAt = p.now().UTC()
	if err := tx.UpsertMarket(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("projector: upsert market %d: %w", id, err)
	}
	return m, nil
}

func (p *Projector) ignoreTerminal(ctx context.Context, m domain.Market, meta domain.EventMeta) {
	p.logger.WarnContext(ctx, "event on terminal market ignored",
		slog.Uint64("market_id", m.ID),
		slog.String("status", string(m.Status)),
		slog.String("tx", meta.Ref().String()),
	)
}

// RefreshTotals re-derives the pool totals of a market from its participant
// rows. The write is a pure assignment, so running it twice is harmless.
func (p *Projector) RefreshTotals(ctx context.Context, tx domain.LedgerTx, id uint64) (domain.Market, error) {
	m, err := p.loadOrPlaceholder(ctx, tx, id)
	if err != nil {
		return domain.Market{}, err
	}
	parts, err := tx.MarketParticipants(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("projector: participants of %d: %w", id, err)
	}

	yes := make([]domain.Amount, 0, len(parts))
	no := make([]domain.Amount, 0, len(parts))
	for _, pt := range parts {
		yes = append(yes, pt.YesShares)
		no = append(no, pt.NoShares)
	}
	m.TotalYes = domain.SumAmounts(yes...)
	m.TotalNo = domain.SumAmounts(no...)
	m.TotalPool = m.TotalYes.Add(m.TotalNo)
	m.UpdatedAt = p.now().UTC()

	if err := tx.UpsertMarket(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("projector: upsert totals %d: %w", id, err)
	}
	return m, nil
}

// loadOrPlaceholder returns the stored market, or an active placeholder when
// an event arrives for a market whose creation has not been seen yet.
func (p *Projector) loadOrPlaceholder(ctx context.Context, tx domain.LedgerTx, id uint64) (domain.Market, error) {
	m, err := tx.GetMarket(ctx, id)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Market{}, fmt.Errorf("projector: get market %d: %w", id, err)
	}
	return domain.Market{ID: id, Status: domain.MarketStatusActive}, nil
}

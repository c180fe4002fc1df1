package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/ledger"
)

// ParticipantService serves participant reads and the operator replay of
// frozen keys.
type ParticipantService struct {
	ledger     domain.Ledger
	aggregator *ledger.Aggregator
	projector  *ledger.Projector
	cache      domain.MarketCache
	bus        domain.SignalBus
	logger     *slog.Logger
}

// NewParticipantService creates a ParticipantService. cache and bus may be
// nil.
func NewParticipantService(
	l domain.Ledger,
	aggregator *ledger.Aggregator,
	projector *ledger.Projector,
	cache domain.MarketCache,
	bus domain.SignalBus,
	logger *slog.Logger,
) *ParticipantService {
	return &ParticipantService{
		ledger:     l,
		aggregator: aggregator,
		projector:  projector,
		cache:      cache,
		bus:        bus,
		logger:     logger.With(slog.String("component", "participant_service")),
	}
}

// List returns the participants of a market in order of first appearance.
func (s *ParticipantService) List(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Participant, error) {
	opts = clampOpts(opts)
	opts.Status = ""
	parts, err := s.ledger.ListParticipants(ctx, marketID, opts)
	if err != nil {
		return nil, fmt.Errorf("participant_service: list %d: %w", marketID, err)
	}
	if parts == nil {
		parts = []domain.Participant{}
	}
	return parts, nil
}

// Get returns the position of one address in one market.
func (s *ParticipantService) Get(ctx context.Context, key domain.ParticipantKey) (domain.Participant, error) {
	p, err := s.ledger.GetParticipant(ctx, key)
	if err != nil {
		return domain.Participant{}, fmt.Errorf("participant_service: get %s: %w", key, err)
	}
	return p, nil
}

// Frozen lists keys halted by an invariant violation.
func (s *ParticipantService) Frozen(ctx context.Context) ([]domain.FrozenKey, error) {
	keys, err := s.ledger.ListFrozen(ctx)
	if err != nil {
		return nil, fmt.Errorf("participant_service: list frozen: %w", err)
	}
	if keys == nil {
		keys = []domain.FrozenKey{}
	}
	return keys, nil
}

// ReplayResult reports what a replay changed.
type ReplayResult struct {
	Participant domain.Participant `json:"participant"`
	Applied     int                `json:"applied"`
}

// Replay unfreezes key, re-applies its stored purchases and refreshes the
// market totals.
func (s *ParticipantService) Replay(ctx context.Context, key domain.ParticipantKey) (ReplayResult, error) {
	p, applied, err := s.aggregator.Replay(ctx, s.ledger, key)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("participant_service: replay %s: %w", key, err)
	}

	var market domain.Market
	err = s.ledger.InTx(ctx, func(ctx context.Context, tx domain.LedgerTx) error {
		var err error
		market, err = s.projector.RefreshTotals(ctx, tx, key.MarketID)
		return err
	})
	if err != nil {
		return ReplayResult{}, fmt.Errorf("participant_service: refresh totals %d: %w", key.MarketID, err)
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, key.MarketID); err != nil {
			s.logger.WarnContext(ctx, "cache invalidate failed", slog.String("error", err.Error()))
		}
	}
	if applied > 0 {
		s.publish(ctx, domain.ParticipantsChannel(key.MarketID), domain.ParticipantUpdate{
			Type: "participant", MarketID: key.MarketID, Participant: p,
		})
		s.publish(ctx, domain.ChannelMarkets, domain.MarketUpdate{Type: "market", Market: market})
	}

	s.logger.InfoContext(ctx, "key replayed",
		slog.String("key", key.String()),
		slog.Int("applied", applied),
	)
	return ReplayResult{Participant: p, Applied: applied}, nil
}

func (s *ParticipantService) publish(ctx context.Context, channel string, msg any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

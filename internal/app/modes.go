package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/celoledger/internal/decoder"
	"github.com/alanyoungcy/celoledger/internal/domain"
	"github.com/alanyoungcy/celoledger/internal/ledger"
	"github.com/alanyoungcy/celoledger/internal/pipeline"
	"github.com/alanyoungcy/celoledger/internal/scheduler"
	"github.com/alanyoungcy/celoledger/internal/server"
	"github.com/alanyoungcy/celoledger/internal/server/handler"
	"github.com/alanyoungcy/celoledger/internal/server/ws"
	"github.com/alanyoungcy/celoledger/internal/service"
)

const shutdownTimeout = 10 * time.Second

// core holds the ledger components shared by every mode.
type core struct {
	aggregator *ledger.Aggregator
	projector  *ledger.Projector
	sweeper    *scheduler.Sweeper
}

func (a *App) newCore(deps *Dependencies) core {
	aggregator := ledger.NewAggregator(a.logger)
	projector := ledger.NewProjector(a.logger)
	reconciler := ledger.NewReconciler(deps.Ledger, projector, deps.Notifier, a.cfg.Reconcile.BatchSize, a.logger)
	return core{
		aggregator: aggregator,
		projector:  projector,
		sweeper: scheduler.NewSweeper(reconciler, deps.LockManager, a.cfg.Reconcile.LeaseTTL.Duration, deps.Metrics, a.logger).
			WithTimeout(a.cfg.Reconcile.Timeout.Duration),
	}
}

// IngestMode runs the poller and, when enabled, the reconcile schedule.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")

	c := a.newCore(deps)
	poller, err := a.buildPoller(deps, c)
	if err != nil {
		return err
	}
	return pipeline.NewOrchestrator(poller, a.buildScheduler(deps, c), a.logger).Run(ctx)
}

// ServerMode serves the read API from a ledger another process fills.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, a.newCore(deps), nil)
	return g.Wait()
}

// ReconcileMode runs one sweep and exits.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting one-shot reconciliation")

	report, err := a.newCore(deps).sweeper.Sweep(ctx)
	if errors.Is(err, domain.ErrLockHeld) {
		a.logger.WarnContext(ctx, "another replica holds the reconcile lease; nothing to do")
		return nil
	}
	if err != nil {
		return fmt.Errorf("app: reconcile: %w", err)
	}
	a.logger.InfoContext(ctx, "reconciliation complete",
		slog.Int("keys", report.Keys),
		slog.Int("merged", report.Merged),
		slog.Int("rows_deleted", report.RowsDeleted),
		slog.Int("violations", report.Violations),
	)
	return nil
}

// FullMode runs ingestion, the reconcile schedule and the HTTP server in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	c := a.newCore(deps)
	poller, err := a.buildPoller(deps, c)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	orch := pipeline.NewOrchestrator(poller, a.buildScheduler(deps, c), a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, poller)
	}

	return g.Wait()
}

func (a *App) buildPoller(deps *Dependencies, c core) (*pipeline.Poller, error) {
	dec, err := decoder.New()
	if err != nil {
		return nil, fmt.Errorf("app: decoder: %w", err)
	}

	pd := pipeline.PollerDeps{
		Cache:   deps.MarketCache,
		Bus:     deps.SignalBus,
		Locks:   deps.LockManager,
		Alerter: deps.Notifier,
		Metrics: deps.Metrics,
	}
	if deps.Quarantine != nil {
		pd.Quarantine = deps.Quarantine
	} else {
		a.logger.Warn("s3 not configured: malformed logs are logged but not quarantined")
	}

	chainCfg := a.cfg.Chain
	return pipeline.NewPoller(pipeline.PollerConfig{
		Contract:       chainCfg.Contract(),
		StartBlock:     chainCfg.StartBlock,
		Confirmations:  chainCfg.Confirmations,
		MaxBlockRange:  chainCfg.MaxBlockRange,
		Interval:       chainCfg.PollInterval.Duration,
		Backoff:        pipeline.Backoff{Attempts: chainCfg.RetryBudget},
		DecodeWorkers:  chainCfg.DecodeWorkers,
		UnhealthyAfter: chainCfg.UnhealthyAfter,
	}, deps.Chain, dec, deps.Ledger, c.aggregator, c.projector, pd, a.logger), nil
}

// buildScheduler returns nil when scheduled reconciliation is disabled.
func (a *App) buildScheduler(deps *Dependencies, c core) pipeline.Worker {
	if !a.cfg.Reconcile.Enabled {
		return nil
	}
	return scheduler.New(c.sweeper, a.cfg.Reconcile.Interval.Duration, a.logger).
		WithAlerter(deps.Notifier)
}

// startHTTPServer registers the hub and the HTTP server on g. poller is nil
// when ingestion runs in another process.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c core, poller *pipeline.Poller) {
	var pollerState service.PollerState
	if poller != nil {
		pollerState = poller
	}

	marketSvc := service.NewMarketService(deps.Ledger, deps.MarketCache, a.logger)
	participantSvc := service.NewParticipantService(deps.Ledger, c.aggregator, c.projector, deps.MarketCache, deps.SignalBus, a.logger)
	syncSvc := service.NewSyncService(deps.Ledger, pollerState)

	handlers := server.Handlers{
		Health:       handler.NewHealthHandler(syncSvc, a.logger),
		Markets:      handler.NewMarketHandler(marketSvc, a.logger),
		Participants: handler.NewParticipantHandler(participantSvc, a.logger),
		Reconcile:    handler.NewReconcileHandler(c.sweeper, a.cfg.Reconcile.Timeout.Duration, a.logger),
		Metrics:      deps.Metrics.Handler(),
	}
	if deps.Quarantine != nil {
		handlers.Quarantine = handler.NewQuarantineHandler(deps.Quarantine, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      a.startedAt,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("ws hub: %w", err)
		}
		return nil
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Run(ctx, shutdownTimeout)
	})
}

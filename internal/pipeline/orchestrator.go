package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Worker is a long-running component that blocks until ctx is cancelled.
type Worker interface {
	Run(ctx context.Context) error
}

// Orchestrator manages the ingestion goroutines: the event poller and,
// optionally, the scheduled reconciliation sweep.
type Orchestrator struct {
	poller     *Poller
	reconciler Worker
	logger     *slog.Logger
}

// NewOrchestrator creates a new Orchestrator. reconciler may be nil.
func NewOrchestrator(poller *Poller, reconciler Worker, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		poller:     poller,
		reconciler: reconciler,
		logger:     logger.With(slog.String("component", "orchestrator")),
	}
}

// Run starts all sub-pipelines as concurrent goroutines using an errgroup. If
// any goroutine returns a non-context error, the errgroup cancels the shared
// context and Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.Bool("reconcile", o.reconciler != nil),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := o.poller.Run(ctx)
		if ctx.Err() != nil {
			return nil // clean shutdown
		}
		return fmt.Errorf("poller: %w", err)
	})

	if o.reconciler != nil {
		g.Go(func() error {
			err := o.reconciler.Run(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("reconcile scheduler: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}

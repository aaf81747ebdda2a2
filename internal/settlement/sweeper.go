package settlement

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultSweepInterval    = 30 * time.Second
	defaultSweepBatch       = 100
	defaultSweepConcurrency = 8
)

// SweeperConfig tunes the reconciliation loop.
type SweeperConfig struct {
	Interval time.Duration
	// Grace keeps the sweeper away from records a request goroutine is still working on. It
	// should exceed the coordinator's MoverTimeout.
	Grace       time.Duration
	Batch       int
	Concurrency int
}

// Sweeper periodically reconciles records whose external outcome is not known yet.
type Sweeper struct {
	coord  *Coordinator
	cfg    SweeperConfig
	logger *slog.Logger
}

// NewSweeper builds a sweeper over the coordinator's store and movers.
func NewSweeper(coord *Coordinator, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = defaultSweepBatch
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultSweepConcurrency
	}
	return &Sweeper{
		coord:  coord,
		cfg:    cfg,
		logger: coord.logger.With(slog.String("component", "sweeper")),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", slog.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", slog.Any("error", err))
			}
		}
	}
}

// SweepOnce reconciles one batch and returns how many records it looked at. A failure on one
// record is logged and does not stop the others.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.coord.now().Add(-s.cfg.Grace)
	records, err := s.coord.store.ListRecords(ctx,
		[]State{StateAccepted, StateExternalPending, StateAwaitingReconciliation},
		cutoff, s.cfg.Batch)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, rec := range records {
		requestID := rec.RequestID
		g.Go(func() error {
			if _, err := s.coord.Reconcile(gctx, requestID); err != nil {
				s.logger.Warn("reconcile failed", slog.String("request_id", requestID), slog.Any("error", err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(records), err
	}

	s.coord.metrics.Swept(len(records))
	if len(records) > 0 {
		s.logger.Info("sweep finished", slog.Int("records", len(records)))
	}
	return len(records), nil
}

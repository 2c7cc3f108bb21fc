package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/klear-profit/internal/config"
	"github.com/ksred/klear-profit/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// RunStats summarises one scheduler pass. Deferred counts portfolios left
// with a retryable pending hour; Failed counts the rest of the stops.
type RunStats struct {
	Portfolios int `json:"portfolios"`
	Settled    int `json:"settled"`
	Deferred   int `json:"deferred"`
	Failed     int `json:"failed"`
}

// Processor is the hourly trigger. Each pass catches every portfolio up to
// the current hour; portfolios run in parallel, hours of one portfolio never do.
type Processor struct {
	service  *Service
	workers  int
	schedule string
}

func NewProcessor(service *Service, cfg config.Scheduler) *Processor {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	schedule := cfg.Cron
	if schedule == "" {
		schedule = "0 5 * * * *"
	}
	return &Processor{
		service:  service,
		workers:  workers,
		schedule: schedule,
	}
}

// Start runs the processor on its cron schedule until ctx is done. A pass
// still running when the next one is due is not overlapped.
func (p *Processor) Start(ctx context.Context) error {
	logger := log.With().Str("component", "settlement_processor").Logger()

	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(p.schedule, func() {
		if _, err := p.RunOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("settlement pass failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule settlement processor: %w", err)
	}

	logger.Info().Str("schedule", p.schedule).Int("workers", p.workers).Msg("starting settlement processor")
	c.Start()

	<-ctx.Done()
	logger.Info().Msg("shutting down settlement processor")
	<-c.Stop().Done()
	return nil
}

// RunOnce catches up every portfolio once. One portfolio's failure never
// stops the others.
func (p *Processor) RunOnce(ctx context.Context) (RunStats, error) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	start := time.Now()

	ids, err := p.service.portfolios.ListPortfolioIDs(ctx)
	if err != nil {
		return RunStats{}, fmt.Errorf("failed to list portfolios: %w", err)
	}

	now := p.service.now()
	stats := RunStats{Portfolios: len(ids)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(p.workers)
	for _, id := range ids {
		g.Go(func() error {
			res, err := p.service.CatchUp(ctx, id, now)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				logger.Error().Err(err).Uint("portfolio_id", id).Msg("portfolio catch-up failed")
				return nil
			}
			stats.Settled += len(res.Settled)
			if res.Pending != nil {
				if res.Pending.Retryable {
					stats.Deferred++
				} else {
					stats.Failed++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if pending, err := p.service.db.CountPending(ctx); err == nil {
		metrics.SetPendingSettlements(int(pending))
	}

	logger.Info().
		Int("portfolios", stats.Portfolios).
		Int("settled", stats.Settled).
		Int("deferred", stats.Deferred).
		Int("failed", stats.Failed).
		Dur("took", time.Since(start)).
		Msg("settlement pass complete")

	return stats, nil
}

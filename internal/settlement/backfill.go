package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-profit/internal/types"
	"github.com/rs/zerolog/log"
)

const maxReasonLen = 512

// MissingHours lists the hours after the last settled one up to the hour
// boundary at or before now, oldest first and capped at the backfill limit.
// A portfolio that was never settled starts at the current boundary.
func (s *Service) MissingHours(ctx context.Context, portfolioID uint, now time.Time) ([]time.Time, error) {
	end := types.TruncateHour(now)

	last, err := s.db.LastLog(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch last allocation: %w", err)
	}
	if last == nil {
		return []time.Time{end}, nil
	}

	var hours []time.Time
	for h := types.HourFromKey(last.HourEndAt).Add(time.Hour); !h.After(end); h = h.Add(time.Hour) {
		hours = append(hours, h)
		if len(hours) == s.maxBackfill {
			break
		}
	}
	return hours, nil
}

// CatchUp settles every missing hour of a portfolio in order. It stops at the
// first hour that cannot be settled and records it as pending; later hours
// depend on it and are left for the next run. The returned error is reserved
// for storage failures and cancellation.
func (s *Service) CatchUp(ctx context.Context, portfolioID uint, now time.Time) (*CatchUpResult, error) {
	logger := log.With().
		Uint("portfolio_id", portfolioID).
		Str("service", "settlement").
		Logger()

	hours, err := s.MissingHours(ctx, portfolioID, now)
	if err != nil {
		return nil, err
	}

	res := &CatchUpResult{PortfolioID: portfolioID, Missing: len(hours), Settled: []AllocationLog{}}
	for _, h := range hours {
		entry, err := s.Settle(ctx, portfolioID, h)
		if err == nil {
			res.Settled = append(res.Settled, *entry)
			continue
		}
		if errors.Is(err, types.ErrDuplicateSnapshot) {
			// settled by a concurrent manual call
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, ctxErr
		}

		pending := &PendingSettlement{
			PortfolioID: portfolioID,
			HourEndAt:   types.HourKey(h),
			Reason:      truncate(err.Error(), maxReasonLen),
			Retryable:   types.IsRetryable(err),
			Attempts:    1,
		}
		if markErr := s.db.MarkPending(ctx, pending); markErr != nil {
			return res, fmt.Errorf("failed to record pending settlement: %w", markErr)
		}
		res.Pending = &PendingHour{HourEndAt: h, Reason: pending.Reason, Retryable: pending.Retryable}

		logger.Warn().
			Err(err).
			Time("hour_end_at", h).
			Bool("retryable", pending.Retryable).
			Int("settled", len(res.Settled)).
			Msg("catch-up stopped, hour left pending")
		return res, nil
	}

	if len(res.Settled) > 0 {
		logger.Info().Int("settled", len(res.Settled)).Msg("catch-up complete")
	}
	return res, nil
}

// Status reports where a portfolio's settlement stands. The hour boundary at
// or before now is still within its settlement window and does not count as
// unsettled on its own.
func (s *Service) Status(ctx context.Context, portfolioID uint, now time.Time) (*StatusResponse, error) {
	if _, err := s.portfolios.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}

	last, err := s.db.LastLog(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch last allocation: %w", err)
	}
	pending, err := s.db.ListPending(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending settlements: %w", err)
	}

	status := &StatusResponse{PortfolioID: portfolioID, Pending: pending}
	if last != nil {
		settled := types.HourFromKey(last.HourEndAt)
		status.LastSettledHour = &settled

		due := types.TruncateHour(now).Add(-time.Hour)
		if due.After(settled) {
			status.UnsettledHours = int(due.Sub(settled) / time.Hour)
		}
	}
	status.SettlementPending = len(pending) > 0 || status.UnsettledHours > 0
	return status, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package valuation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ksred/klear-profit/internal/config"
	"github.com/ksred/klear-profit/internal/metrics"
	"github.com/ksred/klear-profit/internal/portfolio"
	"github.com/ksred/klear-profit/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// RetryingProvider bounds every call to the wrapped provider with a
// per-attempt timeout, paces calls through a rate limiter and retries
// transient failures with exponential backoff. When the budget is spent the
// error wraps types.ErrValuationUnavailable.
type RetryingProvider struct {
	next       Provider
	timeout    time.Duration
	maxRetries int
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff
}

func NewRetryingProvider(next Provider, cfg config.Valuation) *RetryingProvider {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &RetryingProvider{
		next:       next,
		timeout:    timeout,
		maxRetries: cfg.MaxRetries,
		limiter:    rate.NewLimiter(limit, 1),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

func (r *RetryingProvider) CurrentAssetValue(ctx context.Context, p *portfolio.Portfolio, asOf time.Time) (decimal.Decimal, error) {
	logger := log.With().
		Uint("portfolio_id", p.ID).
		Int64("as_of", asOf.Unix()).
		Logger()

	attempt := func() (decimal.Decimal, error) {
		if err := r.limiter.Wait(ctx); err != nil {
			return decimal.Zero, backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		value, err := r.next.CurrentAssetValue(attemptCtx, p, asOf)
		switch {
		case err == nil:
			metrics.RecordValuationAttempt("ok")
			return value, nil
		case errors.Is(err, ErrRejected):
			metrics.RecordValuationAttempt("error")
			return decimal.Zero, backoff.Permanent(err)
		default:
			metrics.RecordValuationAttempt("retry")
			return decimal.Zero, err
		}
	}

	value, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.maxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", next).Msg("valuation attempt failed")
		}),
	)
	if err != nil {
		logger.Error().Err(err).Msg("valuation unavailable")
		return decimal.Zero, fmt.Errorf("%w: %w", types.ErrValuationUnavailable, err)
	}
	return value, nil
}

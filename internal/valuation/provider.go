// Package valuation reports the current USD value of a portfolio's holdings.
package valuation

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-profit/internal/portfolio"
	"github.com/shopspring/decimal"
)

// ErrRejected marks a valuation failure that a retry will not fix, such as an
// unknown fund or a malformed response.
var ErrRejected = errors.New("valuation request rejected")

// Provider returns the total asset value of a portfolio at an hour boundary.
type Provider interface {
	CurrentAssetValue(ctx context.Context, p *portfolio.Portfolio, asOf time.Time) (decimal.Decimal, error)
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func(ctx context.Context, p *portfolio.Portfolio, asOf time.Time) (decimal.Decimal, error)

func (f ProviderFunc) CurrentAssetValue(ctx context.Context, p *portfolio.Portfolio, asOf time.Time) (decimal.Decimal, error) {
	return f(ctx, p, asOf)
}

package types

import "errors"

var (
	ErrInvalidSettlementTime = errors.New("invalid settlement time")
	ErrDuplicateSnapshot     = errors.New("snapshot already exists for this hour")
	ErrNoRatioConfigured     = errors.New("no allocation ratio configured")
	ErrValuationUnavailable  = errors.New("asset valuation unavailable")
	ErrRatioSumInvalid       = errors.New("allocation ratio parts must sum to 10000")

	// ErrSettlementGap means the previous hour has no snapshot while earlier
	// hours do. The missing hours have to be backfilled first.
	ErrSettlementGap = errors.New("previous hour not settled")

	// ErrHourOutOfOrder means a later hour of the portfolio is already settled.
	ErrHourOutOfOrder = errors.New("a later hour is already settled")

	ErrInvalidRatio        = errors.New("allocation ratio parts must not be negative")
	ErrPortfolioNotFound   = errors.New("portfolio not found")
	ErrPortfolioUnassigned = errors.New("portfolio has no team assigned")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidBucket       = errors.New("invalid balance bucket")
	ErrInvalidRange        = errors.New("invalid time range")
)

// IsRetryable reports whether a settlement failure is expected to clear up
// on a later attempt with the same arguments.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoRatioConfigured) ||
		errors.Is(err, ErrValuationUnavailable) ||
		errors.Is(err, ErrSettlementGap)
}

// IsValidation reports whether err was caused by bad caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidSettlementTime) ||
		errors.Is(err, ErrRatioSumInvalid) ||
		errors.Is(err, ErrInvalidRatio) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidBucket) ||
		errors.Is(err, ErrHourOutOfOrder) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrPortfolioUnassigned)
}

package settlement

import (
	"github.com/ksred/klear-profit/internal/ratio"
	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places kept for every USD amount.
const Scale = 8

var basisPoints = decimal.NewFromInt(ratio.BasisPoints)

type Shares struct {
	Team     decimal.Decimal `json:"team"`
	Platform decimal.Decimal `json:"platform"`
	User     decimal.Decimal `json:"user"`
}

func (s Shares) Sum() decimal.Decimal {
	return s.Team.Add(s.Platform).Add(s.User)
}

// Allocate splits an hourly profit by basis points. Each share is rounded half
// to even at 8 places and the rounding remainder goes to the platform share,
// so the shares always add up to the profit exactly.
func Allocate(hourlyProfit decimal.Decimal, toTeam, toPlatform, toUser int) Shares {
	profit := hourlyProfit.RoundBank(Scale)
	part := func(bp int) decimal.Decimal {
		return profit.Mul(decimal.NewFromInt(int64(bp))).Div(basisPoints).RoundBank(Scale)
	}

	shares := Shares{
		Team:     part(toTeam),
		Platform: part(toPlatform),
		User:     part(toUser),
	}
	shares.Platform = shares.Platform.Add(profit.Sub(shares.Sum()))
	return shares
}

// Verify recomputes a log's shares from its stored ratio parts and reports
// whether they match what was booked.
func Verify(l *AllocationLog) (Shares, bool) {
	expected := Allocate(l.HourlyProfit, l.RatioToTeam, l.RatioToPlatform, l.RatioToUser)
	ok := expected.Team.Equal(l.ProfitToTeam) &&
		expected.Platform.Equal(l.ProfitToPlatform) &&
		expected.User.Equal(l.ProfitToUser) &&
		expected.Sum().Equal(l.HourlyProfit)
	return expected, ok
}

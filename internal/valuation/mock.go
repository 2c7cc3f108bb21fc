package valuation

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/klear-profit/internal/portfolio"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Venue is a simulated custody or trading venue holding part of a portfolio.
type Venue struct {
	ID          string
	Name        string
	MinLatency  int // in milliseconds
	MaxLatency  int
	Weight      float64 // share of holdings kept at this venue
	SuccessRate float64 // 0-1, probability the balance query succeeds
}

var mockVenues = []*Venue{
	{
		ID:          "VENUE1",
		Name:        "Primary Exchange",
		MinLatency:  5,
		MaxLatency:  30,
		Weight:      0.5,
		SuccessRate: 0.97,
	},
	{
		ID:          "VENUE2",
		Name:        "Secondary Exchange",
		MinLatency:  10,
		MaxLatency:  50,
		Weight:      0.25,
		SuccessRate: 0.95,
	},
	{
		ID:          "VENUE3",
		Name:        "Cold Wallet",
		MinLatency:  15,
		MaxLatency:  70,
		Weight:      0.15,
		SuccessRate: 0.99,
	},
	{
		ID:          "VENUE4",
		Name:        "DeFi Vault",
		MinLatency:  20,
		MaxLatency:  100,
		Weight:      0.10,
		SuccessRate: 0.90,
	},
}

type MockOptions struct {
	Seed       int64
	Volatility float64 // max absolute hourly return, 0.02 means +/-2%
	Drift      float64 // added to every hourly return
	Failures   bool    // venues fail according to SuccessRate
	Latency    bool    // venues sleep for a random latency
}

// MockProvider values portfolios with a seeded random walk per portfolio and
// splits each valuation across simulated venues. The value for a given
// portfolio and hour never changes once produced.
type MockProvider struct {
	opts   MockOptions
	venues []*Venue

	mu    sync.Mutex
	rng   *rand.Rand
	walks map[uint]map[int64]decimal.Decimal
}

func NewMockProvider(opts MockOptions) *MockProvider {
	if opts.Volatility <= 0 {
		opts.Volatility = 0.02
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &MockProvider{
		opts:   opts,
		venues: mockVenues,
		rng:    rand.New(rand.NewSource(opts.Seed)),
		walks:  make(map[uint]map[int64]decimal.Decimal),
	}
}

// SetValue pins the value reported for a portfolio at an hour.
func (m *MockProvider) SetValue(portfolioID uint, hour time.Time, value decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.walk(portfolioID)[hour.Unix()] = value
}

func (m *MockProvider) CurrentAssetValue(ctx context.Context, p *portfolio.Portfolio, asOf time.Time) (decimal.Decimal, error) {
	logger := log.With().
		Uint("portfolio_id", p.ID).
		Int64("as_of", asOf.Unix()).
		Logger()

	total := m.valueAt(p, asOf)

	// each venue reports its slice; the last one takes the remainder so the
	// slices always add back up to the total
	sum := decimal.Zero
	for i, venue := range m.venues {
		slice := total.Sub(sum)
		if i < len(m.venues)-1 {
			slice = total.Mul(decimal.NewFromFloat(venue.Weight)).RoundBank(8)
		}

		reported, err := m.queryVenue(ctx, venue, slice)
		if err != nil {
			logger.Warn().Err(err).Str("venue_id", venue.ID).Msg("venue balance query failed")
			return decimal.Zero, err
		}
		sum = sum.Add(reported)
	}

	logger.Debug().
		Str("value", sum.String()).
		Int("venues", len(m.venues)).
		Msg("mock valuation produced")

	return sum, nil
}

func (m *MockProvider) queryVenue(ctx context.Context, venue *Venue, balance decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	latency := m.rng.Intn(venue.MaxLatency-venue.MinLatency+1) + venue.MinLatency
	roll := m.rng.Float64()
	m.mu.Unlock()

	if m.opts.Latency {
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-time.After(time.Duration(latency) * time.Millisecond):
		}
	}

	if m.opts.Failures && roll > venue.SuccessRate {
		return decimal.Zero, fmt.Errorf("venue %s unavailable", venue.ID)
	}
	return balance, nil
}

func (m *MockProvider) valueAt(p *portfolio.Portfolio, asOf time.Time) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()

	walk := m.walk(p.ID)
	key := asOf.Unix()
	if v, ok := walk[key]; ok {
		return v
	}

	// continue from the latest known hour before asOf, or from the
	// initial investment when there is none
	start := p.InitialInvestment
	if start.IsZero() {
		start = decimal.NewFromInt(1_000_000)
	}
	var from int64
	found := false
	for k := range walk {
		if k < key && (!found || k > from) {
			from, found = k, true
		}
	}
	if !found {
		walk[key] = m.step(start)
		return walk[key]
	}

	value := walk[from]
	for k := from + 3600; k <= key; k += 3600 {
		if v, ok := walk[k]; ok {
			value = v
			continue
		}
		value = m.step(value)
		walk[k] = value
	}
	return walk[key]
}

func (m *MockProvider) step(value decimal.Decimal) decimal.Decimal {
	ret := (m.rng.Float64()*2-1)*m.opts.Volatility + m.opts.Drift
	return value.Mul(decimal.NewFromFloat(1 + ret)).RoundBank(8)
}

func (m *MockProvider) walk(portfolioID uint) map[int64]decimal.Decimal {
	w, ok := m.walks[portfolioID]
	if !ok {
		w = make(map[int64]decimal.Decimal)
		m.walks[portfolioID] = w
	}
	return w
}

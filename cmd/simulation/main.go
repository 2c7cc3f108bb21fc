package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/ksred/klear-profit/internal/balance"
	"github.com/ksred/klear-profit/internal/config"
	"github.com/ksred/klear-profit/internal/database"
	"github.com/ksred/klear-profit/internal/database/migrations"
	"github.com/ksred/klear-profit/internal/portfolio"
	"github.com/ksred/klear-profit/internal/ratio"
	"github.com/ksred/klear-profit/internal/settlement"
	"github.com/ksred/klear-profit/internal/types"
	"github.com/ksred/klear-profit/internal/valuation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	numHours    = 48
	numWorkers  = 4
	seed        = 20240501
	drainPasses = 10
)

var funds = []struct {
	name       string
	team       string
	investment int64
}{
	{"alpha", "desk-a", 1_000_000},
	{"beta", "desk-a", 250_000},
	{"gamma", "desk-b", 5_000_000},
	{"delta", "desk-c", 750_000},
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// passStats tracks how long each processor pass took
type passStats struct {
	durations []time.Duration
	settled   int
	deferred  int
	failed    int
}

func (ps *passStats) add(d time.Duration, run settlement.RunStats) {
	ps.durations = append(ps.durations, d)
	ps.settled += run.Settled
	ps.deferred += run.Deferred
	ps.failed += run.Failed
}

// calculate returns min, max, mean, median and 95th percentile pass durations
func (ps *passStats) calculate() (min, max, mean, median, p95 time.Duration) {
	if len(ps.durations) == 0 {
		return 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), ps.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]
	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	return
}

type simulation struct {
	directory  *portfolio.Service
	ratios     *ratio.Service
	balances   *balance.Service
	settlement *settlement.Service
	processor  *settlement.Processor
	portfolios []*portfolio.Portfolio
	clock      time.Time
}

// main replays a couple of days of hourly settlement against an in-memory
// database and a seeded mock valuation, then checks that every allocation
// adds back up to the profit it split.
func main() {
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	sim, err := newSimulation(ctx, start)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up simulation")
	}

	stats := &passStats{}
	for hour := 0; hour <= numHours; hour++ {
		// the processor fires a few minutes after each boundary
		sim.setClock(start.Add(time.Duration(hour)*time.Hour + 5*time.Minute))

		if hour == numHours/2 {
			if err := sim.rotateRatios(ctx); err != nil {
				log.Fatal().Err(err).Msg("Failed to rotate ratios")
			}
		}

		if err := sim.pass(ctx, stats); err != nil {
			log.Fatal().Err(err).Msg("Settlement pass failed")
		}
	}

	// deferred hours are retried by later passes, same as the hourly trigger
	for i := 0; i < drainPasses; i++ {
		unsettled, err := sim.unsettled(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to read settlement status")
		}
		if unsettled == 0 {
			break
		}
		log.Info().Int("unsettled", unsettled).Msg("retrying deferred hours")
		if err := sim.pass(ctx, stats); err != nil {
			log.Fatal().Err(err).Msg("Settlement pass failed")
		}
	}

	ok, err := sim.verify(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to verify allocations")
	}
	if err := sim.printBalances(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to list balances")
	}
	printPassStats(stats)

	if !ok {
		os.Exit(1)
	}
}

func newSimulation(ctx context.Context, start time.Time) (*simulation, error) {
	db, err := database.NewInMemory()
	if err != nil {
		return nil, err
	}
	if err := migrations.Run(db); err != nil {
		return nil, err
	}

	valuationCfg := config.Valuation{Timeout: 2 * time.Second, MaxRetries: 3}
	provider := valuation.NewRetryingProvider(
		valuation.NewMockProvider(valuation.MockOptions{Seed: seed, Volatility: 0.01, Drift: 0.0005, Failures: true}),
		valuationCfg,
	)

	sim := &simulation{
		directory: portfolio.NewService(db),
		balances:  balance.NewService(db),
		clock:     start,
	}
	sim.ratios = ratio.NewService(db, sim.directory)
	sim.settlement = settlement.NewService(db, settlement.Deps{
		Portfolios: sim.directory,
		Ratios:     sim.ratios,
		Valuation:  provider,
	})
	sim.processor = settlement.NewProcessor(sim.settlement, config.Scheduler{Workers: numWorkers})
	sim.setClock(start)

	teams := map[string]uint{}
	for _, f := range funds {
		if _, ok := teams[f.team]; !ok {
			team, err := sim.directory.CreateTeam(ctx, portfolio.CreateTeamRequest{Name: f.team})
			if err != nil {
				return nil, fmt.Errorf("failed to create team %s: %w", f.team, err)
			}
			teams[f.team] = team.ID
		}
		teamID := teams[f.team]

		p, err := sim.directory.CreatePortfolio(ctx, portfolio.CreatePortfolioRequest{
			FundName:          f.name,
			TeamID:            &teamID,
			InitialInvestment: decimal.NewFromInt(f.investment),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create portfolio %s: %w", f.name, err)
		}
		if _, err := sim.ratios.Create(ctx, ratio.CreateRequest{PortfolioID: p.ID, ToTeam: 3000, ToPlatform: 1000, ToUser: 6000}); err != nil {
			return nil, fmt.Errorf("failed to create ratio for %s: %w", f.name, err)
		}
		sim.portfolios = append(sim.portfolios, p)
	}

	log.Info().
		Int("portfolios", len(sim.portfolios)).
		Int("teams", len(teams)).
		Int("hours", numHours).
		Msg("simulation seeded")

	return sim, nil
}

func (s *simulation) setClock(t time.Time) {
	s.clock = t
	now := func() time.Time { return s.clock }
	s.settlement.SetClock(now)
	s.ratios.SetClock(now)
}

// rotateRatios gives every team a bigger share from this hour on
func (s *simulation) rotateRatios(ctx context.Context) error {
	for _, p := range s.portfolios {
		r, err := s.ratios.Create(ctx, ratio.CreateRequest{PortfolioID: p.ID, ToTeam: 4000, ToPlatform: 1500, ToUser: 4500})
		if err != nil {
			return err
		}
		log.Info().
			Str("fund", p.FundName).
			Int("version", r.Version).
			Time("effective_from", s.clock).
			Msg("ratio rotated")
	}
	return nil
}

func (s *simulation) pass(ctx context.Context, stats *passStats) error {
	started := time.Now()
	run, err := s.processor.RunOnce(ctx)
	if err != nil {
		return err
	}
	stats.add(time.Since(started), run)
	return nil
}

func (s *simulation) unsettled(ctx context.Context) (int, error) {
	total := 0
	for _, p := range s.portfolios {
		missing, err := s.settlement.MissingHours(ctx, p.ID, s.clock)
		if err != nil {
			return 0, err
		}
		total += len(missing)
	}
	return total, nil
}

// verify checks every log reproduces from its own ratio and that the shares
// of each portfolio sum to its total hourly profit
func (s *simulation) verify(ctx context.Context) (bool, error) {
	ok := true
	for _, p := range s.portfolios {
		page, err := s.settlement.Logs(ctx, p.ID, types.HourRange{}, 1000, 0)
		if err != nil {
			return false, err
		}

		profit := decimal.Zero
		shares := decimal.Zero
		for i := range page.Items {
			entry := &page.Items[i]
			if _, reproduces := settlement.Verify(entry); !reproduces {
				ok = false
				log.Error().Str("log_id", entry.LogID).Msg("allocation does not reproduce")
			}
			profit = profit.Add(entry.HourlyProfit)
			shares = shares.Add(entry.ProfitToTeam).Add(entry.ProfitToPlatform).Add(entry.ProfitToUser)
		}

		event := log.Info()
		if !profit.Equal(shares) {
			ok = false
			event = log.Error()
		}
		event.
			Str("fund", p.FundName).
			Int64("hours", page.Total).
			Str("hourly_profit_sum", profit.String()).
			Str("share_sum", shares.String()).
			Msg("portfolio verified")
	}
	return ok, nil
}

func (s *simulation) printBalances(ctx context.Context) error {
	balances, err := s.balances.List(ctx)
	if err != nil {
		return err
	}

	fmt.Println("\nAccumulated Balances:")
	fmt.Println("=====================")
	for _, b := range balances {
		fmt.Printf("%-10s owner %-3d %s\n", b.Bucket, b.OwnerID, b.Amount.StringFixed(8))
	}
	return nil
}

func printPassStats(stats *passStats) {
	min, max, mean, median, p95 := stats.calculate()

	fmt.Println("\nSettlement Passes:")
	fmt.Println("==================")
	fmt.Printf("Passes: %d\n", len(stats.durations))
	fmt.Printf("Settled: %d, Deferred: %d, Failed: %d\n", stats.settled, stats.deferred, stats.failed)
	fmt.Printf("Min: %v\n", min)
	fmt.Printf("Max: %v\n", max)
	fmt.Printf("Mean: %v\n", mean)
	fmt.Printf("Median: %v\n", median)
	fmt.Printf("95th percentile: %v\n", p95)
}

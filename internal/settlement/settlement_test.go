package settlement

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-profit/internal/balance"
	"github.com/ksred/klear-profit/internal/database"
	"github.com/ksred/klear-profit/internal/events"
	"github.com/ksred/klear-profit/internal/portfolio"
	"github.com/ksred/klear-profit/internal/ratio"
	"github.com/ksred/klear-profit/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func hr(n int) time.Time {
	return t0.Add(time.Duration(n) * time.Hour)
}

// fakeValuer reports scripted asset values per hour
type fakeValuer struct {
	mu     sync.Mutex
	values map[int64]decimal.Decimal
	fail   map[int64]error
	calls  int
}

func newFakeValuer() *fakeValuer {
	return &fakeValuer{values: map[int64]decimal.Decimal{}, fail: map[int64]error{}}
}

func (f *fakeValuer) set(h time.Time, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[h.Unix()] = decimal.RequireFromString(value)
	delete(f.fail, h.Unix())
}

func (f *fakeValuer) failAt(h time.Time, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[h.Unix()] = err
}

func (f *fakeValuer) CurrentAssetValue(ctx context.Context, p *portfolio.Portfolio, asOf time.Time) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.fail[asOf.Unix()]; ok {
		return decimal.Zero, err
	}
	v, ok := f.values[asOf.Unix()]
	if !ok {
		return decimal.Zero, errors.New("no value scripted")
	}
	return v, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Settled
}

func (r *recordingPublisher) PublishSettled(ctx context.Context, evt events.Settled) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

type fixture struct {
	db         *gorm.DB
	svc        *Service
	portfolios *portfolio.Service
	ratios     *ratio.Service
	balances   *balance.Service
	valuer     *fakeValuer
	pub        *recordingPublisher
	team       *portfolio.Team
	p          *portfolio.Portfolio
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := database.NewInMemory()
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&portfolio.Team{}, &portfolio.Portfolio{}, &ratio.AllocationRatio{},
		&Snapshot{}, &AllocationLog{}, &PendingSettlement{},
		&balance.AccumulatedBalance{}, &balance.Entry{},
	))

	f := &fixture{
		db:         db,
		portfolios: portfolio.NewService(db),
		balances:   balance.NewService(db),
		valuer:     newFakeValuer(),
		pub:        &recordingPublisher{},
	}
	f.ratios = ratio.NewService(db, f.portfolios)
	f.svc = NewService(db, Deps{
		Portfolios: f.portfolios,
		Ratios:     f.ratios,
		Valuation:  f.valuer,
		Publisher:  f.pub,
	})
	f.svc.SetClock(func() time.Time { return hr(3).Add(10 * time.Minute) })

	ctx := context.Background()
	f.team, err = f.portfolios.CreateTeam(ctx, portfolio.CreateTeamRequest{Name: "desk-a"})
	require.NoError(t, err)
	f.p = f.newPortfolio(t, "alpha")

	return f
}

func (f *fixture) newPortfolio(t *testing.T, name string) *portfolio.Portfolio {
	t.Helper()
	p, err := f.portfolios.CreatePortfolio(context.Background(), portfolio.CreatePortfolioRequest{
		FundName:          name,
		TeamID:            &f.team.ID,
		InitialInvestment: decimal.NewFromInt(10000),
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) addRatio(t *testing.T, portfolioID uint, at time.Time, team, platform, user int) {
	t.Helper()
	f.ratios.SetClock(func() time.Time { return at })
	_, err := f.ratios.Create(context.Background(), ratio.CreateRequest{
		PortfolioID: portfolioID, ToTeam: team, ToPlatform: platform, ToUser: user,
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, bucket balance.Bucket, owner uint) decimal.Decimal {
	t.Helper()
	bal, err := f.balances.Get(context.Background(), bucket, owner)
	require.NoError(t, err)
	return bal.Amount
}

func (f *fixture) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s got %s", want, got)
}

func TestSettleGainThenLoss(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addRatio(t, f.p.ID, t0, 3000, 1000, 6000)

	f.valuer.set(hr(0), "10000")
	f.valuer.set(hr(1), "11000")
	f.valuer.set(hr(2), "10900")

	first, err := f.svc.Settle(ctx, f.p.ID, hr(0))
	require.NoError(t, err)
	assert.Nil(t, first.PrevSnapshotID)
	assertDecimal(t, "0", first.HourlyProfit)

	gain, err := f.svc.Settle(ctx, f.p.ID, hr(1))
	require.NoError(t, err)
	assertDecimal(t, "1000", gain.HourlyProfit)
	assertDecimal(t, "300", gain.ProfitToTeam)
	assertDecimal(t, "100", gain.ProfitToPlatform)
	assertDecimal(t, "600", gain.ProfitToUser)
	assert.Equal(t, 1, gain.RatioVersion)
	require.NotNil(t, gain.PrevSnapshotID)
	assert.Equal(t, first.CurrSnapshotID, *gain.PrevSnapshotID)

	loss, err := f.svc.Settle(ctx, f.p.ID, hr(2))
	require.NoError(t, err)
	assertDecimal(t, "-100", loss.HourlyProfit)
	assertDecimal(t, "-30", loss.ProfitToTeam)
	assertDecimal(t, "-10", loss.ProfitToPlatform)
	assertDecimal(t, "-60", loss.ProfitToUser)
	assert.True(t, loss.HourlyProfit.Equal(loss.ProfitToTeam.Add(loss.ProfitToPlatform).Add(loss.ProfitToUser)))

	assertDecimal(t, "270", f.balance(t, balance.BucketTeam, f.team.ID))
	assertDecimal(t, "90", f.balance(t, balance.BucketPlatform, 0))
	assertDecimal(t, "540", f.balance(t, balance.BucketUser, 0))

	assert.Equal(t, int64(3), f.count(t, &Snapshot{}))
	assert.Equal(t, int64(9), f.count(t, &balance.Entry{}))
	assert.Len(t, f.pub.events, 3)
	assert.Equal(t, gain.LogID, f.pub.events[1].LogID)
}

func TestSettleNoRatioWritesNothing(t *testing.T) {
	f := setup(t)
	f.addRatio(t, f.p.ID, t0, 3000, 1000, 6000)
	f.valuer.set(hr(-1), "10000")

	_, err := f.svc.Settle(context.Background(), f.p.ID, hr(-1))
	assert.ErrorIs(t, err, types.ErrNoRatioConfigured)
	assert.True(t, types.IsRetryable(err))

	assert.Zero(t, f.count(t, &AllocationLog{}))
	assert.Zero(t, f.count(t, &Snapshot{}))
	assert.Zero(t, f.count(t, &balance.AccumulatedBalance{}))
	assert.Zero(t, f.valuer.calls, "valuation must not be fetched without a ratio")
}

func TestSettleTwiceIsRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addRatio(t, f.p.ID, t0, 3000, 1000, 6000)
	f.valuer.set(hr(0), "10500")

	_, err := f.svc.Settle(ctx, f.p.ID, hr(0))
	require.NoError(t, err)
	before := f.balance(t, balance.BucketUser, 0)

	_, err = f.svc.Settle(ctx, f.p.ID, hr(0))
	assert.ErrorIs(t, err, types.ErrDuplicateSnapshot)
	assert.False(t, types.IsRetryable(err))

	assert.True(t, before.Equal(f.balance(t, balance.BucketUser, 0)))
	assert.Equal(t, int64(1), f.count(t, &AllocationLog{}))
}

func TestSettleConcurrentSameHour(t *testing.T) {
	f := setup(t)
	f.addRatio(t, f.p.ID, t0, 3000, 1000, 6000)
	f.valuer.set(hr(0), "12000")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		dupes     int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Settle(context.Background(), f.p.ID, hr(0))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if errors.Is(err, types.ErrDuplicateSnapshot) {
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 4, dupes)
	assertDecimal(t, "1200", f.balance(t, balance.BucketUser, 0))
}

func TestSettleOrdering(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addRatio(t, f.p.ID, t0, 3000, 1000, 6000)
	for i := 0; i <= 3; i++ {
		f.valuer.set(hr(i), "10000")
	}

	t.Run("skipped hour is a gap", func(t *testing.T) {
		_, err := f.svc.Settle(ctx, f.p.ID, hr(1))
		require.NoError(t, err)

		_, err = f.svc.Settle(ctx, f.p.ID, hr(3))
		assert.ErrorIs(t, err, types.ErrSettlementGap)
		assert.Equal(t, int64(1), f.count(t, &Snapshot{}))
	})

	t.Run("earlier hour after settlement started", func(t *testing.T) {
		_, err := f.svc.Settle(ctx, f.p.ID, hr(0))
		assert.ErrorIs(t, err, types.ErrHourOutOfOrder)
	})

	t.Run("next hour settles", func(t *testing.T) {
		l, err := f.svc.Settle(ctx, f.p.ID, hr(2))
		require.NoError(t, err)
		assert.NotNil(t, l.PrevSnapshotID)
	})
}

func TestSettleValuationFailureWritesNothing(t *testing.T) {
	f := setup(t)
	f.addRatio(t, f.p.ID, t0, 3000, 1000, 6000)
	f.valuer.failAt(hr(0), errors.New("venue timeout"))

	_, err := f.svc.Settle(context.Background(), f.p.ID, hr(0))
	assert.ErrorIs(t, err, types.ErrValuationUnavailable)
	assert.Zero(t, f.count(t, &Snapshot{}))
	assert.Zero(t, f.count(t, &AllocationLog{}))

	f.valuer.set(hr(0), "10000")
	_, err = f.svc.Settle(context.Background(), f.p.ID, hr(0))
	assert.NoError(t, err)
}

func TestSettleLaterRatioDoesNotRewriteHistory(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addRatio(t, f.p.ID, t0, 3000, 1000, 6000)
	f.valuer.set(hr(0), "10000")
	f.valuer.set(hr(1), "11000")
	f.valuer.set(hr(2), "12000")

	_, err := f.svc.Settle(ctx, f.p.ID, hr(0))
	require.NoError(t, err)
	settled, err := f.svc.Settle(ctx, f.p.ID, hr(1))
	require.NoError(t, err)

	f.addRatio(t, f.p.ID, hr(1).Add(30*time.Minute), 0, 5000, 5000)

	next, err := f.svc.Settle(ctx, f.p.ID, hr(2))
	require.NoError(t, err)
	assert.Equal(t, 2, next.RatioVersion)
	assertDecimal(t, "0", next.ProfitToTeam)
	assertDecimal(t, "500", next.ProfitToUser)

	stored, err := f.svc.Log(ctx, settled.LogID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RatioVersion)
	assertDecimal(t, "300", stored.ProfitToTeam)

	res, err := f.svc.VerifyLog(ctx, settled.LogID)
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestSettleRejectsBadInput(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addRatio(t, f.p.ID, t0, 3000, 1000, 6000)

	t.Run("unaligned hour", func(t *testing.T) {
		_, err := f.svc.Settle(ctx, f.p.ID, t0.Add(30*time.Second))
		assert.ErrorIs(t, err, types.ErrInvalidSettlementTime)
	})

	t.Run("unknown portfolio", func(t *testing.T) {
		_, err := f.svc.Settle(ctx, 999, t0)
		assert.ErrorIs(t, err, types.ErrPortfolioNotFound)
	})

	t.Run("portfolio without team", func(t *testing.T) {
		orphan, err := f.portfolios.CreatePortfolio(ctx, portfolio.CreatePortfolioRequest{FundName: "orphan"})
		require.NoError(t, err)
		_, err = f.svc.Settle(ctx, orphan.ID, t0)
		assert.ErrorIs(t, err, types.ErrPortfolioUnassigned)
	})

	t.Run("cancelled context", func(t *testing.T) {
		f.valuer.set(hr(0), "10000")
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := f.svc.Settle(cancelled, f.p.ID, hr(0))
		assert.Error(t, err)
		assert.Zero(t, f.count(t, &Snapshot{}))
	})

	assert.Zero(t, f.count(t, &AllocationLog{}))
}

func TestLogs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addRatio(t, f.p.ID, t0, 3000, 1000, 6000)
	for i := 0; i < 3; i++ {
		f.valuer.set(hr(i), "10000")
		_, err := f.svc.Settle(ctx, f.p.ID, hr(i))
		require.NoError(t, err)
	}

	page, err := f.svc.Logs(ctx, f.p.ID, types.HourRange{}, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, hr(2).Unix(), page.Items[0].HourEndAt)

	page, err = f.svc.Logs(ctx, f.p.ID, types.HourRange{From: hr(1).Unix(), To: hr(2).Unix()}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, hr(1).Unix(), page.Items[0].HourEndAt)

	_, err = f.svc.Log(ctx, "ALC_missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestSettleRejectsHourNotYetEnded(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addRatio(t, f.p.ID, t0, 3000, 1000, 6000)
	f.valuer.set(hr(3), "10000")
	f.valuer.set(hr(4), "10000")
	f.valuer.set(hr(48), "12000")

	for _, hour := range []time.Time{hr(4), hr(48)} {
		_, err := f.svc.Settle(ctx, f.p.ID, hour)
		assert.ErrorIs(t, err, types.ErrInvalidSettlementTime)
		assert.False(t, types.IsRetryable(err))
	}
	assert.Zero(t, f.valuer.calls)
	assert.Zero(t, f.count(t, &Snapshot{}))
	assert.Zero(t, f.count(t, &AllocationLog{}))
	assert.Zero(t, f.count(t, &balance.Entry{}))

	// the hour in progress is settleable; catch-up is undisturbed
	_, err := f.svc.Settle(ctx, f.p.ID, hr(3))
	require.NoError(t, err)

	hours, err := f.svc.MissingHours(ctx, f.p.ID, hr(5).Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{hr(4), hr(5)}, hours)
}

func TestSnapshots(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.addRatio(t, f.p.ID, t0, 3000, 1000, 6000)
	for i := 0; i < 4; i++ {
		f.valuer.set(hr(i), strconv.Itoa(10000+100*i))
		_, err := f.svc.Settle(ctx, f.p.ID, hr(i))
		require.NoError(t, err)
	}

	page, err := f.svc.Snapshots(ctx, f.p.ID, types.HourRange{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), page.Total)
	require.Len(t, page.Items, 4)
	assert.Equal(t, hr(3).Unix(), page.Items[0].HourEndAt)
	assertDecimal(t, "300", page.Items[0].AccProfit)

	page, err = f.svc.Snapshots(ctx, f.p.ID, types.HourRange{From: hr(1).Unix(), To: hr(3).Unix()}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, hr(2).Unix(), page.Items[0].HourEndAt)
	assert.Equal(t, hr(1).Unix(), page.Items[1].HourEndAt)

	page, err = f.svc.Snapshots(ctx, f.p.ID, types.HourRange{From: hr(2).Unix()}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, hr(2).Unix(), page.Items[0].HourEndAt)

	_, err = f.svc.Snapshots(ctx, 999, types.HourRange{}, 0, 0)
	assert.ErrorIs(t, err, types.ErrPortfolioNotFound)
}

func TestPreview(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	t.Run("no ratio yet", func(t *testing.T) {
		_, err := f.svc.Preview(ctx, f.p.ID, decimal.NewFromInt(100), time.Time{})
		assert.ErrorIs(t, err, types.ErrNoRatioConfigured)
	})

	f.addRatio(t, f.p.ID, t0, 3000, 1000, 6000)
	f.addRatio(t, f.p.ID, hr(2), 5000, 0, 5000)

	t.Run("latest ended hour", func(t *testing.T) {
		preview, err := f.svc.Preview(ctx, f.p.ID, decimal.RequireFromString("0.00000001"), time.Time{})
		require.NoError(t, err)
		assert.Equal(t, hr(3), preview.HourEndAt)
		assert.Equal(t, 2, preview.RatioVersion)
		assert.True(t, preview.Profit.Equal(preview.Shares.Sum()))
	})

	t.Run("earlier hour uses its ratio", func(t *testing.T) {
		preview, err := f.svc.Preview(ctx, f.p.ID, decimal.RequireFromString("-1000.000000004"), hr(1))
		require.NoError(t, err)
		assert.Equal(t, 1, preview.RatioVersion)
		assertDecimal(t, "-1000", preview.Profit)
		assertDecimal(t, "-300", preview.Shares.Team)
		assertDecimal(t, "-100", preview.Shares.Platform)
		assertDecimal(t, "-600", preview.Shares.User)
	})

	t.Run("unknown portfolio", func(t *testing.T) {
		_, err := f.svc.Preview(ctx, 999, decimal.NewFromInt(1), time.Time{})
		assert.ErrorIs(t, err, types.ErrPortfolioNotFound)
	})

	assert.Zero(t, f.count(t, &Snapshot{}))
	assert.Zero(t, f.count(t, &AllocationLog{}))
	assert.Zero(t, f.count(t, &balance.Entry{}))
	assert.Zero(t, f.valuer.calls)
}

func TestRangeAndPreviewHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := setup(t)
	f.addRatio(t, f.p.ID, t0, 3000, 1000, 6000)

	h := NewGinHandlers(f.svc)
	router := gin.New()
	router.GET("/portfolios/:portfolio_id/snapshots", h.ListSnapshotsHandler())
	router.GET("/portfolios/:portfolio_id/logs", h.ListLogsHandler())
	router.POST("/portfolios/:portfolio_id/allocation-preview", h.PreviewHandler())

	id := strconv.FormatUint(uint64(f.p.ID), 10)
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"snapshots", http.MethodGet, "/portfolios/" + id + "/snapshots", "", http.StatusOK},
		{"snapshots bounded", http.MethodGet, "/portfolios/" + id + "/snapshots?from=1714554000&to=1714568400", "", http.StatusOK},
		{"snapshots inverted", http.MethodGet, "/portfolios/" + id + "/snapshots?from=1714568400&to=1714554000", "", http.StatusBadRequest},
		{"logs malformed", http.MethodGet, "/portfolios/" + id + "/logs?to=soon", "", http.StatusBadRequest},
		{"preview", http.MethodPost, "/portfolios/" + id + "/allocation-preview", `{"profit":"1000"}`, http.StatusOK},
		{"preview malformed", http.MethodPost, "/portfolios/" + id + "/allocation-preview", `{"profit":"lots"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

package settlement

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-profit/internal/balance"
	"github.com/ksred/klear-profit/internal/events"
	"github.com/ksred/klear-profit/internal/lock"
	"github.com/ksred/klear-profit/internal/metrics"
	"github.com/ksred/klear-profit/internal/portfolio"
	"github.com/ksred/klear-profit/internal/ratio"
	"github.com/ksred/klear-profit/internal/types"
	"github.com/ksred/klear-profit/internal/valuation"
	"github.com/ksred/klear-profit/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const defaultMaxBackfillHours = 168

// PortfolioDirectory is the read-only portfolio lookup settlement depends on
type PortfolioDirectory interface {
	GetPortfolio(ctx context.Context, id uint) (*portfolio.Portfolio, error)
	ListPortfolioIDs(ctx context.Context) ([]uint, error)
}

type RatioResolver interface {
	Resolve(ctx context.Context, portfolioID uint, asOf time.Time) (*ratio.AllocationRatio, error)
}

// Deps are the collaborators of the settlement service. Locker and Publisher
// fall back to an in-process lock and a no-op publisher when nil.
type Deps struct {
	Portfolios       PortfolioDirectory
	Ratios           RatioResolver
	Valuation        valuation.Provider
	Locker           lock.Locker
	Publisher        events.Publisher
	MaxBackfillHours int
}

type Service struct {
	gormDB      *gorm.DB
	db          *Database
	portfolios  PortfolioDirectory
	ratios      RatioResolver
	valuer      valuation.Provider
	locker      lock.Locker
	publisher   events.Publisher
	maxBackfill int
	now         func() time.Time
}

func NewService(gormDB *gorm.DB, deps Deps) *Service {
	s := &Service{
		gormDB:      gormDB,
		db:          NewDatabase(gormDB),
		portfolios:  deps.Portfolios,
		ratios:      deps.Ratios,
		valuer:      deps.Valuation,
		locker:      deps.Locker,
		publisher:   deps.Publisher,
		maxBackfill: deps.MaxBackfillHours,
		now:         time.Now,
	}
	if s.locker == nil {
		s.locker = lock.NewMemoryLocker()
	}
	if s.publisher == nil {
		s.publisher = events.NopPublisher{}
	}
	if s.maxBackfill <= 0 {
		s.maxBackfill = defaultMaxBackfillHours
	}
	return s
}

// SetClock replaces the service clock. It decides which hours have ended and
// may be settled, the current hour of catch-up and status, and event stamps.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Settle allocates the profit of portfolioID for the hour ending at hour.
// It writes the hour's snapshot, the allocation log and the three balance
// increments in one transaction; on any error nothing is written.
func (s *Service) Settle(ctx context.Context, portfolioID uint, hour time.Time) (*AllocationLog, error) {
	start := time.Now()
	entry, err := s.settle(ctx, portfolioID, hour)
	metrics.RecordSettlement(outcome(err), time.Since(start))
	return entry, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "settled"
	case types.IsRetryable(err):
		return "deferred"
	case types.IsValidation(err), errors.Is(err, types.ErrDuplicateSnapshot):
		return "rejected"
	default:
		return "failed"
	}
}

func (s *Service) settle(ctx context.Context, portfolioID uint, hour time.Time) (*AllocationLog, error) {
	if err := types.ValidateHour(hour); err != nil {
		return nil, err
	}
	hour = hour.UTC()
	key := types.HourKey(hour)

	// an hour still in the future has no asset value
	if current := types.TruncateHour(s.now()); hour.After(current) {
		return nil, fmt.Errorf("%w: hour %s has not ended, latest is %s",
			types.ErrInvalidSettlementTime, hour.Format(time.RFC3339), current.Format(time.RFC3339))
	}

	logger := log.With().
		Uint("portfolio_id", portfolioID).
		Time("hour_end_at", hour).
		Str("service", "settlement").
		Logger()

	unlock, err := s.locker.Lock(ctx, lockKey(portfolioID))
	if err != nil {
		return nil, fmt.Errorf("failed to acquire settlement slot: %w", err)
	}
	defer unlock()

	pf, err := s.portfolios.GetPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if pf.TeamID == nil {
		return nil, fmt.Errorf("%w: portfolio %d", types.ErrPortfolioUnassigned, portfolioID)
	}

	exists, err := s.db.SnapshotExists(ctx, portfolioID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check snapshot: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: portfolio %d at %s", types.ErrDuplicateSnapshot, portfolioID, hour.Format(time.RFC3339))
	}

	prev, err := s.previousSnapshot(ctx, portfolioID, key)
	if err != nil {
		return nil, err
	}

	r, err := s.ratios.Resolve(ctx, portfolioID, hour)
	if err != nil {
		logger.Warn().Err(err).Msg("settlement deferred, no ratio in effect")
		return nil, err
	}

	value, err := s.valuer.CurrentAssetValue(ctx, pf, hour)
	if err != nil {
		if !errors.Is(err, types.ErrValuationUnavailable) {
			err = fmt.Errorf("%w: %w", types.ErrValuationUnavailable, err)
		}
		logger.Warn().Err(err).Msg("settlement deferred, asset value unavailable")
		return nil, err
	}

	currAcc := value.Sub(pf.InitialInvestment).RoundBank(Scale)
	prevAcc := decimal.Zero
	var prevID *uint
	if prev != nil {
		prevAcc = prev.AccProfit
		id := prev.ID
		prevID = &id
	}
	hourly := currAcc.Sub(prevAcc)
	shares := Allocate(hourly, r.ToTeam, r.ToPlatform, r.ToUser)

	// last point at which the caller may abandon the hour
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry := &AllocationLog{
		LogID:            "ALC_" + uuid.New().String(),
		PortfolioID:      portfolioID,
		HourEndAt:        key,
		TeamID:           *pf.TeamID,
		PrevSnapshotID:   prevID,
		HourlyProfit:     hourly,
		ProfitToTeam:     shares.Team,
		ProfitToPlatform: shares.Platform,
		ProfitToUser:     shares.User,
		RatioID:          r.ID,
		RatioVersion:     r.Version,
		RatioToTeam:      r.ToTeam,
		RatioToPlatform:  r.ToPlatform,
		RatioToUser:      r.ToUser,
	}

	err = s.gormDB.WithContext(context.WithoutCancel(ctx)).Transaction(func(tx *gorm.DB) error {
		snap := &Snapshot{
			PortfolioID: portfolioID,
			HourEndAt:   key,
			AssetValue:  value.RoundBank(Scale),
			AccProfit:   currAcc,
		}
		if err := CreateSnapshotTx(tx, snap); err != nil {
			return err
		}

		entry.CurrSnapshotID = snap.ID
		if err := CreateLogTx(tx, entry); err != nil {
			return err
		}

		if err := balance.ApplyAll(tx, entry.deltas()...); err != nil {
			return err
		}

		return ClearPendingTx(tx, portfolioID, key)
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to commit settlement")
		if errors.Is(err, types.ErrDuplicateSnapshot) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}

	metrics.RecordSettledHour(portfolioID, hour)
	s.publish(ctx, entry)

	logger.Info().
		Str("log_id", entry.LogID).
		Str("hourly_profit", hourly.String()).
		Str("to_team", shares.Team.String()).
		Str("to_platform", shares.Platform.String()).
		Str("to_user", shares.User.String()).
		Int("ratio_version", r.Version).
		Msg("hour settled")

	return entry, nil
}

// previousSnapshot returns the snapshot of the hour before key. It is nil
// only for a portfolio's first settlement; a missing previous hour after
// settlement has started is a gap, and an hour before the last settled one
// is out of order.
func (s *Service) previousSnapshot(ctx context.Context, portfolioID uint, key int64) (*Snapshot, error) {
	last, err := s.db.LastLog(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch last allocation: %w", err)
	}
	if last == nil {
		return nil, nil
	}

	prevKey := key - int64(time.Hour/time.Second)
	switch {
	case last.HourEndAt > key:
		return nil, fmt.Errorf("%w: last settled %s", types.ErrHourOutOfOrder, types.HourFromKey(last.HourEndAt).Format(time.RFC3339))
	case last.HourEndAt < prevKey:
		return nil, fmt.Errorf("%w: last settled %s", types.ErrSettlementGap, types.HourFromKey(last.HourEndAt).Format(time.RFC3339))
	}

	prev, err := s.db.GetSnapshot(ctx, portfolioID, prevKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch previous snapshot: %w", err)
	}
	if prev == nil {
		return nil, fmt.Errorf("%w: snapshot missing for %s", types.ErrSettlementGap, types.HourFromKey(prevKey).Format(time.RFC3339))
	}
	return prev, nil
}

func (l *AllocationLog) deltas() []balance.Delta {
	delta := func(bucket balance.Bucket, owner uint, amount decimal.Decimal) balance.Delta {
		return balance.Delta{
			Bucket:    bucket,
			OwnerID:   owner,
			Amount:    amount,
			Source:    balance.SourceFund,
			Reference: l.LogID,
			HourEndAt: l.HourEndAt,
		}
	}
	return []balance.Delta{
		delta(balance.BucketTeam, l.TeamID, l.ProfitToTeam),
		delta(balance.BucketPlatform, 0, l.ProfitToPlatform),
		delta(balance.BucketUser, 0, l.ProfitToUser),
	}
}

func (s *Service) publish(ctx context.Context, l *AllocationLog) {
	evt := events.Settled{
		LogID:            l.LogID,
		PortfolioID:      l.PortfolioID,
		TeamID:           l.TeamID,
		HourEndAt:        types.HourFromKey(l.HourEndAt),
		HourlyProfit:     l.HourlyProfit,
		ProfitToTeam:     l.ProfitToTeam,
		ProfitToPlatform: l.ProfitToPlatform,
		ProfitToUser:     l.ProfitToUser,
		RatioVersion:     l.RatioVersion,
		SettledAt:        s.now().UTC(),
	}
	if err := s.publisher.PublishSettled(context.WithoutCancel(ctx), evt); err != nil {
		log.Warn().Err(err).Str("log_id", l.LogID).Msg("failed to publish settlement event")
	}
}

func lockKey(portfolioID uint) string {
	return fmt.Sprintf("portfolio:%d", portfolioID)
}

// Logs pages through the allocation logs of a portfolio within r, newest first
func (s *Service) Logs(ctx context.Context, portfolioID uint, r types.HourRange, limit, offset int) (*types.Page[AllocationLog], error) {
	if _, err := s.portfolios.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}
	limit, offset = types.NormalizePage(limit, offset)
	logs, total, err := s.db.ListLogs(ctx, portfolioID, r, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocation logs: %w", err)
	}
	return &types.Page[AllocationLog]{Items: logs, Total: total, Limit: limit, Offset: offset}, nil
}

// Snapshots pages through the accumulated-profit series of a portfolio
func (s *Service) Snapshots(ctx context.Context, portfolioID uint, r types.HourRange, limit, offset int) (*types.Page[Snapshot], error) {
	if _, err := s.portfolios.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}
	limit, offset = types.NormalizePage(limit, offset)
	snaps, total, err := s.db.ListSnapshots(ctx, portfolioID, r, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return &types.Page[Snapshot]{Items: snaps, Total: total, Limit: limit, Offset: offset}, nil
}

// Preview splits profit with the ratio in effect at hour, as Settle would.
// A zero hour means the latest ended hour. Nothing is written.
func (s *Service) Preview(ctx context.Context, portfolioID uint, profit decimal.Decimal, hour time.Time) (*Preview, error) {
	if hour.IsZero() {
		hour = types.TruncateHour(s.now())
	}
	if _, err := s.portfolios.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, err
	}

	r, err := s.ratios.Resolve(ctx, portfolioID, hour)
	if err != nil {
		return nil, err
	}

	profit = profit.RoundBank(Scale)
	return &Preview{
		PortfolioID:     portfolioID,
		HourEndAt:       hour.UTC(),
		Profit:          profit,
		RatioVersion:    r.Version,
		RatioToTeam:     r.ToTeam,
		RatioToPlatform: r.ToPlatform,
		RatioToUser:     r.ToUser,
		Shares:          Allocate(profit, r.ToTeam, r.ToPlatform, r.ToUser),
	}, nil
}

func (s *Service) Log(ctx context.Context, logID string) (*AllocationLog, error) {
	return s.db.GetLog(ctx, logID)
}

// VerifyLog recomputes a stored allocation from its own ratio and profit
func (s *Service) VerifyLog(ctx context.Context, logID string) (*VerifyResponse, error) {
	l, err := s.db.GetLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	expected, ok := Verify(l)
	if !ok {
		log.Error().Str("log_id", logID).Msg("allocation log does not reproduce")
	}
	return &VerifyResponse{LogID: logID, Verified: ok, Expected: expected}, nil
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// SettleHandler settles one hour on demand
func (h *GinHandlers) SettleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolioID, ok := portfolio.ParseID(c, "portfolio_id")
		if !ok {
			return
		}

		var req SettleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		entry, err := h.service.Settle(c.Request.Context(), portfolioID, types.HourFromKey(req.HourEndAt))
		response.Handle(c, entry, err)
	}
}

func (h *GinHandlers) CatchUpHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolioID, ok := portfolio.ParseID(c, "portfolio_id")
		if !ok {
			return
		}
		if _, err := h.service.portfolios.GetPortfolio(c.Request.Context(), portfolioID); err != nil {
			response.Handle(c, nil, err)
			return
		}

		res, err := h.service.CatchUp(c.Request.Context(), portfolioID, h.service.now())
		response.Handle(c, res, err)
	}
}

func (h *GinHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolioID, ok := portfolio.ParseID(c, "portfolio_id")
		if !ok {
			return
		}

		status, err := h.service.Status(c.Request.Context(), portfolioID, h.service.now())
		response.Handle(c, status, err)
	}
}

func (h *GinHandlers) ListLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolioID, ok := portfolio.ParseID(c, "portfolio_id")
		if !ok {
			return
		}
		r, err := types.ParseHourRange(c.Query("from"), c.Query("to"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		offset, _ := strconv.Atoi(c.Query("offset"))

		page, err := h.service.Logs(c.Request.Context(), portfolioID, r, limit, offset)
		response.Handle(c, page, err)
	}
}

// ListSnapshotsHandler lists accumulated-profit snapshots, optionally
// bounded by from (inclusive) and to (exclusive) Unix hours
func (h *GinHandlers) ListSnapshotsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolioID, ok := portfolio.ParseID(c, "portfolio_id")
		if !ok {
			return
		}
		r, err := types.ParseHourRange(c.Query("from"), c.Query("to"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		limit, _ := strconv.Atoi(c.Query("limit"))
		offset, _ := strconv.Atoi(c.Query("offset"))

		page, err := h.service.Snapshots(c.Request.Context(), portfolioID, r, limit, offset)
		response.Handle(c, page, err)
	}
}

func (h *GinHandlers) PreviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolioID, ok := portfolio.ParseID(c, "portfolio_id")
		if !ok {
			return
		}

		var req PreviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		var hour time.Time
		if req.HourEndAt != 0 {
			hour = types.HourFromKey(req.HourEndAt)
		}

		preview, err := h.service.Preview(c.Request.Context(), portfolioID, req.Profit, hour)
		response.Handle(c, preview, err)
	}
}

func (h *GinHandlers) GetLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := h.service.Log(c.Request.Context(), c.Param("log_id"))
		response.Handle(c, entry, err)
	}
}

func (h *GinHandlers) VerifyLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := h.service.VerifyLog(c.Request.Context(), c.Param("log_id"))
		response.Handle(c, res, err)
	}
}

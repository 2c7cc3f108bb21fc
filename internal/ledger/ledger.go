// Package ledger records withdrawals and reallocations against the
// accumulated profit balances that settlement credits.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-profit/internal/balance"
	"github.com/ksred/klear-profit/internal/portfolio"
	"github.com/ksred/klear-profit/internal/types"
	"github.com/ksred/klear-profit/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const defaultSummaryWindow = 30 * 24 * time.Hour

type TeamLookup interface {
	GetTeam(ctx context.Context, id uint) (*portfolio.Team, error)
}

type Service struct {
	gormDB   *gorm.DB
	db       *Database
	balances *balance.Database
	teams    TeamLookup
	now      func() time.Time
}

func NewService(gormDB *gorm.DB, teams TeamLookup) *Service {
	return &Service{
		gormDB:   gormDB,
		db:       NewDatabase(gormDB),
		balances: balance.NewDatabase(gormDB),
		teams:    teams,
		now:      time.Now,
	}
}

// SetClock replaces the clock that attributes balance changes to an hour
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// journalHour is the hour a manual balance change is booked under: the
// hour in progress, keyed by its end like settlement credits.
func (s *Service) journalHour() int64 {
	return types.HourKey(types.TruncateHour(s.now()).Add(time.Hour))
}

// Withdraw records a payout and debits its balance in one transaction. The
// balance may not go negative.
func (s *Service) Withdraw(ctx context.Context, req WithdrawalRequest) (*Withdrawal, error) {
	logger := log.With().
		Str("bucket", string(req.Bucket)).
		Uint("owner_id", req.OwnerID).
		Str("transaction_hash", req.TransactionHash).
		Str("service", "ledger").
		Logger()

	if !req.USDValue.IsPositive() || !req.AssetAmount.IsPositive() {
		return nil, fmt.Errorf("%w: usd_value and asset_amount", types.ErrInvalidAmount)
	}
	if err := s.checkOwner(ctx, req.Bucket, req.OwnerID); err != nil {
		return nil, err
	}

	w := &Withdrawal{
		WithdrawalID:    "WDR_" + uuid.New().String(),
		Bucket:          req.Bucket,
		OwnerID:         req.OwnerID,
		ChainID:         req.ChainID,
		TransactionHash: req.TransactionHash,
		TransactionTime: req.TransactionTime,
		Asset:           req.Asset,
		AssetAmount:     req.AssetAmount.RoundBank(8),
		USDValue:        req.USDValue.RoundBank(8),
		CreatedBy:       req.CreatedBy,
		CreatedAt:       s.now().UTC(),
	}

	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(w).Error; err != nil {
			return err
		}
		_, err := balance.Apply(tx, balance.Delta{
			Bucket:     w.Bucket,
			OwnerID:    w.OwnerID,
			Amount:     w.USDValue.Neg(),
			Source:     balance.SourceWithdraw,
			Reference:  w.WithdrawalID,
			HourEndAt:  s.journalHour(),
			NoOverdraw: true,
		})
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Msg("withdrawal rejected")
		if errors.Is(err, types.ErrInsufficientBalance) || errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record withdrawal: %w", err)
	}

	logger.Info().
		Str("withdrawal_id", w.WithdrawalID).
		Str("usd_value", w.USDValue.String()).
		Str("asset", w.Asset).
		Msg("withdrawal recorded")
	return w, nil
}

// Reallocate moves usd_value from one balance to another in one transaction.
// The source balance may not go negative.
func (s *Service) Reallocate(ctx context.Context, req ReallocationRequest) (*Reallocation, error) {
	logger := log.With().
		Str("from_bucket", string(req.FromBucket)).
		Uint("from_owner_id", req.FromOwnerID).
		Str("to_bucket", string(req.ToBucket)).
		Uint("to_owner_id", req.ToOwnerID).
		Str("service", "ledger").
		Logger()

	if !req.USDValue.IsPositive() {
		return nil, fmt.Errorf("%w: usd_value", types.ErrInvalidAmount)
	}
	if err := s.checkOwner(ctx, req.FromBucket, req.FromOwnerID); err != nil {
		return nil, err
	}
	if err := s.checkOwner(ctx, req.ToBucket, req.ToOwnerID); err != nil {
		return nil, err
	}
	if req.FromBucket == req.ToBucket && req.FromOwnerID == req.ToOwnerID {
		return nil, fmt.Errorf("%w: source and destination are the same balance", types.ErrInvalidBucket)
	}

	r := &Reallocation{
		ReallocationID: "RAL_" + uuid.New().String(),
		FromBucket:     req.FromBucket,
		FromOwnerID:    req.FromOwnerID,
		ToBucket:       req.ToBucket,
		ToOwnerID:      req.ToOwnerID,
		USDValue:       req.USDValue.RoundBank(8),
		Reason:         req.Reason,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      s.now().UTC(),
	}

	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(r).Error; err != nil {
			return err
		}
		hour := s.journalHour()
		// locks both rows in bucket/owner order
		return balance.ApplyAll(tx,
			balance.Delta{
				Bucket:     r.FromBucket,
				OwnerID:    r.FromOwnerID,
				Amount:     r.USDValue.Neg(),
				Source:     balance.SourceReallocation,
				Reference:  r.ReallocationID,
				HourEndAt:  hour,
				NoOverdraw: true,
			},
			balance.Delta{
				Bucket:    r.ToBucket,
				OwnerID:   r.ToOwnerID,
				Amount:    r.USDValue,
				Source:    balance.SourceReallocation,
				Reference: r.ReallocationID,
				HourEndAt: hour,
			},
		)
	})
	if err != nil {
		logger.Warn().Err(err).Msg("reallocation rejected")
		if errors.Is(err, types.ErrInsufficientBalance) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record reallocation: %w", err)
	}

	logger.Info().
		Str("reallocation_id", r.ReallocationID).
		Str("usd_value", r.USDValue.String()).
		Msg("reallocation recorded")
	return r, nil
}

// checkOwner validates a bucket and, for team balances, that the team exists
func (s *Service) checkOwner(ctx context.Context, bucket balance.Bucket, ownerID uint) error {
	if !bucket.Valid() {
		return fmt.Errorf("%w: %q", types.ErrInvalidBucket, bucket)
	}
	if bucket != balance.BucketTeam {
		if ownerID != 0 {
			return fmt.Errorf("%w: %s balances have no owner", types.ErrInvalidBucket, bucket)
		}
		return nil
	}
	if _, err := s.teams.GetTeam(ctx, ownerID); err != nil {
		return fmt.Errorf("failed to fetch team %d: %w", ownerID, err)
	}
	return nil
}

func (s *Service) Withdrawals(ctx context.Context, bucket balance.Bucket, limit, offset int) (*types.Page[Withdrawal], error) {
	limit, offset = types.NormalizePage(limit, offset)
	items, total, err := s.db.ListWithdrawals(ctx, bucket, limit, offset)
	if err != nil {
		return nil, err
	}
	return &types.Page[Withdrawal]{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *Service) Reallocations(ctx context.Context, limit, offset int) (*types.Page[Reallocation], error) {
	limit, offset = types.NormalizePage(limit, offset)
	items, total, err := s.db.ListReallocations(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	return &types.Page[Reallocation]{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// Summary reports balances and the money that moved in a window: profit
// credited by settlement for hours ending in it, withdrawals by transaction
// time and reallocations by creation time. A team narrows every figure to
// that team's balance.
func (s *Service) Summary(ctx context.Context, req SummaryRequest) (*Summary, error) {
	to := req.To
	if to.IsZero() {
		to = s.now()
	}
	from := req.From
	if from.IsZero() {
		from = to.Add(-defaultSummaryWindow)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: from must be before to", types.ErrInvalidRange)
	}

	owner := ownerFilter{}
	if req.TeamID != nil {
		if _, err := s.teams.GetTeam(ctx, *req.TeamID); err != nil {
			return nil, fmt.Errorf("failed to fetch team %d: %w", *req.TeamID, err)
		}
		owner = ownerFilter{bucket: balance.BucketTeam, ownerID: *req.TeamID}
	}

	balances, err := s.balances.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	credits, err := s.db.Credits(ctx, owner, types.HourRange{From: from.Unix(), To: to.Unix()})
	if err != nil {
		return nil, fmt.Errorf("failed to sum settlement credits: %w", err)
	}
	withdrawals, err := s.db.WithdrawalsBetween(ctx, owner, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to sum withdrawals: %w", err)
	}
	reallocations, err := s.db.ReallocationsBetween(ctx, owner, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to sum reallocations: %w", err)
	}

	summary := &Summary{
		From:        from.UTC(),
		To:          to.UTC(),
		Balances:    []balance.AccumulatedBalance{},
		Credited:    map[balance.Bucket]decimal.Decimal{},
		Withdrawals: map[balance.Bucket]Flow{},
	}
	for _, b := range balances {
		if owner.matches(b.Bucket, b.OwnerID) {
			summary.Balances = append(summary.Balances, b)
		}
	}
	for _, e := range credits {
		summary.Credited[e.Bucket] = summary.Credited[e.Bucket].Add(e.Delta)
	}
	for _, w := range withdrawals {
		summary.Withdrawals[w.Bucket] = summary.Withdrawals[w.Bucket].add(w.USDValue)
	}
	for _, r := range reallocations {
		summary.Reallocations = summary.Reallocations.add(r.USDValue)
	}
	return summary, nil
}

// GinHandlers contains HTTP handlers for withdrawal and reallocation endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) CreateWithdrawalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req WithdrawalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.CreatedBy = c.GetString("clientID")

		w, err := h.service.Withdraw(c.Request.Context(), req)
		response.Handle(c, w, err)
	}
}

func (h *GinHandlers) ListWithdrawalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		offset, _ := strconv.Atoi(c.Query("offset"))

		page, err := h.service.Withdrawals(c.Request.Context(), balance.Bucket(c.Query("bucket")), limit, offset)
		response.Handle(c, page, err)
	}
}

func (h *GinHandlers) CreateReallocationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReallocationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.CreatedBy = c.GetString("clientID")

		r, err := h.service.Reallocate(c.Request.Context(), req)
		response.Handle(c, r, err)
	}
}

func (h *GinHandlers) ListReallocationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		offset, _ := strconv.Atoi(c.Query("offset"))

		page, err := h.service.Reallocations(c.Request.Context(), limit, offset)
		response.Handle(c, page, err)
	}
}

// SummaryHandler serves /summary?team_id=&from=&to= with Unix-second bounds
func (h *GinHandlers) SummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, err := types.ParseHourRange(c.Query("from"), c.Query("to"))
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		var req SummaryRequest
		if r.From > 0 {
			req.From = time.Unix(r.From, 0)
		}
		if r.To > 0 {
			req.To = time.Unix(r.To, 0)
		}
		if raw := c.Query("team_id"); raw != "" {
			teamID, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				response.BadRequest(c, "invalid team_id")
				return
			}
			id := uint(teamID)
			req.TeamID = &id
		}

		summary, err := h.service.Summary(c.Request.Context(), req)
		response.Handle(c, summary, err)
	}
}

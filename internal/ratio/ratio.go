package ratio

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-profit/internal/portfolio"
	"github.com/ksred/klear-profit/internal/types"
	"github.com/ksred/klear-profit/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// PortfolioLookup is the slice of the portfolio directory the ratio service needs
type PortfolioLookup interface {
	GetPortfolio(ctx context.Context, id uint) (*portfolio.Portfolio, error)
}

// Service manages versioned allocation ratios and resolves the ratio in
// effect at a settlement hour
type Service struct {
	db         *Database
	portfolios PortfolioLookup
	now        func() time.Time
}

func NewService(gormDB *gorm.DB, portfolios PortfolioLookup) *Service {
	return &Service{
		db:         NewDatabase(gormDB),
		portfolios: portfolios,
		now:        time.Now,
	}
}

// SetClock replaces the clock used to stamp new ratio versions
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Validate checks a split before it is stored. Broken rows are rejected here,
// never at settlement time.
func Validate(toTeam, toPlatform, toUser int) error {
	if toTeam < 0 || toPlatform < 0 || toUser < 0 {
		return fmt.Errorf("%w: team=%d platform=%d user=%d", types.ErrInvalidRatio, toTeam, toPlatform, toUser)
	}
	if sum := toTeam + toPlatform + toUser; sum != BasisPoints {
		return fmt.Errorf("%w: got %d", types.ErrRatioSumInvalid, sum)
	}
	return nil
}

// Create stores a new ratio version for a portfolio
func (s *Service) Create(ctx context.Context, req CreateRequest) (*AllocationRatio, error) {
	logger := log.With().
		Uint("portfolio_id", req.PortfolioID).
		Str("service", "ratio").
		Logger()

	if err := Validate(req.ToTeam, req.ToPlatform, req.ToUser); err != nil {
		logger.Warn().Err(err).Msg("rejected allocation ratio")
		return nil, err
	}

	if _, err := s.portfolios.GetPortfolio(ctx, req.PortfolioID); err != nil {
		return nil, err
	}

	r := &AllocationRatio{
		PortfolioID: req.PortfolioID,
		ToTeam:      req.ToTeam,
		ToPlatform:  req.ToPlatform,
		ToUser:      req.ToUser,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.db.CreateNextVersion(ctx, r); err != nil {
		logger.Error().Err(err).Msg("failed to create allocation ratio")
		return nil, fmt.Errorf("failed to create allocation ratio: %w", err)
	}

	logger.Info().
		Int("version", r.Version).
		Int("to_team", r.ToTeam).
		Int("to_platform", r.ToPlatform).
		Int("to_user", r.ToUser).
		Msg("allocation ratio created")
	return r, nil
}

// Resolve returns the ratio in effect at hour boundary asOf: the highest
// version whose creation time is not after asOf.
func (s *Service) Resolve(ctx context.Context, portfolioID uint, asOf time.Time) (*AllocationRatio, error) {
	if err := types.ValidateHour(asOf); err != nil {
		return nil, err
	}

	ratios, err := s.db.ListByPortfolio(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch allocation ratios: %w", err)
	}

	for i := range ratios {
		if !ratios[i].CreatedAt.After(asOf) {
			return &ratios[i], nil
		}
	}
	return nil, fmt.Errorf("%w: portfolio %d at %s", types.ErrNoRatioConfigured, portfolioID, asOf.UTC().Format(time.RFC3339))
}

func (s *Service) List(ctx context.Context, portfolioID uint) ([]AllocationRatio, error) {
	return s.db.ListByPortfolio(ctx, portfolioID)
}

func (s *Service) GetVersion(ctx context.Context, portfolioID uint, version int) (*AllocationRatio, error) {
	return s.db.GetVersion(ctx, portfolioID, version)
}

// GinHandlers contains HTTP handlers for allocation ratio endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) CreateRatioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolioID, ok := portfolio.ParseID(c, "portfolio_id")
		if !ok {
			return
		}

		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.PortfolioID = portfolioID
		req.CreatedBy = c.GetString("clientID")

		r, err := h.service.Create(c.Request.Context(), req)
		response.Handle(c, r, err)
	}
}

func (h *GinHandlers) ListRatiosHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolioID, ok := portfolio.ParseID(c, "portfolio_id")
		if !ok {
			return
		}

		ratios, err := h.service.List(c.Request.Context(), portfolioID)
		response.Handle(c, ratios, err)
	}
}

// EffectiveRatioHandler resolves the ratio at ?as_of=<unix seconds>, defaulting
// to the current hour boundary
func (h *GinHandlers) EffectiveRatioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolioID, ok := portfolio.ParseID(c, "portfolio_id")
		if !ok {
			return
		}

		asOf := types.TruncateHour(time.Now())
		if raw := c.Query("as_of"); raw != "" {
			unix, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				response.BadRequest(c, "as_of must be unix seconds")
				return
			}
			asOf = time.Unix(unix, 0).UTC()
		}

		r, err := h.service.Resolve(c.Request.Context(), portfolioID, asOf)
		if errors.Is(err, types.ErrNoRatioConfigured) {
			response.NotFound(c, err.Error())
			return
		}
		response.Handle(c, r, err)
	}
}

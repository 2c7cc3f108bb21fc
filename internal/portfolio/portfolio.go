package portfolio

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-profit/internal/types"
	"github.com/ksred/klear-profit/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service is the read-mostly portfolio/team directory. Settlement only looks
// portfolios up; creation exists for administration and seeding.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

func (s *Service) CreateTeam(ctx context.Context, req CreateTeamRequest) (*Team, error) {
	team := &Team{Name: req.Name}
	if err := s.db.CreateTeam(ctx, team); err != nil {
		return nil, fmt.Errorf("failed to create team: %w", err)
	}
	log.Info().Uint("team_id", team.ID).Str("name", team.Name).Msg("team created")
	return team, nil
}

// CreatePortfolio registers a portfolio. The team and parent, when given, must exist.
func (s *Service) CreatePortfolio(ctx context.Context, req CreatePortfolioRequest) (*Portfolio, error) {
	if req.InitialInvestment.IsNegative() {
		return nil, fmt.Errorf("%w: initial investment", types.ErrInvalidAmount)
	}
	if req.TeamID != nil {
		if _, err := s.db.GetTeam(ctx, *req.TeamID); err != nil {
			return nil, fmt.Errorf("failed to fetch team %d: %w", *req.TeamID, err)
		}
	}
	if req.ParentID != nil {
		if _, err := s.db.GetPortfolio(ctx, *req.ParentID); err != nil {
			return nil, fmt.Errorf("failed to fetch parent portfolio %d: %w", *req.ParentID, err)
		}
	}

	p := &Portfolio{
		FundName:          req.FundName,
		FundAlias:         req.FundAlias,
		TeamID:            req.TeamID,
		ParentID:          req.ParentID,
		InitialInvestment: req.InitialInvestment.RoundBank(8),
	}
	if err := s.db.CreatePortfolio(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create portfolio: %w", err)
	}

	log.Info().
		Uint("portfolio_id", p.ID).
		Str("fund_name", p.FundName).
		Msg("portfolio created")
	return p, nil
}

func (s *Service) GetTeam(ctx context.Context, id uint) (*Team, error) {
	return s.db.GetTeam(ctx, id)
}

func (s *Service) GetPortfolio(ctx context.Context, id uint) (*Portfolio, error) {
	return s.db.GetPortfolio(ctx, id)
}

func (s *Service) ListPortfolios(ctx context.Context) ([]Portfolio, error) {
	return s.db.ListPortfolios(ctx)
}

func (s *Service) ListPortfolioIDs(ctx context.Context) ([]uint, error) {
	return s.db.ListPortfolioIDs(ctx)
}

// GinHandlers contains HTTP handlers for the portfolio directory
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func (h *GinHandlers) CreateTeamHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateTeamRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		team, err := h.service.CreateTeam(c.Request.Context(), req)
		response.Handle(c, team, err)
	}
}

func (h *GinHandlers) CreatePortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreatePortfolioRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		p, err := h.service.CreatePortfolio(c.Request.Context(), req)
		response.Handle(c, p, err)
	}
}

func (h *GinHandlers) GetPortfolioHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ParseID(c, "portfolio_id")
		if !ok {
			return
		}

		p, err := h.service.GetPortfolio(c.Request.Context(), id)
		response.Handle(c, p, err)
	}
}

func (h *GinHandlers) ListPortfoliosHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolios, err := h.service.ListPortfolios(c.Request.Context())
		response.Handle(c, portfolios, err)
	}
}

// ParseID reads a numeric path parameter, writing a 400 response when it is malformed
func ParseID(c *gin.Context, param string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(param), 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, fmt.Sprintf("invalid %s", param))
		return 0, false
	}
	return uint(id), true
}

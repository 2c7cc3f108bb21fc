package portfolio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-profit/internal/database"
	"github.com/ksred/klear-profit/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newService(t *testing.T) *Service {
	t.Helper()
	db, err := database.NewInMemory()
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Team{}, &Portfolio{}))
	return NewService(db)
}

func TestCreatePortfolio(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	team, err := svc.CreateTeam(ctx, CreateTeamRequest{Name: "desk-a"})
	require.NoError(t, err)

	parent, err := svc.CreatePortfolio(ctx, CreatePortfolioRequest{FundName: "master"})
	require.NoError(t, err)
	assert.Nil(t, parent.TeamID)

	p, err := svc.CreatePortfolio(ctx, CreatePortfolioRequest{
		FundName:          "alpha",
		TeamID:            &team.ID,
		ParentID:          &parent.ID,
		InitialInvestment: decimal.RequireFromString("1000.123456789"),
	})
	require.NoError(t, err)
	assert.Equal(t, "1000.12345679", p.InitialInvestment.String())

	got, err := svc.GetPortfolio(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TeamID)
	assert.Equal(t, team.ID, *got.TeamID)

	ids, err := svc.ListPortfolioIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint{parent.ID, p.ID}, ids)
}

func TestCreatePortfolioRejects(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.CreatePortfolio(ctx, CreatePortfolioRequest{FundName: "alpha"})
	require.NoError(t, err)

	missing := uint(99)
	tests := []struct {
		name    string
		req     CreatePortfolioRequest
		wantErr error
	}{
		{"negative investment", CreatePortfolioRequest{FundName: "beta", InitialInvestment: decimal.NewFromInt(-1)}, types.ErrInvalidAmount},
		{"unknown team", CreatePortfolioRequest{FundName: "beta", TeamID: &missing}, gorm.ErrRecordNotFound},
		{"unknown parent", CreatePortfolioRequest{FundName: "beta", ParentID: &missing}, types.ErrPortfolioNotFound},
		{"duplicate fund name", CreatePortfolioRequest{FundName: "alpha"}, gorm.ErrDuplicatedKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreatePortfolio(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGetPortfolioHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newService(t)
	p, err := svc.CreatePortfolio(context.Background(), CreatePortfolioRequest{FundName: "alpha"})
	require.NoError(t, err)

	router := gin.New()
	router.GET("/portfolios/:portfolio_id", NewGinHandlers(svc).GetPortfolioHandler())

	tests := []struct {
		name string
		path string
		want int
	}{
		{"found", "/portfolios/" + strconv.FormatUint(uint64(p.ID), 10), http.StatusOK},
		{"missing", "/portfolios/404", http.StatusNotFound},
		{"malformed id", "/portfolios/abc", http.StatusBadRequest},
		{"zero id", "/portfolios/0", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}


package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
)

type Team struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;size:255;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Portfolio is a tracked investment account whose profit is allocated hourly.
// InitialInvestment is the profit basis: accumulated profit is the current
// asset value minus this amount.
type Portfolio struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	FundName          string          `gorm:"uniqueIndex;size:255;not null" json:"fund_name"`
	FundAlias         string          `gorm:"size:255" json:"fund_alias"`
	TeamID            *uint           `gorm:"index" json:"team_id,omitempty"`
	ParentID          *uint           `gorm:"index" json:"parent_id,omitempty"`
	InitialInvestment decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"initial_investment"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type CreateTeamRequest struct {
	Name string `json:"name" binding:"required"`
}

type CreatePortfolioRequest struct {
	FundName          string          `json:"fund_name" binding:"required"`
	FundAlias         string          `json:"fund_alias"`
	TeamID            *uint           `json:"team_id"`
	ParentID          *uint           `json:"parent_id"`
	InitialInvestment decimal.Decimal `json:"initial_investment"`
}

package ratio

import "time"

// BasisPoints is the whole that the three ratio parts must add up to.
const BasisPoints = 10000

// AllocationRatio is one immutable version of a portfolio's profit split,
// expressed in basis points. Corrections insert a new version.
type AllocationRatio struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PortfolioID uint      `gorm:"uniqueIndex:idx_ratio_portfolio_version;not null" json:"portfolio_id"`
	Version     int       `gorm:"uniqueIndex:idx_ratio_portfolio_version;not null" json:"version"`
	ToTeam      int       `gorm:"not null;check:chk_ratio_team,to_team >= 0" json:"to_team"`
	ToPlatform  int       `gorm:"not null;check:chk_ratio_platform,to_platform >= 0" json:"to_platform"`
	ToUser      int       `gorm:"not null;check:chk_ratio_sum,to_team + to_platform + to_user = 10000" json:"to_user"`
	CreatedBy   string    `gorm:"size:255" json:"created_by"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
}

type CreateRequest struct {
	PortfolioID uint   `json:"-"`
	ToTeam      int    `json:"to_team"`
	ToPlatform  int    `json:"to_platform"`
	ToUser      int    `json:"to_user"`
	CreatedBy   string `json:"-"`
}

package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is the accumulated profit of a portfolio at an hour boundary.
// Rows are append-only, one per (portfolio, hour).
type Snapshot struct {
	ID          uint            `gorm:"primaryKey" json:"id"`
	PortfolioID uint            `gorm:"uniqueIndex:idx_snapshot_portfolio_hour;not null" json:"portfolio_id"`
	HourEndAt   int64           `gorm:"uniqueIndex:idx_snapshot_portfolio_hour;not null" json:"hour_end_at"`
	AssetValue  decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"asset_value"`
	AccProfit   decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"acc_profit"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (Snapshot) TableName() string {
	return "acc_profit_snapshots"
}

// AllocationLog is the audit record of one hourly settlement. The three
// shares can be reproduced from HourlyProfit and the stored ratio parts.
type AllocationLog struct {
	ID               uint            `gorm:"primaryKey" json:"-"`
	LogID            string          `gorm:"uniqueIndex;size:64;not null" json:"log_id"`
	PortfolioID      uint            `gorm:"uniqueIndex:idx_log_portfolio_hour;not null" json:"portfolio_id"`
	HourEndAt        int64           `gorm:"uniqueIndex:idx_log_portfolio_hour;not null" json:"hour_end_at"`
	TeamID           uint            `gorm:"index;not null" json:"team_id"`
	PrevSnapshotID   *uint           `json:"prev_snapshot_id"`
	CurrSnapshotID   uint            `gorm:"not null" json:"curr_snapshot_id"`
	HourlyProfit     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"hourly_profit"`
	ProfitToTeam     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"profit_to_team"`
	ProfitToPlatform decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"profit_to_platform"`
	ProfitToUser     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"profit_to_user"`
	RatioID          uint            `gorm:"not null" json:"ratio_id"`
	RatioVersion     int             `gorm:"not null" json:"ratio_version"`
	RatioToTeam      int             `gorm:"not null" json:"ratio_to_team"`
	RatioToPlatform  int             `gorm:"not null" json:"ratio_to_platform"`
	RatioToUser      int             `gorm:"not null" json:"ratio_to_user"`
	CreatedAt        time.Time       `json:"created_at"`
}

func (AllocationLog) TableName() string {
	return "allocation_logs"
}

// PendingSettlement flags an hour that could not be settled yet. The row is
// removed when the hour settles.
type PendingSettlement struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	PortfolioID uint      `gorm:"uniqueIndex:idx_pending_portfolio_hour;not null" json:"portfolio_id"`
	HourEndAt   int64     `gorm:"uniqueIndex:idx_pending_portfolio_hour;not null" json:"hour_end_at"`
	Reason      string    `gorm:"size:512" json:"reason"`
	Retryable   bool      `json:"retryable"`
	Attempts    int       `gorm:"not null;default:0" json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SettleRequest is the body of a manual settlement call. HourEndAt is in
// Unix seconds and must sit on an hour boundary.
type SettleRequest struct {
	HourEndAt int64 `json:"hour_end_at" binding:"required"`
}

// PreviewRequest asks how profit would be split. HourEndAt selects the ratio
// in effect; zero means the latest ended hour.
type PreviewRequest struct {
	Profit    decimal.Decimal `json:"profit"`
	HourEndAt int64           `json:"hour_end_at"`
}

type Preview struct {
	PortfolioID     uint            `json:"portfolio_id"`
	HourEndAt       time.Time       `json:"hour_end_at"`
	Profit          decimal.Decimal `json:"profit"`
	RatioVersion    int             `json:"ratio_version"`
	RatioToTeam     int             `json:"ratio_to_team"`
	RatioToPlatform int             `json:"ratio_to_platform"`
	RatioToUser     int             `json:"ratio_to_user"`
	Shares          Shares          `json:"shares"`
}

// CatchUpResult reports a backfill run for one portfolio.
type CatchUpResult struct {
	PortfolioID uint            `json:"portfolio_id"`
	Missing     int             `json:"missing"`
	Settled     []AllocationLog `json:"settled"`
	Pending     *PendingHour    `json:"pending,omitempty"`
}

type PendingHour struct {
	HourEndAt time.Time `json:"hour_end_at"`
	Reason    string    `json:"reason"`
	Retryable bool      `json:"retryable"`
}

// StatusResponse is the settlement state shown to operators. A portfolio with
// any unsettled past hour is flagged as pending rather than showing a gap.
type StatusResponse struct {
	PortfolioID       uint                `json:"portfolio_id"`
	LastSettledHour   *time.Time          `json:"last_settled_hour"`
	UnsettledHours    int                 `json:"unsettled_hours"`
	SettlementPending bool                `json:"settlement_pending"`
	Pending           []PendingSettlement `json:"pending"`
}

// VerifyResponse compares a log's stored shares with a recomputation.
type VerifyResponse struct {
	LogID    string `json:"log_id"`
	Verified bool   `json:"verified"`
	Expected Shares `json:"expected"`
}

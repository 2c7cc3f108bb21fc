package ledger

import (
	"time"

	"github.com/ksred/klear-profit/internal/balance"
	"github.com/shopspring/decimal"
)

// Withdrawal is an on-chain payout taken from an accumulated balance
type Withdrawal struct {
	ID              uint            `gorm:"primaryKey" json:"-"`
	WithdrawalID    string          `gorm:"uniqueIndex;size:64;not null" json:"withdrawal_id"`
	Bucket          balance.Bucket  `gorm:"size:16;not null;index:idx_withdrawal_owner" json:"bucket"`
	OwnerID         uint            `gorm:"not null;index:idx_withdrawal_owner" json:"owner_id"`
	ChainID         string          `gorm:"size:100;not null" json:"chain_id"`
	TransactionHash string          `gorm:"uniqueIndex:idx_withdrawal_tx;size:255;not null" json:"transaction_hash"`
	TransactionTime int64           `gorm:"not null" json:"transaction_time"`
	Asset           string          `gorm:"size:20;not null" json:"asset"`
	AssetAmount     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"asset_amount"`
	USDValue        decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"usd_value"`
	CreatedBy       string          `gorm:"size:255" json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (Withdrawal) TableName() string {
	return "profit_withdrawals"
}

// Reallocation moves value between two accumulated balances
type Reallocation struct {
	ID             uint            `gorm:"primaryKey" json:"-"`
	ReallocationID string          `gorm:"uniqueIndex;size:64;not null" json:"reallocation_id"`
	FromBucket     balance.Bucket  `gorm:"size:16;not null" json:"from_bucket"`
	FromOwnerID    uint            `gorm:"not null" json:"from_owner_id"`
	ToBucket       balance.Bucket  `gorm:"size:16;not null" json:"to_bucket"`
	ToOwnerID      uint            `gorm:"not null" json:"to_owner_id"`
	USDValue       decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"usd_value"`
	Reason         string          `gorm:"type:text;not null" json:"reason"`
	CreatedBy      string          `gorm:"size:255" json:"created_by"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (Reallocation) TableName() string {
	return "profit_reallocations"
}

type WithdrawalRequest struct {
	Bucket          balance.Bucket  `json:"bucket" binding:"required"`
	OwnerID         uint            `json:"owner_id"`
	ChainID         string          `json:"chain_id" binding:"required"`
	TransactionHash string          `json:"transaction_hash" binding:"required"`
	TransactionTime int64           `json:"transaction_time" binding:"required"`
	Asset           string          `json:"asset" binding:"required"`
	AssetAmount     decimal.Decimal `json:"asset_amount"`
	USDValue        decimal.Decimal `json:"usd_value"`
	CreatedBy       string          `json:"-"`
}

type ReallocationRequest struct {
	FromBucket  balance.Bucket  `json:"from_bucket" binding:"required"`
	FromOwnerID uint            `json:"from_owner_id"`
	ToBucket    balance.Bucket  `json:"to_bucket" binding:"required"`
	ToOwnerID   uint            `json:"to_owner_id"`
	USDValue    decimal.Decimal `json:"usd_value"`
	Reason      string          `json:"reason" binding:"required"`
	CreatedBy   string          `json:"-"`
}

type SummaryRequest struct {
	TeamID *uint
	From   time.Time
	To     time.Time
}

// Flow counts and totals ledger movements
type Flow struct {
	Count    int             `json:"count"`
	TotalUSD decimal.Decimal `json:"total_usd"`
}

func (f Flow) add(usd decimal.Decimal) Flow {
	return Flow{Count: f.Count + 1, TotalUSD: f.TotalUSD.Add(usd)}
}

type Summary struct {
	From          time.Time                          `json:"from"`
	To            time.Time                          `json:"to"`
	Balances      []balance.AccumulatedBalance       `json:"balances"`
	Credited      map[balance.Bucket]decimal.Decimal `json:"credited"`
	Withdrawals   map[balance.Bucket]Flow            `json:"withdrawals"`
	Reallocations Flow                               `json:"reallocations"`
}

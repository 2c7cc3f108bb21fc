package balance

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bucket identifies which party a balance belongs to
type Bucket string

const (
	BucketTeam     Bucket = "TEAM"
	BucketPlatform Bucket = "PLATFORM"
	BucketUser     Bucket = "USER"
)

func (b Bucket) Valid() bool {
	switch b {
	case BucketTeam, BucketPlatform, BucketUser:
		return true
	}
	return false
}

// Source records why a balance moved
type Source string

const (
	SourceFund         Source = "FUND"
	SourceWithdraw     Source = "WITHDRAW"
	SourceReallocation Source = "REALLOCATION"
)

// AccumulatedBalance is the running total of one bucket. Team balances are
// keyed by team id; platform and user balances use owner id 0.
type AccumulatedBalance struct {
	ID        uint            `gorm:"primaryKey" json:"-"`
	Bucket    Bucket          `gorm:"uniqueIndex:idx_balance_owner;size:16;not null" json:"bucket"`
	OwnerID   uint            `gorm:"uniqueIndex:idx_balance_owner;not null" json:"owner_id"`
	Amount    decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"amount"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Entry is one journal line of a balance change
type Entry struct {
	ID        uint            `gorm:"primaryKey" json:"id"`
	Bucket    Bucket          `gorm:"index:idx_entry_owner;size:16;not null" json:"bucket"`
	OwnerID   uint            `gorm:"index:idx_entry_owner;not null" json:"owner_id"`
	Source    Source          `gorm:"size:16;not null" json:"source"`
	Reference string          `gorm:"size:64;index" json:"reference"`
	HourEndAt int64           `gorm:"index" json:"hour_end_at,omitempty"`
	Delta     decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"delta"`
	CreatedAt time.Time       `json:"created_at"`
}

func (Entry) TableName() string {
	return "balance_entries"
}

// Delta is a requested change to one bucket
type Delta struct {
	Bucket    Bucket
	OwnerID   uint
	Amount    decimal.Decimal
	Source    Source
	Reference string
	HourEndAt int64
	// NoOverdraw rejects the change if it would leave the balance negative.
	// Settlement losses may drive a balance negative; withdrawals may not.
	NoOverdraw bool
}

package ledger

import (
	"context"
	"time"

	"github.com/ksred/klear-profit/internal/balance"
	"github.com/ksred/klear-profit/internal/database"
	"github.com/ksred/klear-profit/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// ListWithdrawals pages through withdrawals, newest first. An empty bucket
// lists every bucket.
func (d *Database) ListWithdrawals(ctx context.Context, bucket balance.Bucket, limit, offset int) ([]Withdrawal, int64, error) {
	scope := func() *gorm.DB {
		q := d.db.WithContext(ctx).Model(&Withdrawal{})
		if bucket != "" {
			q = q.Where("bucket = ?", bucket)
		}
		return q
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var withdrawals []Withdrawal
	if err := scope().Order("id DESC").Limit(limit).Offset(offset).Find(&withdrawals).Error; err != nil {
		return nil, 0, err
	}
	return withdrawals, total, nil
}

func (d *Database) ListReallocations(ctx context.Context, limit, offset int) ([]Reallocation, int64, error) {
	var total int64
	if err := d.db.WithContext(ctx).Model(&Reallocation{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var reallocations []Reallocation
	if err := d.db.WithContext(ctx).Order("id DESC").Limit(limit).Offset(offset).Find(&reallocations).Error; err != nil {
		return nil, 0, err
	}
	return reallocations, total, nil
}

// ownerFilter narrows summary queries to one balance; the zero value matches all
type ownerFilter struct {
	bucket  balance.Bucket
	ownerID uint
}

func (f ownerFilter) matches(bucket balance.Bucket, ownerID uint) bool {
	return f.bucket == "" || (f.bucket == bucket && f.ownerID == ownerID)
}

// Credits returns settlement journal entries for hours within r
func (d *Database) Credits(ctx context.Context, owner ownerFilter, r types.HourRange) ([]balance.Entry, error) {
	q := d.db.WithContext(ctx).
		Where("source = ?", balance.SourceFund).
		Scopes(database.HourRange("hour_end_at", r))
	if owner.bucket != "" {
		q = q.Where("bucket = ? AND owner_id = ?", owner.bucket, owner.ownerID)
	}

	var entries []balance.Entry
	err := q.Find(&entries).Error
	return entries, err
}

// WithdrawalsBetween returns withdrawals with from <= transaction_time < to
func (d *Database) WithdrawalsBetween(ctx context.Context, owner ownerFilter, from, to int64) ([]Withdrawal, error) {
	q := d.db.WithContext(ctx).Where("transaction_time >= ? AND transaction_time < ?", from, to)
	if owner.bucket != "" {
		q = q.Where("bucket = ? AND owner_id = ?", owner.bucket, owner.ownerID)
	}

	var withdrawals []Withdrawal
	err := q.Find(&withdrawals).Error
	return withdrawals, err
}

// ReallocationsBetween returns reallocations created in [from, to) that touch
// the filtered balance on either side
func (d *Database) ReallocationsBetween(ctx context.Context, owner ownerFilter, from, to time.Time) ([]Reallocation, error) {
	q := d.db.WithContext(ctx).Where("created_at >= ? AND created_at < ?", from, to)
	if owner.bucket != "" {
		q = q.Where("(from_bucket = ? AND from_owner_id = ?) OR (to_bucket = ? AND to_owner_id = ?)",
			owner.bucket, owner.ownerID, owner.bucket, owner.ownerID)
	}

	var reallocations []Reallocation
	err := q.Find(&reallocations).Error
	return reallocations, err
}

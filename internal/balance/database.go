package balance

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ksred/klear-profit/internal/database"
	"github.com/ksred/klear-profit/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Apply adds d to its bucket and journals it. tx must be an open transaction;
// the balance row is locked for the rest of it.
func Apply(tx *gorm.DB, d Delta) (*AccumulatedBalance, error) {
	if !d.Bucket.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidBucket, d.Bucket)
	}
	if d.Bucket != BucketTeam && d.OwnerID != 0 {
		return nil, fmt.Errorf("%w: %s balances have no owner", types.ErrInvalidBucket, d.Bucket)
	}

	// create the row at zero on first use; a concurrent creator is absorbed
	// by the unique index
	seed := AccumulatedBalance{Bucket: d.Bucket, OwnerID: d.OwnerID, Amount: decimal.Zero}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("failed to initialise %s balance: %w", d.Bucket, err)
	}

	var bal AccumulatedBalance
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("bucket = ? AND owner_id = ?", d.Bucket, d.OwnerID).
		First(&bal).Error; err != nil {
		return nil, fmt.Errorf("failed to lock %s balance: %w", d.Bucket, err)
	}

	next := bal.Amount.Add(d.Amount)
	if d.NoOverdraw && next.IsNegative() {
		return nil, fmt.Errorf("%w: %s/%d has %s, change %s", types.ErrInsufficientBalance, d.Bucket, d.OwnerID, bal.Amount, d.Amount)
	}

	if err := tx.Model(&bal).Update("amount", next).Error; err != nil {
		return nil, fmt.Errorf("failed to update %s balance: %w", d.Bucket, err)
	}
	bal.Amount = next

	entry := Entry{
		Bucket:    d.Bucket,
		OwnerID:   d.OwnerID,
		Source:    d.Source,
		Reference: d.Reference,
		HourEndAt: d.HourEndAt,
		Delta:     d.Amount,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("failed to journal %s balance change: %w", d.Bucket, err)
	}

	return &bal, nil
}

// ApplyAll applies deltas in lock order, so transactions that touch the same
// balances always lock them in the same sequence.
func ApplyAll(tx *gorm.DB, deltas ...Delta) error {
	for _, d := range LockOrder(deltas) {
		if _, err := Apply(tx, d); err != nil {
			return err
		}
	}
	return nil
}

// LockOrder returns deltas sorted by bucket then owner
func LockOrder(deltas []Delta) []Delta {
	ordered := slices.Clone(deltas)
	slices.SortStableFunc(ordered, func(a, b Delta) int {
		if c := cmp.Compare(a.Bucket, b.Bucket); c != 0 {
			return c
		}
		return cmp.Compare(a.OwnerID, b.OwnerID)
	})
	return ordered
}

// Get returns the balance of a bucket, zero if it has never moved
func (d *Database) Get(ctx context.Context, bucket Bucket, ownerID uint) (*AccumulatedBalance, error) {
	var bal AccumulatedBalance
	err := d.db.WithContext(ctx).
		Where("bucket = ? AND owner_id = ?", bucket, ownerID).
		First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &AccumulatedBalance{Bucket: bucket, OwnerID: ownerID, Amount: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return &bal, nil
}

func (d *Database) List(ctx context.Context) ([]AccumulatedBalance, error) {
	var balances []AccumulatedBalance
	if err := d.db.WithContext(ctx).Order("bucket ASC, owner_id ASC").Find(&balances).Error; err != nil {
		return nil, err
	}
	return balances, nil
}

// Entries lists the journal of one bucket within r, newest first
func (d *Database) Entries(ctx context.Context, bucket Bucket, ownerID uint, r types.HourRange, limit, offset int) ([]Entry, int64, error) {
	limit, offset = types.NormalizePage(limit, offset)

	scope := func() *gorm.DB {
		return d.db.WithContext(ctx).Model(&Entry{}).
			Where("bucket = ? AND owner_id = ?", bucket, ownerID).
			Scopes(database.HourRange("hour_end_at", r))
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []Entry
	if err := scope().Order("id DESC").Limit(limit).Offset(offset).Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

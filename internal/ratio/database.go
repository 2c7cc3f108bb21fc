package ratio

import (
	"context"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateNextVersion inserts r with version = max(version)+1 for its portfolio.
// The read and the insert share a transaction; the unique index on
// (portfolio_id, version) catches concurrent writers.
func (d *Database) CreateNextVersion(ctx context.Context, r *AllocationRatio) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		if err := tx.Model(&AllocationRatio{}).
			Where("portfolio_id = ?", r.PortfolioID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error; err != nil {
			return err
		}
		r.Version = maxVersion + 1
		return tx.Create(r).Error
	})
}

// ListByPortfolio returns all versions for a portfolio, highest version first
func (d *Database) ListByPortfolio(ctx context.Context, portfolioID uint) ([]AllocationRatio, error) {
	var ratios []AllocationRatio
	if err := d.db.WithContext(ctx).
		Where("portfolio_id = ?", portfolioID).
		Order("version DESC").
		Find(&ratios).Error; err != nil {
		return nil, err
	}
	return ratios, nil
}

func (d *Database) GetVersion(ctx context.Context, portfolioID uint, version int) (*AllocationRatio, error) {
	var r AllocationRatio
	err := d.db.WithContext(ctx).
		Where("portfolio_id = ? AND version = ?", portfolioID, version).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *Database) Get(ctx context.Context, id uint) (*AllocationRatio, error) {
	var r AllocationRatio
	if err := d.db.WithContext(ctx).First(&r, id).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

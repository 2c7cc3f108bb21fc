package migrations

import (
	"github.com/ksred/klear-profit/internal/portfolio"
	"github.com/ksred/klear-profit/internal/ratio"
	"gorm.io/gorm"
)

// CreateDirectory creates teams, portfolios and the versioned allocation ratios
func CreateDirectory(db *gorm.DB) error {
	if err := db.AutoMigrate(&portfolio.Team{}, &portfolio.Portfolio{}); err != nil {
		return err
	}
	if err := db.AutoMigrate(&ratio.AllocationRatio{}); err != nil {
		return err
	}

	return createIndexes(db, []string{
		// Ratio resolution scans a portfolio's versions by creation time
		`CREATE INDEX IF NOT EXISTS idx_allocation_ratios_portfolio_created
		 ON allocation_ratios(portfolio_id, created_at)`,
	})
}

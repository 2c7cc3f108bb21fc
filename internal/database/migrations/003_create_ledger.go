package migrations

import (
	"github.com/ksred/klear-profit/internal/ledger"
	"gorm.io/gorm"
)

// CreateLedger creates the withdrawal and reallocation records
func CreateLedger(db *gorm.DB) error {
	if err := db.AutoMigrate(&ledger.Withdrawal{}, &ledger.Reallocation{}); err != nil {
		return err
	}

	return createIndexes(db, []string{
		`CREATE INDEX IF NOT EXISTS idx_profit_withdrawals_created_at
		 ON profit_withdrawals(created_at)`,

		`CREATE INDEX IF NOT EXISTS idx_profit_reallocations_created_at
		 ON profit_reallocations(created_at)`,
	})
}

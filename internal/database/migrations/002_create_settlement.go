package migrations

import (
	"github.com/ksred/klear-profit/internal/balance"
	"github.com/ksred/klear-profit/internal/settlement"
	"gorm.io/gorm"
)

// CreateSettlement creates snapshots, allocation logs, pending markers and
// the accumulated balances with their journal
func CreateSettlement(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&settlement.Snapshot{},
		&settlement.AllocationLog{},
		&settlement.PendingSettlement{},
	); err != nil {
		return err
	}
	if err := db.AutoMigrate(&balance.AccumulatedBalance{}, &balance.Entry{}); err != nil {
		return err
	}

	return createIndexes(db, []string{
		// Team reporting over time
		`CREATE INDEX IF NOT EXISTS idx_allocation_logs_team_hour
		 ON allocation_logs(team_id, hour_end_at)`,

		// Journal lookups by settlement hour
		`CREATE INDEX IF NOT EXISTS idx_balance_entries_source_hour
		 ON balance_entries(source, hour_end_at)`,
	})
}

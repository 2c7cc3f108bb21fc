package migrations

import (
	"testing"

	"github.com/ksred/klear-profit/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunIsRepeatable(t *testing.T) {
	db, err := database.NewInMemory()
	require.NoError(t, err)

	require.NoError(t, Run(db))
	require.NoError(t, Run(db))

	for _, table := range []string{
		"teams", "portfolios", "allocation_ratios",
		"acc_profit_snapshots", "allocation_logs", "pending_settlements",
		"accumulated_balances", "balance_entries",
		"profit_withdrawals", "profit_reallocations",
	} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
	assert.True(t, db.Migrator().HasIndex("allocation_logs", "idx_log_portfolio_hour"))
}

func TestRatioSumIsCheckedByTheDatabase(t *testing.T) {
	db, err := database.NewInMemory()
	require.NoError(t, err)
	require.NoError(t, Run(db))

	err = db.Exec(`INSERT INTO allocation_ratios (portfolio_id, version, to_team, to_platform, to_user, created_at)
		VALUES (1, 1, 3000, 3000, 3000, CURRENT_TIMESTAMP)`).Error
	assert.Error(t, err)
}

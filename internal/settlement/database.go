package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-profit/internal/database"
	"github.com/ksred/klear-profit/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) SnapshotExists(ctx context.Context, portfolioID uint, hourEndAt int64) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&Snapshot{}).
		Where("portfolio_id = ? AND hour_end_at = ?", portfolioID, hourEndAt).
		Count(&count).Error
	return count > 0, err
}

// GetSnapshot returns the snapshot at exactly hourEndAt, or nil if there is none
func (d *Database) GetSnapshot(ctx context.Context, portfolioID uint, hourEndAt int64) (*Snapshot, error) {
	var snaps []Snapshot
	err := d.db.WithContext(ctx).
		Where("portfolio_id = ? AND hour_end_at = ?", portfolioID, hourEndAt).
		Limit(1).
		Find(&snaps).Error
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return &snaps[0], nil
}

// LastLog returns the latest settled hour's log, or nil before the first settlement
func (d *Database) LastLog(ctx context.Context, portfolioID uint) (*AllocationLog, error) {
	var logs []AllocationLog
	err := d.db.WithContext(ctx).
		Where("portfolio_id = ?", portfolioID).
		Order("hour_end_at DESC").
		Limit(1).
		Find(&logs).Error
	if err != nil || len(logs) == 0 {
		return nil, err
	}
	return &logs[0], nil
}

// ListSnapshots pages through a portfolio's snapshots within r, newest hour first
func (d *Database) ListSnapshots(ctx context.Context, portfolioID uint, r types.HourRange, limit, offset int) ([]Snapshot, int64, error) {
	scope := func() *gorm.DB {
		return d.db.WithContext(ctx).Model(&Snapshot{}).
			Where("portfolio_id = ?", portfolioID).
			Scopes(database.HourRange("hour_end_at", r))
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var snaps []Snapshot
	if err := scope().Order("hour_end_at DESC").Limit(limit).Offset(offset).Find(&snaps).Error; err != nil {
		return nil, 0, err
	}
	return snaps, total, nil
}

func (d *Database) GetLog(ctx context.Context, logID string) (*AllocationLog, error) {
	var l AllocationLog
	if err := d.db.WithContext(ctx).Where("log_id = ?", logID).First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// ListLogs pages through a portfolio's logs, newest hour first
func (d *Database) ListLogs(ctx context.Context, portfolioID uint, r types.HourRange, limit, offset int) ([]AllocationLog, int64, error) {
	scope := func() *gorm.DB {
		return d.db.WithContext(ctx).Model(&AllocationLog{}).
			Where("portfolio_id = ?", portfolioID).
			Scopes(database.HourRange("hour_end_at", r))
	}

	var total int64
	if err := scope().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var logs []AllocationLog
	if err := scope().Order("hour_end_at DESC").Limit(limit).Offset(offset).Find(&logs).Error; err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// CreateSnapshotTx inserts the hour's snapshot. A concurrent insert of the
// same hour surfaces as ErrDuplicateSnapshot through the unique index.
func CreateSnapshotTx(tx *gorm.DB, snap *Snapshot) error {
	err := tx.Create(snap).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: portfolio %d hour %d", types.ErrDuplicateSnapshot, snap.PortfolioID, snap.HourEndAt)
	}
	return err
}

func CreateLogTx(tx *gorm.DB, l *AllocationLog) error {
	err := tx.Create(l).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: portfolio %d hour %d", types.ErrDuplicateSnapshot, l.PortfolioID, l.HourEndAt)
	}
	return err
}

func ClearPendingTx(tx *gorm.DB, portfolioID uint, hourEndAt int64) error {
	return tx.Where("portfolio_id = ? AND hour_end_at = ?", portfolioID, hourEndAt).
		Delete(&PendingSettlement{}).Error
}

// MarkPending records or refreshes the pending marker of an hour
func (d *Database) MarkPending(ctx context.Context, p *PendingSettlement) error {
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "portfolio_id"}, {Name: "hour_end_at"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"reason":     p.Reason,
			"retryable":  p.Retryable,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		}),
	}).Create(p).Error
}

func (d *Database) ListPending(ctx context.Context, portfolioID uint) ([]PendingSettlement, error) {
	var pending []PendingSettlement
	err := d.db.WithContext(ctx).
		Where("portfolio_id = ?", portfolioID).
		Order("hour_end_at ASC").
		Find(&pending).Error
	return pending, err
}

func (d *Database) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&PendingSettlement{}).Count(&count).Error
	return count, err
}

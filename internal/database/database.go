package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-profit/internal/config"
	"github.com/ksred/klear-profit/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens a GORM connection for the configured driver
func NewDatabase(cfg config.Database) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         newLogger(),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite allows one writer; a single connection serialises transactions
		// instead of surfacing SQLITE_BUSY to callers.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	return db, nil
}

// NewInMemory opens a private in-memory sqlite database. Used by tests and the
// simulation.
func NewInMemory() (*gorm.DB, error) {
	return NewDatabase(config.Database{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:mem_%s?mode=memory&cache=shared", uuid.NewString()),
	})
}

// newLogger sends gorm's warnings through zerolog. Lookups that find nothing
// are normal here (first settlement, untouched balances) and are not logged.
func newLogger() logger.Interface {
	gormLog := log.With().Str("component", "gorm").Logger()
	return logger.New(&gormLog, logger.Config{
		SlowThreshold:             500 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// HourRange scopes a query to column values within r
func HourRange(column string, r types.HourRange) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if r.From > 0 {
			db = db.Where(column+" >= ?", r.From)
		}
		if r.To > 0 {
			db = db.Where(column+" < ?", r.To)
		}
		return db
	}
}

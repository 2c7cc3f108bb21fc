// Package migrations owns the schema. Steps run in order and are safe to
// repeat on every start.
package migrations

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type step struct {
	name string
	run  func(db *gorm.DB) error
}

var steps = []step{
	{"create_directory", CreateDirectory},
	{"create_settlement", CreateSettlement},
	{"create_ledger", CreateLedger},
}

// Run applies every migration step
func Run(db *gorm.DB) error {
	for _, s := range steps {
		if err := s.run(db); err != nil {
			return fmt.Errorf("migration %s failed: %w", s.name, err)
		}
		log.Debug().Str("migration", s.name).Msg("migration applied")
	}
	return nil
}

func createIndexes(db *gorm.DB, indexes []string) error {
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}

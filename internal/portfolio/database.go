package portfolio

import (
	"context"
	"errors"

	"github.com/ksred/klear-profit/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateTeam(ctx context.Context, team *Team) error {
	return d.db.WithContext(ctx).Create(team).Error
}

func (d *Database) GetTeam(ctx context.Context, id uint) (*Team, error) {
	var team Team
	if err := d.db.WithContext(ctx).First(&team, id).Error; err != nil {
		return nil, err
	}
	return &team, nil
}

func (d *Database) CreatePortfolio(ctx context.Context, p *Portfolio) error {
	return d.db.WithContext(ctx).Create(p).Error
}

// GetPortfolio returns types.ErrPortfolioNotFound when no row matches
func (d *Database) GetPortfolio(ctx context.Context, id uint) (*Portfolio, error) {
	var p Portfolio
	if err := d.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrPortfolioNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (d *Database) ListPortfolios(ctx context.Context) ([]Portfolio, error) {
	var portfolios []Portfolio
	if err := d.db.WithContext(ctx).Order("id ASC").Find(&portfolios).Error; err != nil {
		return nil, err
	}
	return portfolios, nil
}

func (d *Database) ListPortfolioIDs(ctx context.Context) ([]uint, error) {
	var ids []uint
	if err := d.db.WithContext(ctx).Model(&Portfolio{}).Order("id ASC").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

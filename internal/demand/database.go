package demand

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/afrr-clearing/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Upsert writes samples in one transaction, overwriting any stored value
// for the same interval.
func (d *Database) Upsert(ctx context.Context, samples []types.DemandSample) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "interval_start"}},
			DoUpdates: clause.AssignmentColumns([]string{"volume_mw", "source", "updated_at"}),
		}).CreateInBatches(samples, 500).Error
		if err != nil {
			return fmt.Errorf("failed to upsert demand samples: %w", err)
		}
		return nil
	})
}

// Get returns the sample for one interval, or nil when none is recorded.
func (d *Database) Get(ctx context.Context, intervalStart time.Time) (*types.DemandSample, error) {
	var sample types.DemandSample
	err := d.db.WithContext(ctx).Where("interval_start = ?", intervalStart.UTC()).First(&sample).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch demand sample: %w", err)
	}
	return &sample, nil
}

// InRange returns samples with interval start in [from, to), oldest first.
func (d *Database) InRange(ctx context.Context, from, to time.Time) ([]types.DemandSample, error) {
	var samples []types.DemandSample
	if err := d.db.WithContext(ctx).
		Where("interval_start >= ? AND interval_start < ?", from.UTC(), to.UTC()).
		Order("interval_start ASC").
		Find(&samples).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch demand samples: %w", err)
	}
	return samples, nil
}

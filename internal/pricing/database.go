package pricing

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const upsertBatchSize = 500

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Upsert writes results in one transaction, replacing stored rows for the
// same interval.
func (d *Database) Upsert(ctx context.Context, results []MarginalPriceResult) error {
	if len(results) == 0 {
		return nil
	}

	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "interval_start"}},
		UpdateAll: true,
	}).CreateInBatches(results, upsertBatchSize).Error
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to upsert price results: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit price results: %w", err)
	}
	return nil
}

// ResultsInRange returns results with interval start in [from, to).
func (d *Database) ResultsInRange(ctx context.Context, from, to time.Time) ([]MarginalPriceResult, error) {
	var results []MarginalPriceResult
	if err := d.db.WithContext(ctx).
		Where("interval_start >= ? AND interval_start < ?", from.UTC(), to.UTC()).
		Order("interval_start ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch price results: %w", err)
	}
	return results, nil
}

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/afrr-clearing/internal/types"
	"gorm.io/gorm"
)

const insertBatchSize = 500

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CountInRange counts bids with delivery time in the closed range.
func (d *Database) CountInRange(ctx context.Context, rangeMin, rangeMax time.Time) (int64, error) {
	var count int64
	if err := d.db.WithContext(ctx).Model(&types.Bid{}).
		Where("delivery_time BETWEEN ? AND ?", rangeMin.UTC(), rangeMax.UTC()).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count bids in range: %w", err)
	}
	return count, nil
}

// ReplaceRange deletes every bid in [rangeMin, rangeMax], inserts bids and
// appends record, all in one transaction. The caller guarantees that bids
// lie inside the range.
func (d *Database) ReplaceRange(ctx context.Context, rangeMin, rangeMax time.Time, bids []types.Bid, record *VersionRecord) error {
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

	deleted := tx.Where("delivery_time BETWEEN ? AND ?", rangeMin.UTC(), rangeMax.UTC()).Delete(&types.Bid{})
	if deleted.Error != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete bids in range: %w", deleted.Error)
	}

	if len(bids) > 0 {
		if err := tx.CreateInBatches(bids, insertBatchSize).Error; err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert bids: %w", err)
		}
	}

	record.RowsDeleted = deleted.RowsAffected
	record.RowsInserted = int64(len(bids))
	if err := tx.Create(record).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to append version record: %w", err)
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit replace: %w", err)
	}
	return nil
}

// BidsForInterval returns the bids of one quarter-hour and product in
// insertion order.
func (d *Database) BidsForInterval(ctx context.Context, intervalStart time.Time, productCode string) ([]types.Bid, error) {
	var bids []types.Bid
	start := intervalStart.UTC()
	if err := d.db.WithContext(ctx).
		Where("delivery_time >= ? AND delivery_time < ? AND product_code = ?", start, start.Add(types.IntervalWidth), productCode).
		Order("id ASC").
		Find(&bids).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch bids for interval: %w", err)
	}
	return bids, nil
}

// BidsInRange returns all bids with delivery time in the closed range,
// ordered by delivery time then insertion order.
func (d *Database) BidsInRange(ctx context.Context, from, to time.Time) ([]types.Bid, error) {
	var bids []types.Bid
	if err := d.db.WithContext(ctx).
		Where("delivery_time BETWEEN ? AND ?", from.UTC(), to.UTC()).
		Order("delivery_time ASC, id ASC").
		Find(&bids).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch bids in range: %w", err)
	}
	return bids, nil
}

// Versions returns the audit records whose affected range intersects
// [from, to], oldest first.
func (d *Database) Versions(ctx context.Context, from, to time.Time) ([]VersionRecord, error) {
	var records []VersionRecord
	if err := d.db.WithContext(ctx).
		Where("range_max >= ? AND range_min <= ?", from.UTC(), to.UTC()).
		Order("version_id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch version history: %w", err)
	}
	return records, nil
}

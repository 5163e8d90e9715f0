package migrations

import (
	"github.com/ksred/afrr-clearing/internal/pricing"
	"gorm.io/gorm"
)

// CreatePriceResults creates the marginal price table and its indexes
func CreatePriceResults(db *gorm.DB) error {
	if err := db.AutoMigrate(&pricing.MarginalPriceResult{}); err != nil {
		return err
	}

	indexes := []string{
		// Product lookups for reporting by quarter-hour slot
		`CREATE INDEX IF NOT EXISTS idx_marginal_price_results_product
		 ON marginal_price_results(product_code)`,

		// Filtering by null-cause
		`CREATE INDEX IF NOT EXISTS idx_marginal_price_results_reason
		 ON marginal_price_results(reason)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}

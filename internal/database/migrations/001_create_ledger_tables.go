package migrations

import (
	"github.com/ksred/afrr-clearing/internal/ledger"
	"github.com/ksred/afrr-clearing/internal/types"
	"gorm.io/gorm"
)

// CreateLedgerTables creates the bid ledger, its version history and the
// demand store.
func CreateLedgerTables(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Bid{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&ledger.VersionRecord{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.DemandSample{}); err != nil {
		return err
	}

	return nil
}

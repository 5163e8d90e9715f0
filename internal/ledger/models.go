package ledger

import (
	"time"

	"gorm.io/datatypes"
)

// OperationReplaceRange is the only mutation the ledger performs.
const OperationReplaceRange = "REPLACE_RANGE"

// VersionRecord documents one ledger mutation. Rows are append-only and are
// written in the same transaction as the mutation they describe.
type VersionRecord struct {
	VersionID     uint           `gorm:"primaryKey;column:version_id" json:"version_id"`
	OperationType string         `gorm:"size:32;not null" json:"operation_type"`
	RangeMin      time.Time      `gorm:"not null;index" json:"range_min"`
	RangeMax      time.Time      `gorm:"not null;index" json:"range_max"`
	SourceBatchID string         `gorm:"size:255;not null" json:"source_batch_id"`
	SourceFiles   datatypes.JSON `json:"source_files"`
	RowsDeleted   int64          `json:"rows_deleted"`
	RowsInserted  int64          `json:"rows_inserted"`
	Operator      string         `gorm:"size:255" json:"operator,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (VersionRecord) TableName() string {
	return "version_history"
}

// Preview is the dry-run view of a replace: what would be deleted and
// inserted, without touching the ledger.
type Preview struct {
	RangeMin     time.Time `json:"range_min"`
	RangeMax     time.Time `json:"range_max"`
	RowsToDelete int64     `json:"rows_to_delete"`
	RowsToInsert int64     `json:"rows_to_insert"`
}

// ReplaceOptions carries audit metadata for a replace.
type ReplaceOptions struct {
	SourceFiles []string
	Operator    string
}

type ReplaceResponse struct {
	VersionID     uint      `json:"version_id"`
	SourceBatchID string    `json:"source_batch_id"`
	RangeMin      time.Time `json:"range_min"`
	RangeMax      time.Time `json:"range_max"`
	RowsDeleted   int64     `json:"rows_deleted"`
	RowsInserted  int64     `json:"rows_inserted"`
	Timestamp     time.Time `json:"timestamp"`
}

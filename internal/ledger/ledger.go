package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/afrr-clearing/internal/types"
	"github.com/ksred/afrr-clearing/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service owns the bid ledger. All bid mutations go through ReplaceRange.
type Service struct {
	db *Database
}

// NewService creates a new ledger service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Preview reports what ReplaceRange would do with bids without mutating
// anything. Callers use it to ask for confirmation before wide deletes.
func (s *Service) Preview(ctx context.Context, bids []types.Bid) (*Preview, error) {
	if err := types.ValidateBids(bids); err != nil {
		return nil, err
	}
	rangeMin, rangeMax, err := types.BidRange(bids)
	if err != nil {
		return nil, err
	}

	count, err := s.db.CountInRange(ctx, rangeMin, rangeMax)
	if err != nil {
		return nil, err
	}

	return &Preview{
		RangeMin:     rangeMin,
		RangeMax:     rangeMax,
		RowsToDelete: count,
		RowsToInsert: int64(len(bids)),
	}, nil
}

// NeedsConfirmation reports whether the replace described by preview deletes
// more rows than threshold. A negative threshold disables the check.
func NeedsConfirmation(preview *Preview, threshold int64) bool {
	return threshold >= 0 && preview.RowsToDelete > threshold
}

// NotConfirmed is the error for a replace refused by NeedsConfirmation.
func NotConfirmed(preview *Preview) error {
	return fmt.Errorf("replace of %d rows not confirmed: %w", preview.RowsToDelete, types.ErrNotConfirmed)
}

// ReplaceRange atomically replaces every bid whose delivery time falls in
// [min, max] of the batch with the batch itself, and records the operation
// in the version history. Bids outside the range are never touched, and
// repeating the call with the same batch leaves the same row set.
// Parameters:
//   - bids: validated bids of one import batch, must not be empty
//   - sourceBatchID: import identifier, generated when empty
//   - opts: audit metadata
func (s *Service) ReplaceRange(ctx context.Context, bids []types.Bid, sourceBatchID string, opts ReplaceOptions) (*ReplaceResponse, error) {
	if len(bids) == 0 {
		return nil, &types.ConsistencyError{Op: "replace range", Err: types.ErrEmptyBatch}
	}
	if sourceBatchID == "" {
		sourceBatchID = "BATCH_" + uuid.New().String()
	}

	logger := log.With().
		Str("source_batch_id", sourceBatchID).
		Str("service", "ledger").
		Logger()

	if err := types.ValidateBids(bids); err != nil {
		logger.Error().Err(err).Msg("bid batch failed validation")
		return nil, err
	}

	rangeMin, rangeMax, err := types.BidRange(bids)
	if err != nil {
		logger.Error().Err(err).Msg("invalid bid range")
		return nil, err
	}

	rows := make([]types.Bid, len(bids))
	for i, b := range bids {
		rows[i] = types.Bid{
			DeliveryTime:  b.DeliveryTime.UTC(),
			ProductCode:   b.ProductCode,
			PricePerMWh:   b.PricePerMWh,
			CapacityMW:    b.CapacityMW,
			SourceBatchID: sourceBatchID,
		}
	}

	files := opts.SourceFiles
	if files == nil {
		files = []string{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal source files: %w", err)
	}

	record := &VersionRecord{
		OperationType: OperationReplaceRange,
		RangeMin:      rangeMin,
		RangeMax:      rangeMax,
		SourceBatchID: sourceBatchID,
		SourceFiles:   datatypes.JSON(filesJSON),
		Operator:      opts.Operator,
		CreatedAt:     time.Now().UTC(),
	}

	logger.Debug().
		Time("range_min", rangeMin).
		Time("range_max", rangeMax).
		Int("bids", len(rows)).
		Msg("replacing bids in range")

	if err := s.db.ReplaceRange(ctx, rangeMin, rangeMax, rows, record); err != nil {
		logger.Error().Err(err).Msg("replace range rolled back")
		return nil, err
	}

	logger.Info().
		Uint("version_id", record.VersionID).
		Time("range_min", rangeMin).
		Time("range_max", rangeMax).
		Int64("rows_deleted", record.RowsDeleted).
		Int64("rows_inserted", record.RowsInserted).
		Msg("bid range replaced")

	return &ReplaceResponse{
		VersionID:     record.VersionID,
		SourceBatchID: sourceBatchID,
		RangeMin:      rangeMin,
		RangeMax:      rangeMax,
		RowsDeleted:   record.RowsDeleted,
		RowsInserted:  record.RowsInserted,
		Timestamp:     record.CreatedAt,
	}, nil
}

// BidsForInterval returns the bid stack of one quarter-hour product in
// insertion order.
func (s *Service) BidsForInterval(ctx context.Context, intervalStart time.Time, productCode string) ([]types.Bid, error) {
	return s.db.BidsForInterval(ctx, intervalStart, productCode)
}

// BidsInRange returns the stored bids with delivery time in [from, to].
func (s *Service) BidsInRange(ctx context.Context, from, to time.Time) ([]types.Bid, error) {
	return s.db.BidsInRange(ctx, from, to)
}

// Versions returns the audit trail for mutations touching [from, to].
func (s *Service) Versions(ctx context.Context, from, to time.Time) ([]VersionRecord, error) {
	return s.db.Versions(ctx, from, to)
}

// ReplaceRequest is the body of the replace and preview endpoints.
type ReplaceRequest struct {
	SourceBatchID string         `json:"source_batch_id"`
	SourceFiles   []string       `json:"source_files"`
	Bids          []types.RawBid `json:"bids" binding:"required,dive"`
}

// GinHandlers contains HTTP handlers for ledger endpoints
type GinHandlers struct {
	service          *Service
	excludedPrefix   string
	confirmThreshold int64
}

// NewGinHandlers creates handlers that drop raw bids whose product starts
// with excludedPrefix before they reach the ledger. Replaces deleting more
// than confirmThreshold rows need confirm=true.
func NewGinHandlers(service *Service, excludedPrefix string, confirmThreshold int64) *GinHandlers {
	return &GinHandlers{
		service:          service,
		excludedPrefix:   excludedPrefix,
		confirmThreshold: confirmThreshold,
	}
}

func (h *GinHandlers) bindBids(c *gin.Context) (*ReplaceRequest, []types.Bid, bool) {
	var request ReplaceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		response.BadRequest(c, err.Error())
		return nil, nil, false
	}

	bids, _, err := types.NormalizeBids(request.Bids, h.excludedPrefix)
	if err != nil {
		response.Handle(c, nil, err)
		return nil, nil, false
	}
	return &request, bids, true
}

// PreviewHandler handles POST requests for a dry-run replace
func (h *GinHandlers) PreviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		_, bids, ok := h.bindBids(c)
		if !ok {
			return
		}

		preview, err := h.service.Preview(c.Request.Context(), bids)
		response.Handle(c, preview, err)
	}
}

// ReplaceRangeHandler handles POST requests that replace a bid range
// Requires internal authentication
// Query parameters: confirm=true approves replaces over the delete threshold
func (h *GinHandlers) ReplaceRangeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		request, bids, ok := h.bindBids(c)
		if !ok {
			return
		}

		if c.Query("confirm") != "true" {
			preview, err := h.service.Preview(c.Request.Context(), bids)
			if err != nil {
				response.Handle(c, nil, err)
				return
			}
			if NeedsConfirmation(preview, h.confirmThreshold) {
				response.Handle(c, nil, NotConfirmed(preview))
				return
			}
		}

		result, err := h.service.ReplaceRange(c.Request.Context(), bids, request.SourceBatchID, ReplaceOptions{
			SourceFiles: request.SourceFiles,
			Operator:    c.GetString("clientID"),
		})
		response.Handle(c, result, err)
	}
}

// GetVersionsHandler handles GET requests for the audit trail
// Query parameters: start, end (RFC3339)
func (h *GinHandlers) GetVersionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, to, err := types.ParseTimeRange(c.Query("start"), c.Query("end"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		records, err := h.service.Versions(c.Request.Context(), from, to)
		response.Handle(c, records, err)
	}
}

package demand

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/afrr-clearing/internal/types"
	"github.com/ksred/afrr-clearing/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service owns the demand store: one volume per quarter-hour, corrected in
// place on re-import.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

type UpsertResponse struct {
	Upserted  int       `json:"upserted"`
	RangeMin  time.Time `json:"range_min"`
	RangeMax  time.Time `json:"range_max"`
	Timestamp time.Time `json:"timestamp"`
}

// Upsert validates and stores a demand batch.
func (s *Service) Upsert(ctx context.Context, samples []types.DemandSample) (*UpsertResponse, error) {
	logger := log.With().
		Str("service", "demand").
		Int("samples", len(samples)).
		Logger()

	if len(samples) == 0 {
		return nil, &types.ConsistencyError{Op: "demand upsert", Err: types.ErrEmptyBatch}
	}
	if err := types.ValidateDemand(samples); err != nil {
		logger.Error().Err(err).Msg("demand batch failed validation")
		return nil, err
	}

	now := time.Now().UTC()
	rows := make([]types.DemandSample, len(samples))
	for i, sample := range samples {
		rows[i] = types.DemandSample{
			IntervalStart: sample.IntervalStart.UTC(),
			VolumeMW:      sample.VolumeMW,
			Source:        sample.Source,
			UpdatedAt:     now,
		}
	}

	if err := s.db.Upsert(ctx, rows); err != nil {
		logger.Error().Err(err).Msg("demand upsert failed")
		return nil, err
	}

	rangeMin, rangeMax, _ := types.DemandRange(rows)
	logger.Info().
		Time("range_min", rangeMin).
		Time("range_max", rangeMax).
		Msg("demand samples upserted")

	return &UpsertResponse{
		Upserted:  len(rows),
		RangeMin:  rangeMin,
		RangeMax:  rangeMax,
		Timestamp: now,
	}, nil
}

// Get returns the sample of one interval, nil if none is recorded.
func (s *Service) Get(ctx context.Context, intervalStart time.Time) (*types.DemandSample, error) {
	return s.db.Get(ctx, intervalStart)
}

// InRange returns the samples with interval start in [from, to).
func (s *Service) InRange(ctx context.Context, from, to time.Time) ([]types.DemandSample, error) {
	return s.db.InRange(ctx, from, to)
}

// UpsertRequest is the body of the demand endpoint.
type UpsertRequest struct {
	Samples []types.DemandSample `json:"samples" binding:"required"`
}

// GinHandlers contains HTTP handlers for demand endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// UpsertHandler handles POST requests carrying demand samples
func (h *GinHandlers) UpsertHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request UpsertRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.Upsert(c.Request.Context(), request.Samples)
		response.Handle(c, result, err)
	}
}

// GetDemandHandler handles GET requests for stored demand
// Query parameters: start, end (RFC3339, end exclusive)
func (h *GinHandlers) GetDemandHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, to, err := types.ParseTimeRange(c.Query("start"), c.Query("end"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		samples, err := h.service.InRange(c.Request.Context(), from, to)
		response.Handle(c, samples, err)
	}
}

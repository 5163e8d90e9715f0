package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/afrr-clearing/internal/matcher"
	"github.com/ksred/afrr-clearing/internal/types"
	"github.com/ksred/afrr-clearing/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// BidSource supplies the bid stack of one quarter-hour product.
type BidSource interface {
	BidsForInterval(ctx context.Context, intervalStart time.Time, productCode string) ([]types.Bid, error)
}

// DemandSource supplies recorded demand for [from, to).
type DemandSource interface {
	InRange(ctx context.Context, from, to time.Time) ([]types.DemandSample, error)
}

type Options struct {
	ProductPrefix string
	Location      *time.Location
	Workers       int
}

// Service derives marginal prices from the ledger and the demand store.
type Service struct {
	db     *Database
	bids   BidSource
	demand DemandSource
	opts   Options
}

func NewService(gormDB *gorm.DB, bids BidSource, demand DemandSource, opts Options) *Service {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Service{
		db:     NewDatabase(gormDB),
		bids:   bids,
		demand: demand,
		opts:   opts,
	}
}

// RecomputeRange recomputes and stores the result of every quarter-hour
// starting in [start, end). Reads run in parallel; results are written in
// one transaction once every interval has been matched, so a failed run
// leaves stored results untouched.
func (s *Service) RecomputeRange(ctx context.Context, start, end time.Time) (*RecomputeResponse, error) {
	start = start.UTC().Truncate(types.IntervalWidth)
	end = end.UTC()
	if !end.After(start) {
		return nil, &types.ConsistencyError{Op: "recompute range", Err: types.ErrInvertedRange}
	}

	logger := log.With().
		Str("service", "pricing").
		Time("start", start).
		Time("end", end).
		Logger()

	samples, err := s.demand.InRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	demand := make(map[int64]decimal.Decimal, len(samples))
	for _, sample := range samples {
		demand[sample.IntervalStart.Unix()] = sample.VolumeMW
	}

	var intervals []time.Time
	for t := start; t.Before(end); t = t.Add(types.IntervalWidth) {
		intervals = append(intervals, t)
	}

	results := make([]MarginalPriceResult, len(intervals))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, t := range intervals {
		i, t := i, t
		g.Go(func() error {
			result, err := s.computeInterval(gctx, t, demand)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("recompute aborted")
		return nil, fmt.Errorf("failed to recompute prices: %w", err)
	}

	if err := s.db.Upsert(ctx, results); err != nil {
		logger.Error().Err(err).Msg("failed to store price results")
		return nil, err
	}

	summary := summarize(results)
	event := logger.Info().
		Int("intervals", summary.Intervals).
		Int("priced", summary.Priced).
		Int("under_supplied", summary.UnderSupplied)
	if summary.MeanPrice.Valid {
		event = event.
			Str("mean_price", summary.MeanPrice.Decimal.String()).
			Str("min_price", summary.MinPrice.Decimal.String()).
			Str("max_price", summary.MaxPrice.Decimal.String())
	}
	event.Msg("marginal prices recomputed")

	return &RecomputeResponse{
		Start:   start,
		End:     end,
		Summary: summary,
		Results: results,
	}, nil
}

func (s *Service) computeInterval(ctx context.Context, intervalStart time.Time, demand map[int64]decimal.Decimal) (MarginalPriceResult, error) {
	product := types.ProductCode(s.opts.ProductPrefix, intervalStart, s.opts.Location)
	result := MarginalPriceResult{
		IntervalStart:       intervalStart,
		ProductCode:         product,
		AvailableCapacityMW: decimal.Zero,
	}

	volume, ok := demand[intervalStart.Unix()]
	if !ok {
		result.Reason = types.ReasonNoDemandRecorded
		return result, nil
	}

	bids, err := s.bids.BidsForInterval(ctx, intervalStart, product)
	if err != nil {
		return result, err
	}

	match := matcher.Match(volume, bids)
	result.MarginalPrice = match.Price
	result.Reason = match.Reason
	result.ActivatedVolumeMW = decimal.NewNullDecimal(match.ActivatedVolumeMW)
	result.AvailableCapacityMW = match.AvailableCapacityMW
	result.UsedBidCount = match.UsedBidCount
	result.UnderSupplied = match.UnderSupplied
	return result, nil
}

// Upsert stores results, overwriting any row for the same interval.
func (s *Service) Upsert(ctx context.Context, results ...MarginalPriceResult) error {
	return s.db.Upsert(ctx, results)
}

// Results returns stored results with interval start in [from, to).
func (s *Service) Results(ctx context.Context, from, to time.Time) ([]MarginalPriceResult, error) {
	return s.db.ResultsInRange(ctx, from, to)
}

// RecomputeRequest is the body of the recompute endpoint.
type RecomputeRequest struct {
	Start string `json:"start" binding:"required"`
	End   string `json:"end" binding:"required"`
}

// GinHandlers contains HTTP handlers for price endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RecomputeHandler handles POST requests to recompute a range
// Requires internal authentication
func (h *GinHandlers) RecomputeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var request RecomputeRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		start, end, err := types.ParseTimeRange(request.Start, request.End)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		result, err := h.service.RecomputeRange(c.Request.Context(), start, end)
		if result != nil {
			result.Results = nil
		}
		response.Handle(c, result, err)
	}
}

// GetPricesHandler handles GET requests for stored prices
// Query parameters: start, end (RFC3339, end exclusive)
func (h *GinHandlers) GetPricesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		from, to, err := types.ParseTimeRange(c.Query("start"), c.Query("end"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		results, err := h.service.Results(c.Request.Context(), from, to)
		response.Handle(c, results, err)
	}
}

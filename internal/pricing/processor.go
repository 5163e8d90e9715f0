package pricing

import (
	"context"
	"time"

	"github.com/ksred/afrr-clearing/internal/types"
	"github.com/rs/zerolog/log"
)

// Processor periodically recomputes a trailing window of intervals. It is
// the scheduled alternative to recomputing after each import.
type Processor struct {
	service  *Service
	interval time.Duration
	window   time.Duration
	now      func() time.Time
}

func NewProcessor(service *Service, interval, window time.Duration) *Processor {
	return &Processor{
		service:  service,
		interval: interval,
		window:   window,
		now:      time.Now,
	}
}

// Start begins the recompute loop and blocks until ctx is done
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "price_processor").Logger()
	logger.Info().
		Dur("interval", p.interval).
		Dur("window", p.window).
		Msg("starting price processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down price processor")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to recompute trailing window")
			}
		}
	}
}

// RunOnce recomputes the window ending at the current quarter-hour.
func (p *Processor) RunOnce(ctx context.Context) (*RecomputeResponse, error) {
	end := p.now().UTC().Truncate(types.IntervalWidth).Add(types.IntervalWidth)
	return p.service.RecomputeRange(ctx, end.Add(-p.window), end)
}

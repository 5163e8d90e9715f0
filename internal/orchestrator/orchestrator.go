// Package orchestrator runs one import end to end: bid ledger replace,
// demand upsert and price recompute over the affected intervals.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/afrr-clearing/internal/demand"
	"github.com/ksred/afrr-clearing/internal/ledger"
	"github.com/ksred/afrr-clearing/internal/pricing"
	"github.com/ksred/afrr-clearing/internal/types"
	"github.com/rs/zerolog/log"
)

// ErrNotConfirmed is returned when a replace would delete more rows than the
// configured threshold and no confirmation was given.
var ErrNotConfirmed = types.ErrNotConfirmed

type Ledger interface {
	Preview(ctx context.Context, bids []types.Bid) (*ledger.Preview, error)
	ReplaceRange(ctx context.Context, bids []types.Bid, sourceBatchID string, opts ledger.ReplaceOptions) (*ledger.ReplaceResponse, error)
}

type DemandStore interface {
	Upsert(ctx context.Context, samples []types.DemandSample) (*demand.UpsertResponse, error)
}

type PriceStore interface {
	RecomputeRange(ctx context.Context, start, end time.Time) (*pricing.RecomputeResponse, error)
}

// Confirmer approves a replace that exceeds the delete threshold.
type Confirmer interface {
	Confirm(ctx context.Context, preview *ledger.Preview) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, preview *ledger.Preview) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, preview *ledger.Preview) (bool, error) {
	return f(ctx, preview)
}

// AutoConfirm approves every replace.
var AutoConfirm = ConfirmFunc(func(context.Context, *ledger.Preview) (bool, error) {
	return true, nil
})

// Batch is one import: bids for the ledger and demand samples. Either part
// may be empty, not both.
type Batch struct {
	SourceBatchID string
	SourceFiles   []string
	Operator      string
	Bids          []types.Bid
	Demand        []types.DemandSample
}

// Range is a half-open interval [Start, End).
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type Report struct {
	RunID     string                       `json:"run_id"`
	Preview   *ledger.Preview              `json:"preview,omitempty"`
	Replace   *ledger.ReplaceResponse      `json:"replace,omitempty"`
	Demand    *demand.UpsertResponse       `json:"demand,omitempty"`
	Ranges    []Range                      `json:"ranges"`
	Recompute []*pricing.RecomputeResponse `json:"recompute"`
}

type Orchestrator struct {
	ledger           Ledger
	demand           DemandStore
	prices           PriceStore
	confirmThreshold int64
}

// New creates an orchestrator. Replaces deleting more than confirmThreshold
// rows need a Confirmer. A negative threshold disables the check, matching
// ledger.confirm_threshold in the configuration.
func New(l Ledger, d DemandStore, p PriceStore, confirmThreshold int64) *Orchestrator {
	return &Orchestrator{
		ledger:           l,
		demand:           d,
		prices:           p,
		confirmThreshold: confirmThreshold,
	}
}

// Run executes batch step by step and stops at the first failure. Both
// parts are validated before anything is written. confirm may be nil, in
// which case a replace over the threshold fails with ErrNotConfirmed.
func (o *Orchestrator) Run(ctx context.Context, batch Batch, confirm Confirmer) (*Report, error) {
	report := &Report{RunID: uuid.New().String()}
	logger := log.With().
		Str("service", "orchestrator").
		Str("run_id", report.RunID).
		Str("source_batch_id", batch.SourceBatchID).
		Logger()

	if len(batch.Bids) == 0 && len(batch.Demand) == 0 {
		return nil, &types.ConsistencyError{Op: "import", Err: types.ErrEmptyBatch}
	}
	if err := types.ValidateBids(batch.Bids); err != nil {
		return nil, err
	}
	if err := types.ValidateDemand(batch.Demand); err != nil {
		return nil, err
	}

	var ranges []Range
	if len(batch.Bids) > 0 {
		preview, err := o.ledger.Preview(ctx, batch.Bids)
		if err != nil {
			return nil, fmt.Errorf("failed to preview replace: %w", err)
		}
		report.Preview = preview

		if ledger.NeedsConfirmation(preview, o.confirmThreshold) {
			logger.Warn().
				Int64("rows_to_delete", preview.RowsToDelete).
				Int64("threshold", o.confirmThreshold).
				Msg("replace exceeds delete threshold")

			ok := false
			if confirm != nil {
				ok, err = confirm.Confirm(ctx, preview)
				if err != nil {
					return nil, fmt.Errorf("failed to confirm replace: %w", err)
				}
			}
			if !ok {
				return report, ledger.NotConfirmed(preview)
			}
		}

		replaced, err := o.ledger.ReplaceRange(ctx, batch.Bids, batch.SourceBatchID, ledger.ReplaceOptions{
			SourceFiles: batch.SourceFiles,
			Operator:    batch.Operator,
		})
		if err != nil {
			return report, fmt.Errorf("failed to replace bids: %w", err)
		}
		report.Replace = replaced
		ranges = append(ranges, Range{Start: replaced.RangeMin, End: replaced.RangeMax.Add(types.IntervalWidth)})
	}

	if len(batch.Demand) > 0 {
		upserted, err := o.demand.Upsert(ctx, batch.Demand)
		if err != nil {
			return report, fmt.Errorf("failed to upsert demand: %w", err)
		}
		report.Demand = upserted
		ranges = append(ranges, Range{Start: upserted.RangeMin, End: upserted.RangeMax.Add(types.IntervalWidth)})
	}

	report.Ranges = mergeRanges(ranges)
	for _, r := range report.Ranges {
		recomputed, err := o.prices.RecomputeRange(ctx, r.Start, r.End)
		if err != nil {
			return report, fmt.Errorf("failed to recompute prices: %w", err)
		}
		report.Recompute = append(report.Recompute, recomputed)
	}

	logger.Info().
		Int("bids", len(batch.Bids)).
		Int("demand_samples", len(batch.Demand)).
		Int("ranges", len(report.Ranges)).
		Msg("import completed")

	return report, nil
}

// mergeRanges returns the union of ranges as sorted, non-overlapping
// ranges. Touching ranges are joined.
func mergeRanges(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := []Range{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Start.After(last.End) {
			merged = append(merged, r)
			continue
		}
		if r.End.After(last.End) {
			last.End = r.End
		}
	}
	return merged
}

// Package matcher computes the merit-order marginal price of one interval.
package matcher

import (
	"sort"

	"github.com/ksred/afrr-clearing/internal/types"
	"github.com/shopspring/decimal"
)

// Result is the outcome of matching demand against one interval's bids.
type Result struct {
	Price               decimal.NullDecimal `json:"marginal_price"`
	Reason              types.Reason        `json:"reason"`
	ActivatedVolumeMW   decimal.Decimal     `json:"activated_volume_mw"`
	AvailableCapacityMW decimal.Decimal     `json:"available_capacity_mw"`
	UsedBidCount        int                 `json:"used_bid_count"`
	UnderSupplied       bool                `json:"under_supplied"`
}

// Match activates bids cheapest first until demandMW is covered and returns
// the price of the last activated bid. All bids must belong to the same
// interval and product.
//
// Bids with equal prices keep their input order, so callers that pass bids
// in insertion order get the same result on every run. When the whole stack
// is consumed without covering demand the most expensive bid sets the price
// and the result is flagged as under-supplied.
func Match(demandMW decimal.Decimal, bids []types.Bid) Result {
	res := Result{
		ActivatedVolumeMW:   demandMW,
		AvailableCapacityMW: decimal.Zero,
	}

	if demandMW.IsZero() {
		res.Reason = types.ReasonZeroDemand
		return res
	}
	if len(bids) == 0 {
		res.Reason = types.ReasonNoOffers
		return res
	}

	stack := make([]types.Bid, len(bids))
	copy(stack, bids)
	sort.SliceStable(stack, func(i, j int) bool {
		return stack[i].PricePerMWh.LessThan(stack[j].PricePerMWh)
	})

	cumulative := decimal.Zero
	for i, b := range stack {
		cumulative = cumulative.Add(b.CapacityMW)
		res.UsedBidCount = i + 1
		if cumulative.GreaterThanOrEqual(demandMW) {
			res.Price = decimal.NewNullDecimal(b.PricePerMWh)
			break
		}
	}

	if !res.Price.Valid {
		res.Price = decimal.NewNullDecimal(stack[len(stack)-1].PricePerMWh)
		res.UnderSupplied = true
	}

	res.Reason = types.ReasonCleared
	res.AvailableCapacityMW = cumulative
	return res
}

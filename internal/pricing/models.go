package pricing

import (
	"time"

	"github.com/ksred/afrr-clearing/internal/types"
	"github.com/shopspring/decimal"
)

// MarginalPriceResult is the derived price of one quarter-hour. The table
// carries no timestamps so recomputing unchanged inputs rewrites identical
// rows.
type MarginalPriceResult struct {
	IntervalStart       time.Time           `gorm:"primaryKey;autoIncrement:false" json:"interval_start"`
	ProductCode         string              `gorm:"size:32;not null" json:"product_code"`
	MarginalPrice       decimal.NullDecimal `gorm:"type:decimal(20,6)" json:"marginal_price"`
	Reason              types.Reason        `gorm:"size:32;not null" json:"reason"`
	ActivatedVolumeMW   decimal.NullDecimal `gorm:"column:activated_volume_mw;type:decimal(20,6)" json:"activated_volume_mw"`
	AvailableCapacityMW decimal.Decimal     `gorm:"column:available_capacity_mw;type:decimal(20,6);not null" json:"available_capacity_mw"`
	UsedBidCount        int                 `gorm:"not null" json:"used_bid_count"`
	UnderSupplied       bool                `gorm:"not null" json:"under_supplied"`
}

// Summary aggregates one recompute run.
type Summary struct {
	Intervals     int                  `json:"intervals"`
	Priced        int                  `json:"priced"`
	UnderSupplied int                  `json:"under_supplied"`
	Reasons       map[types.Reason]int `json:"reasons"`
	MeanPrice     decimal.NullDecimal  `json:"mean_price"`
	MinPrice      decimal.NullDecimal  `json:"min_price"`
	MaxPrice      decimal.NullDecimal  `json:"max_price"`
}

type RecomputeResponse struct {
	Start   time.Time             `json:"start"`
	End     time.Time             `json:"end"`
	Summary Summary               `json:"summary"`
	Results []MarginalPriceResult `json:"results,omitempty"`
}

// summarize computes run statistics over results.
func summarize(results []MarginalPriceResult) Summary {
	s := Summary{
		Intervals: len(results),
		Reasons:   make(map[types.Reason]int),
	}

	sum := decimal.Zero
	for _, r := range results {
		s.Reasons[r.Reason]++
		if r.UnderSupplied {
			s.UnderSupplied++
		}
		if !r.Reason.Priced() || !r.MarginalPrice.Valid {
			continue
		}

		price := r.MarginalPrice.Decimal
		s.Priced++
		sum = sum.Add(price)
		if !s.MinPrice.Valid || price.LessThan(s.MinPrice.Decimal) {
			s.MinPrice = decimal.NewNullDecimal(price)
		}
		if !s.MaxPrice.Valid || price.GreaterThan(s.MaxPrice.Decimal) {
			s.MaxPrice = decimal.NewNullDecimal(price)
		}
	}

	if s.Priced > 0 {
		s.MeanPrice = decimal.NewNullDecimal(sum.Div(decimal.NewFromInt(int64(s.Priced))).Round(6))
	}
	return s
}

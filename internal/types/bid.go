package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// IntervalWidth is the width of one delivery / demand interval.
const IntervalWidth = 15 * time.Minute

// Payment directions as published in provider bid files.
const (
	ProviderToGrid = "PROVIDER_TO_GRID"
	GridToProvider = "GRID_TO_PROVIDER"
)

// Bid is one anonymized capacity offer. Rows are not unique by content:
// identical bids for the same interval are all kept.
type Bid struct {
	ID            uint            `gorm:"primaryKey" json:"-"`
	DeliveryTime  time.Time       `gorm:"not null;index:idx_bids_delivery_product,priority:1" json:"delivery_time"`
	ProductCode   string          `gorm:"size:32;not null;index:idx_bids_delivery_product,priority:2;check:chk_bids_product_code,product_code <> ''" json:"product_code"`
	PricePerMWh   decimal.Decimal `gorm:"column:price_per_mwh;type:decimal(20,6);not null" json:"price_per_mwh"`
	CapacityMW    decimal.Decimal `gorm:"column:capacity_mw;type:decimal(20,6);not null;check:chk_bids_capacity,capacity_mw >= 0" json:"capacity_mw"`
	SourceBatchID string          `gorm:"size:255;not null;index" json:"source_batch_id"`
}

// DemandSample is the required balancing volume for one quarter-hour.
type DemandSample struct {
	IntervalStart time.Time       `gorm:"primaryKey;autoIncrement:false" json:"interval_start"`
	VolumeMW      decimal.Decimal `gorm:"column:volume_mw;type:decimal(20,6);not null;check:chk_demand_volume,volume_mw >= 0" json:"volume_mw"`
	Source        string          `gorm:"size:255" json:"source,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// RawBid is a bid as delivered by a loader, before the sign convention is
// applied. Price is always the published magnitude. Price and capacity are
// pointers so a missing field is told apart from an explicit zero.
type RawBid struct {
	DeliveryTime     time.Time        `json:"delivery_time" binding:"required"`
	ProductCode      string           `json:"product_code" binding:"required"`
	Price            *decimal.Decimal `json:"energy_price_eur_mwh" binding:"required"`
	PaymentDirection string           `json:"payment_direction" binding:"required"`
	CapacityMW       *decimal.Decimal `json:"allocated_capacity_mw" binding:"required"`
}

// NormalizeBids applies the payment direction sign convention and drops
// products starting with excludedPrefix. An empty prefix keeps everything.
func NormalizeBids(raw []RawBid, excludedPrefix string) ([]Bid, int, error) {
	bids := make([]Bid, 0, len(raw))
	dropped := 0
	for i, r := range raw {
		if excludedPrefix != "" && strings.HasPrefix(strings.ToUpper(r.ProductCode), strings.ToUpper(excludedPrefix)) {
			dropped++
			continue
		}

		negate := false
		switch strings.ToUpper(strings.TrimSpace(r.PaymentDirection)) {
		case ProviderToGrid:
			negate = true
		case GridToProvider:
		default:
			return nil, dropped, &ValidationError{
				Row:    i,
				Key:    rowKey(r.DeliveryTime, r.ProductCode),
				Field:  "payment_direction",
				Reason: fmt.Sprintf("unknown payment direction %q", r.PaymentDirection),
			}
		}
		if r.Price == nil {
			return nil, dropped, &ValidationError{Row: i, Key: rowKey(r.DeliveryTime, r.ProductCode), Field: "energy_price_eur_mwh", Reason: "missing"}
		}
		if r.CapacityMW == nil {
			return nil, dropped, &ValidationError{Row: i, Key: rowKey(r.DeliveryTime, r.ProductCode), Field: "allocated_capacity_mw", Reason: "missing"}
		}

		price := r.Price.Abs()
		if negate {
			price = price.Neg()
		}

		bids = append(bids, Bid{
			DeliveryTime: r.DeliveryTime.UTC(),
			ProductCode:  strings.TrimSpace(r.ProductCode),
			PricePerMWh:  price,
			CapacityMW:   *r.CapacityMW,
		})
	}
	return bids, dropped, nil
}

// ProductCode maps an interval start to its quarter-hour product, e.g.
// 00:00-00:15 local time -> NEG_001.
func ProductCode(prefix string, intervalStart time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := intervalStart.In(loc)
	slot := local.Hour()*4 + local.Minute()/15 + 1
	return fmt.Sprintf("%s_%03d", prefix, slot)
}

// AlignedToInterval reports whether t falls on a quarter-hour boundary.
func AlignedToInterval(t time.Time) bool {
	return t.Truncate(IntervalWidth).Equal(t)
}

func rowKey(t time.Time, product string) string {
	return fmt.Sprintf("%s/%s", t.UTC().Format(time.RFC3339), product)
}

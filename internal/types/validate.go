package types

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Numeric columns keep at most StoredScale fractional digits and magnitudes
// below maxStored. Within these limits a value has at most 15 significant
// digits and survives drivers that store decimals as float64 (sqlite REAL).
const StoredScale = 6

var maxStored = decimal.New(1, 9)

// Storable reports whether d is kept exactly by every supported driver.
func Storable(d decimal.Decimal) bool {
	return d.Abs().LessThan(maxStored) && d.Equal(d.Truncate(StoredScale))
}

const precisionReason = "exceeds stored precision (6 decimals, magnitude below 1e9)"

// ValidateBids checks the structural constraints of a bid batch.
func ValidateBids(bids []Bid) error {
	for i, b := range bids {
		key := rowKey(b.DeliveryTime, b.ProductCode)
		switch {
		case b.DeliveryTime.IsZero():
			return &ValidationError{Row: i, Key: key, Field: "delivery_time", Reason: "required"}
		case !AlignedToInterval(b.DeliveryTime):
			return &ValidationError{Row: i, Key: key, Field: "delivery_time", Reason: "not aligned to a quarter-hour"}
		case b.ProductCode == "":
			return &ValidationError{Row: i, Key: key, Field: "product_code", Reason: "required"}
		case b.CapacityMW.IsNegative():
			return &ValidationError{Row: i, Key: key, Field: "capacity_mw", Reason: "must not be negative"}
		case !Storable(b.PricePerMWh):
			return &ValidationError{Row: i, Key: key, Field: "price_per_mwh", Reason: precisionReason}
		case !Storable(b.CapacityMW):
			return &ValidationError{Row: i, Key: key, Field: "capacity_mw", Reason: precisionReason}
		}
	}
	return nil
}

// ValidateDemand checks a demand batch. Duplicate intervals within one batch
// are rejected since the store keeps exactly one value per interval.
func ValidateDemand(samples []DemandSample) error {
	seen := make(map[int64]int, len(samples))
	for i, s := range samples {
		key := s.IntervalStart.UTC().Format(time.RFC3339)
		switch {
		case s.IntervalStart.IsZero():
			return &ValidationError{Row: i, Key: key, Field: "interval_start", Reason: "required"}
		case !AlignedToInterval(s.IntervalStart):
			return &ValidationError{Row: i, Key: key, Field: "interval_start", Reason: "not aligned to a quarter-hour"}
		case s.VolumeMW.IsNegative():
			return &ValidationError{Row: i, Key: key, Field: "volume_mw", Reason: "must not be negative"}
		case !Storable(s.VolumeMW):
			return &ValidationError{Row: i, Key: key, Field: "volume_mw", Reason: precisionReason}
		}
		if prev, ok := seen[s.IntervalStart.Unix()]; ok {
			return &ValidationError{Row: i, Key: key, Field: "interval_start", Reason: "duplicates row " + strconv.Itoa(prev)}
		}
		seen[s.IntervalStart.Unix()] = i
	}
	return nil
}

// BidRange returns the closed delivery-time range covered by a batch.
func BidRange(bids []Bid) (time.Time, time.Time, error) {
	if len(bids) == 0 {
		return time.Time{}, time.Time{}, &ConsistencyError{Op: "bid range", Err: ErrEmptyBatch}
	}
	lo, hi := bids[0].DeliveryTime, bids[0].DeliveryTime
	for _, b := range bids[1:] {
		if b.DeliveryTime.Before(lo) {
			lo = b.DeliveryTime
		}
		if b.DeliveryTime.After(hi) {
			hi = b.DeliveryTime
		}
	}
	if lo.After(hi) {
		return time.Time{}, time.Time{}, &ConsistencyError{Op: "bid range", Err: ErrInvertedRange}
	}
	return lo.UTC(), hi.UTC(), nil
}

// DemandRange returns the closed interval-start range covered by a batch.
func DemandRange(samples []DemandSample) (time.Time, time.Time, error) {
	if len(samples) == 0 {
		return time.Time{}, time.Time{}, &ConsistencyError{Op: "demand range", Err: ErrEmptyBatch}
	}
	lo, hi := samples[0].IntervalStart, samples[0].IntervalStart
	for _, s := range samples[1:] {
		if s.IntervalStart.Before(lo) {
			lo = s.IntervalStart
		}
		if s.IntervalStart.After(hi) {
			hi = s.IntervalStart
		}
	}
	return lo.UTC(), hi.UTC(), nil
}

// ParseTimeRange parses RFC3339 query bounds. An inverted range is a
// ConsistencyError.
func ParseTimeRange(start, end string) (time.Time, time.Time, error) {
	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return time.Time{}, time.Time{}, &ValidationError{Field: "start", Reason: "expected RFC3339 timestamp"}
	}
	to, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return time.Time{}, time.Time{}, &ValidationError{Field: "end", Reason: "expected RFC3339 timestamp"}
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, &ConsistencyError{Op: "parse range", Err: ErrInvertedRange}
	}
	return from.UTC(), to.UTC(), nil
}

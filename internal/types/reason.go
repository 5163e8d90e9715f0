package types

// Reason explains a computed interval result. Every reason except
// ReasonCleared comes with a null marginal price.
type Reason string

const (
	ReasonCleared          Reason = "CLEARED"
	ReasonZeroDemand       Reason = "ZERO_DEMAND"
	ReasonNoOffers         Reason = "NO_OFFERS"
	ReasonNoDemandRecorded Reason = "NO_DEMAND_RECORDED"
)

// Priced reports whether the reason carries a marginal price.
func (r Reason) Priced() bool {
	return r == ReasonCleared
}

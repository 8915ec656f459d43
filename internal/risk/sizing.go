package risk

import (
	"math"
)

// sizePosition computes the order quantity from a currency risk budget and
// the maximum-position cap, floored to whole shares.
//
//	riskBudget  = equity * maxPortfolioRiskPct * strength
//	qtyFromRisk = riskBudget / (price * stopFraction)
//	qtyFromCap  = equity * maxPositionPct / price
//	quantity    = floor(min(qtyFromRisk, qtyFromCap))
//
// The divisor is price * stopFraction, not the per-share stop distance
// alone; changing that convention changes every sized quantity.
func sizePosition(equity, price, strength, maxPortfolioRiskPct, maxPositionPct, stopFraction float64) int64 {
	if equity <= 0 || price <= 0 || stopFraction <= 0 {
		return 0
	}
	riskBudget := equity * maxPortfolioRiskPct * strength
	qtyFromRisk := riskBudget / (price * stopFraction)
	qtyFromCap := equity * maxPositionPct / price
	qty := math.Min(qtyFromRisk, qtyFromCap)
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return 0
	}
	return int64(math.Floor(qty))
}

package core

import "github.com/shopspring/decimal"

// ComputeTrailing implements the "palma da mao" trailing-stop rule of
// spec §4.7.3. Given the previous trailing stop and peak price, the fixed
// tech-stop distance, the position side, and the latest trade price, it
// returns the new trailing stop and peak. The distance to the peak is
// always exactly techStopDistance (invariant I4); the stop only ever moves
// in the favorable direction.
func ComputeTrailing(side Side, prevTrailing, prevPeak Price, techStopDistance decimal.Decimal, lastPrice decimal.Decimal) (trailing Price, peak Price) {
	if side == SideLong {
		newPeak := prevPeak.Decimal()
		if lastPrice.GreaterThan(newPeak) {
			newPeak = lastPrice
		}
		candidate := newPeak.Sub(techStopDistance)
		newTrailing := prevTrailing.Decimal()
		if candidate.GreaterThan(newTrailing) {
			newTrailing = candidate
		}
		return MustPrice(newTrailing), MustPrice(newPeak)
	}

	// Short: mirror image, trough instead of peak, min instead of max.
	newTrough := prevPeak.Decimal()
	if lastPrice.LessThan(newTrough) {
		newTrough = lastPrice
	}
	candidate := newTrough.Add(techStopDistance)
	newTrailing := prevTrailing.Decimal()
	if candidate.LessThan(newTrailing) {
		newTrailing = candidate
	}
	return MustPrice(newTrailing), MustPrice(newTrough)
}

// TrailingTriggered reports whether lastPrice breaches the trailing stop
// (spec §4.7.3 trigger condition).
func TrailingTriggered(side Side, trailing Price, lastPrice decimal.Decimal) bool {
	if side == SideLong {
		return lastPrice.LessThanOrEqual(trailing.Decimal())
	}
	return lastPrice.GreaterThanOrEqual(trailing.Decimal())
}

// InsurancePrice computes the insurance-stop price: strictly wider than the
// local trailing stop by insuranceBuffer, so the local monitor always fires
// first in normal operation (spec §4.7.3, I8).
func InsurancePrice(side Side, trailing Price, buffer decimal.Decimal) Price {
	if side == SideLong {
		return MustPrice(trailing.Decimal().Sub(buffer))
	}
	return MustPrice(trailing.Decimal().Add(buffer))
}

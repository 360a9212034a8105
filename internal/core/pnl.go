package core

import "github.com/shopspring/decimal"

// SideSign is +1 for Long, -1 for Short, used by the realized-PnL formula.
func SideSign(side Side) decimal.Decimal {
	if side == SideLong {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

// RealizedPnL computes (exit - entry) * qty * side_sign - fees, the
// invariant checked by property P2.
func RealizedPnL(side Side, entry, exit Price, qty decimal.Decimal, fees decimal.Decimal) decimal.Decimal {
	diff := exit.Decimal().Sub(entry.Decimal())
	return diff.Mul(qty).Mul(SideSign(side)).Sub(fees)
}

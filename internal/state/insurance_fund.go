package state

import (
	fpmath "Percolator/internal/math"
)

// InsuranceFund absorbs losses, fees and bad debt, and pays out matured
// profit at the current haircut.
type InsuranceFund struct {
	Balance  uint64
	FeesPaid uint64 // lifetime fees received
	BadDebt  uint64 // lifetime uncovered losses written off
}

// ComputeCoverage returns how much of a deficit balance can cover and what
// remains uncovered.
func ComputeCoverage(balance, deficit uint64) (covered, remaining uint64) {
	if balance >= deficit {
		return deficit, 0
	}
	return balance, deficit - balance
}

// GateActive reports whether the market is in risk-reduction-only mode.
func GateActive(insurance, threshold uint64) bool {
	return threshold > 0 && insurance <= threshold
}

// Haircut scales a positive PnL by min(available, totalPositive)/totalPositive.
func Haircut(pnl, available, totalPositive uint64) uint64 {
	if pnl == 0 || totalPositive == 0 {
		return 0
	}
	if available >= totalPositive {
		return pnl
	}
	return fpmath.MulDivU(pnl, available, totalPositive, fpmath.RoundDown)
}

// AutoThreshold returns thresholdBps of the open-interest notional.
func AutoThreshold(openInterest, priceE6, thresholdBps uint64) uint64 {
	if thresholdBps == 0 {
		return 0
	}
	notional := fpmath.MulDivU(openInterest, priceE6, fpmath.PriceScale, fpmath.RoundDown)
	return fpmath.MulDivU(notional, thresholdBps, fpmath.BpsScale, fpmath.RoundDown)
}

package state

import (
	"fmt"

	fpmath "Percolator/internal/math"
	"Percolator/internal/riskerr"
)

// Equity returns capital + pnl + unrealized mark PnL at priceE6.
func Equity(acc *Account, priceE6 uint64) int64 {
	eq := fpmath.SatAdd(fpmath.ClampToInt64(acc.Capital), acc.PnL)
	return fpmath.SatAdd(eq, fpmath.ComputeMarkPnL(acc.Position, acc.EntryPrice, priceE6))
}

// RequiredMargin returns ceil(|pos| * price * bps / 1e10).
func RequiredMargin(pos int64, priceE6, bps uint64) uint64 {
	return fpmath.ComputeMarginRequirement(pos, priceE6, bps)
}

// IsRiskIncreasing reports whether moving from oldPos to newPos grows
// exposure: a larger absolute size, a sign flip, or opening from flat.
func IsRiskIncreasing(oldPos, newPos int64) bool {
	if newPos == 0 {
		return false
	}
	if oldPos == 0 {
		return true
	}
	if (oldPos > 0) != (newPos > 0) {
		return true
	}
	return fpmath.UnsignedAbs(newPos) > fpmath.UnsignedAbs(oldPos)
}

// MarginBps selects the tier for a position change: initial margin when
// risk increases, maintenance otherwise.
func (p *RiskParams) MarginBps(oldPos, newPos int64) uint64 {
	if IsRiskIncreasing(oldPos, newPos) {
		return p.InitialMarginBps
	}
	return p.MaintenanceMarginBps
}

// CheckMargin verifies acc (already holding its new position) against the
// tier chosen by the move from oldPos. A flat account always passes.
func CheckMargin(acc *Account, oldPos int64, priceE6 uint64, p *RiskParams) error {
	if acc.Position == 0 {
		return nil
	}
	bps := p.MarginBps(oldPos, acc.Position)
	required := RequiredMargin(acc.Position, priceE6, bps)
	equity := Equity(acc, priceE6)
	if equity < 0 || uint64(equity) < required {
		return fmt.Errorf("%w: equity %d < required %d (%d bps)", riskerr.ErrInsufficientMargin, equity, required, bps)
	}
	return nil
}

// IsLiquidatable reports equity < maintenance requirement for an open position.
func IsLiquidatable(acc *Account, priceE6 uint64, p *RiskParams) bool {
	if acc.Position == 0 {
		return false
	}
	equity := Equity(acc, priceE6)
	mm := RequiredMargin(acc.Position, priceE6, p.MaintenanceMarginBps)
	return equity < 0 || uint64(equity) < mm
}

// MarginStatus represents an account's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusAtRisk
	MarginStatusLiquidatable
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}

// CheckMarginHealth classifies acc against both tiers at priceE6.
func CheckMarginHealth(acc *Account, priceE6 uint64, p *RiskParams) MarginStatus {
	if acc.Position == 0 {
		return MarginStatusHealthy
	}
	if IsLiquidatable(acc, priceE6, p) {
		return MarginStatusLiquidatable
	}
	im := RequiredMargin(acc.Position, priceE6, p.InitialMarginBps)
	if equity := Equity(acc, priceE6); equity <= 0 || uint64(equity) < im {
		return MarginStatusAtRisk
	}
	return MarginStatusHealthy
}

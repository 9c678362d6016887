package oracle

import (
	"fmt"

	fpmath "Percolator/internal/math"
	"Percolator/internal/riskerr"
)

// CapScale is the denominator of a price cap expressed in e2bps
// (1_000_000 = 100% per slot).
const CapScale = 1_000_000

// ClampToCap bounds target to base ± base*capE2Bps*steps/1e6.
// A zero cap disables the clamp.
func ClampToCap(base, target, capE2Bps, steps uint64) uint64 {
	if capE2Bps == 0 || base == 0 {
		return target
	}
	maxDelta := fpmath.MulDivU(base, fpmath.SatMulU(capE2Bps, steps), CapScale, fpmath.RoundDown)
	if target > base {
		return fpmath.MinU(target, fpmath.SatAddU(base, maxDelta))
	}
	return fpmath.MaxU(target, fpmath.SatSubU(base, maxDelta))
}

// ClampMark bounds a trade's execution price to one cap step from the mark
// anchored at the first trade of the current slot. Repeated trades within a
// slot cannot walk the mark further than a single step.
func ClampMark(anchorE6, execE6, capE2Bps uint64) uint64 {
	clamped := ClampToCap(anchorE6, execE6, capE2Bps, 1)
	if clamped == 0 {
		return anchorE6
	}
	return clamped
}

// AdvanceIndex moves the index toward mark by at most cap per elapsed slot.
// With no elapsed time the index is returned unchanged.
func AdvanceIndex(indexE6, markE6, lastSlot, nowSlot, capE2Bps uint64) uint64 {
	if nowSlot <= lastSlot || indexE6 == 0 {
		return indexE6
	}
	dt := nowSlot - lastSlot
	return ClampToCap(indexE6, markE6, capE2Bps, dt)
}

// PremiumRate returns the per-slot funding rate in bps implied by the
// mark/index premium, spread over horizonSlots and clamped to ±maxBps.
func PremiumRate(markE6, indexE6, horizonSlots uint64, maxBps int64) int64 {
	if indexE6 == 0 || horizonSlots == 0 {
		return 0
	}
	diff := fpmath.SatSub(fpmath.ClampToInt64(markE6), fpmath.ClampToInt64(indexE6))
	premiumBps := fpmath.MulDivI(diff, fpmath.BpsScale, indexE6, fpmath.RoundDown)
	rate := premiumBps / int64(horizonSlots)
	if maxBps > 0 {
		if rate > maxBps {
			rate = maxBps
		}
		if rate < -maxBps {
			rate = -maxBps
		}
	}
	return rate
}

// ValidatePushed applies the staleness rule to an authority-pushed price and
// applies market inversion.
func ValidatePushed(priceE6, publishSlot, nowSlot uint64, p Params) (uint64, error) {
	if priceE6 == 0 {
		return 0, fmt.Errorf("%w: no pushed price", riskerr.ErrOracleInvalid)
	}
	age := fpmath.SatSubU(nowSlot, publishSlot)
	if age > p.MaxStalenessSlots {
		return 0, fmt.Errorf("%w: pushed price age %d > %d", riskerr.ErrOracleStale, age, p.MaxStalenessSlots)
	}
	if p.Invert {
		return Invert(priceE6)
	}
	return priceE6, nil
}

package math

import (
	stdmath "math"
	"math/big"
	"sync"
)

const (
	// PriceScale is the fixed-point scale of every price_e6 value.
	PriceScale = 1_000_000
	// BpsScale is the denominator of a basis-point fraction.
	BpsScale = 10_000
)

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // toward zero
	RoundUp                           // away from zero
	RoundFloor                        // toward negative infinity
)

var (
	maxInt64Big  = big.NewInt(stdmath.MaxInt64)
	minInt64Big  = big.NewInt(stdmath.MinInt64)
	maxUint64Big = new(big.Int).SetUint64(stdmath.MaxUint64)
)

// divideRounded sets q = num / den with the given rounding. den must be positive.
func divideRounded(q, num, den *big.Int, mode RoundingMode) {
	r := getInt128()
	defer putInt128(r)

	sign := num.Sign()
	// QuoRem truncates toward zero
	q.QuoRem(num, den, r)
	if r.Sign() == 0 {
		return
	}

	switch mode {
	case RoundDown:
	case RoundUp:
		if sign > 0 {
			q.Add(q, big.NewInt(1))
		} else {
			q.Sub(q, big.NewInt(1))
		}
	case RoundFloor:
		if sign < 0 {
			q.Sub(q, big.NewInt(1))
		}
	case RoundHalfEven:
		twice := getInt128()
		defer putInt128(twice)
		twice.Abs(r)
		twice.Lsh(twice, 1)
		cmp := twice.Cmp(den)
		if cmp > 0 || (cmp == 0 && q.Bit(0) == 1) {
			if sign > 0 {
				q.Add(q, big.NewInt(1))
			} else {
				q.Sub(q, big.NewInt(1))
			}
		}
	}
}

func clampInt64(v *big.Int) int64 {
	if v.Cmp(maxInt64Big) > 0 {
		return stdmath.MaxInt64
	}
	if v.Cmp(minInt64Big) < 0 {
		return stdmath.MinInt64
	}
	return v.Int64()
}

func clampUint64(v *big.Int) uint64 {
	if v.Sign() <= 0 {
		return 0
	}
	if v.Cmp(maxUint64Big) > 0 {
		return stdmath.MaxUint64
	}
	return v.Uint64()
}

// MulDivU computes a * b / den in 128-bit precision, saturating at MaxUint64.
// A zero denominator yields zero.
func MulDivU(a, b, den uint64, mode RoundingMode) uint64 {
	if den == 0 {
		return 0
	}
	num := getInt128()
	tmp := getInt128()
	d := getInt128()
	defer func() {
		putInt128(num)
		putInt128(tmp)
		putInt128(d)
	}()

	num.SetUint64(a)
	num.Mul(num, tmp.SetUint64(b))
	d.SetUint64(den)
	divideRounded(num, num, d, mode)
	return clampUint64(num)
}

// MulDivI computes a * b / den for signed a, saturating to the int64 range.
func MulDivI(a int64, b, den uint64, mode RoundingMode) int64 {
	if den == 0 {
		return 0
	}
	num := getInt128()
	tmp := getInt128()
	d := getInt128()
	defer func() {
		putInt128(num)
		putInt128(tmp)
		putInt128(d)
	}()

	num.SetInt64(a)
	num.Mul(num, tmp.SetUint64(b))
	d.SetUint64(den)
	divideRounded(num, num, d, mode)
	return clampInt64(num)
}

// ComputeNotional returns |size| * price_e6 / 1e6, rounded down.
func ComputeNotional(size int64, priceE6 uint64) uint64 {
	return MulDivU(UnsignedAbs(size), priceE6, PriceScale, RoundDown)
}

// ComputeMarginRequirement returns ceil(|size| * price_e6 * bps / (1e6 * 1e4)).
// Rounding up keeps the requirement conservative at every boundary.
func ComputeMarginRequirement(size int64, priceE6 uint64, bps uint64) uint64 {
	if size == 0 || bps == 0 {
		return 0
	}
	num := getInt128()
	tmp := getInt128()
	d := getInt128()
	defer func() {
		putInt128(num)
		putInt128(tmp)
		putInt128(d)
	}()

	num.SetUint64(UnsignedAbs(size))
	num.Mul(num, tmp.SetUint64(priceE6))
	num.Mul(num, tmp.SetUint64(bps))
	d.SetUint64(PriceScale * BpsScale)
	divideRounded(num, num, d, RoundUp)
	return clampUint64(num)
}

// ComputeFee returns ceil(amount * bps / 1e4).
func ComputeFee(amount uint64, bps uint64) uint64 {
	return MulDivU(amount, bps, BpsScale, RoundUp)
}

// ComputeMarkPnL returns size * (price - entry) / 1e6, rounded toward negative
// infinity so the two sides of a trade never sum to a positive amount.
func ComputeMarkPnL(size int64, entryE6, priceE6 uint64) int64 {
	if size == 0 {
		return 0
	}
	num := getInt128()
	tmp := getInt128()
	d := getInt128()
	defer func() {
		putInt128(num)
		putInt128(tmp)
		putInt128(d)
	}()

	num.SetUint64(priceE6)
	num.Sub(num, tmp.SetUint64(entryE6))
	num.Mul(num, tmp.SetInt64(size))
	d.SetUint64(PriceScale)
	divideRounded(num, num, d, RoundFloor)
	return clampInt64(num)
}

// ComputeAvgEntryPrice calculates the weighted average entry price when a
// position of oldAbs at oldEntry is increased by addAbs at fillPrice.
func ComputeAvgEntryPrice(oldAbs, oldEntry, addAbs, fillPrice uint64) uint64 {
	if oldAbs == 0 {
		return fillPrice
	}
	if addAbs == 0 {
		return oldEntry
	}

	// numerator = oldAbs * oldEntry + addAbs * fillPrice
	term1 := getInt128()
	term2 := getInt128()
	tmp := getInt128()
	den := getInt128()
	defer func() {
		putInt128(term1)
		putInt128(term2)
		putInt128(tmp)
		putInt128(den)
	}()

	term1.SetUint64(oldAbs)
	term1.Mul(term1, tmp.SetUint64(oldEntry))
	term2.SetUint64(addAbs)
	term2.Mul(term2, tmp.SetUint64(fillPrice))
	term1.Add(term1, term2)

	den.SetUint64(oldAbs)
	den.Add(den, tmp.SetUint64(addAbs))

	divideRounded(term1, term1, den, RoundHalfEven)
	return clampUint64(term1)
}

// ComputeRealizedPnL calculates the PnL of closing closeAbs units of a
// position whose direction is sideSign (+1 long, -1 short).
func ComputeRealizedPnL(sideSign int64, closeAbs uint64, entryE6, exitE6 uint64) int64 {
	if closeAbs == 0 || sideSign == 0 {
		return 0
	}
	signed := ClampToInt64(closeAbs)
	if sideSign < 0 {
		signed = -signed
	}
	return ComputeMarkPnL(signed, entryE6, exitE6)
}

// Pow10 returns 10^n for n in [0, 19] and false otherwise.
func Pow10(n int) (uint64, bool) {
	if n < 0 || n > 19 {
		return 0, false
	}
	v := uint64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v, true
}

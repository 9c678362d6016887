package math

import (
	stdmath "math"
	"math/bits"
)

// Saturating arithmetic for capital, position and PnL fields.
// Results clamp at the representable bounds instead of wrapping or panicking,
// so crank and liquidation loops keep running under adversarial inputs.

// SatAdd returns a + b clamped to [MinInt64, MaxInt64].
func SatAdd(a, b int64) int64 {
	if b > 0 && a > stdmath.MaxInt64-b {
		return stdmath.MaxInt64
	}
	if b < 0 && a < stdmath.MinInt64-b {
		return stdmath.MinInt64
	}
	return a + b
}

// SatSub returns a - b clamped to [MinInt64, MaxInt64].
func SatSub(a, b int64) int64 {
	if b < 0 && a > stdmath.MaxInt64+b {
		return stdmath.MaxInt64
	}
	if b > 0 && a < stdmath.MinInt64+b {
		return stdmath.MinInt64
	}
	return a - b
}

// SatMul returns a * b clamped to [MinInt64, MaxInt64].
func SatMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	negative := (a < 0) != (b < 0)
	hi, lo := bits.Mul64(UnsignedAbs(a), UnsignedAbs(b))
	if hi != 0 {
		if negative {
			return stdmath.MinInt64
		}
		return stdmath.MaxInt64
	}
	if negative {
		if lo >= 1<<63 {
			return stdmath.MinInt64
		}
		return -int64(lo)
	}
	if lo > stdmath.MaxInt64 {
		return stdmath.MaxInt64
	}
	return int64(lo)
}

// SatNeg returns -a, mapping MinInt64 to MaxInt64.
func SatNeg(a int64) int64 {
	if a == stdmath.MinInt64 {
		return stdmath.MaxInt64
	}
	return -a
}

// UnsignedAbs returns |a| as uint64. MinInt64 maps to 1<<63 without overflow.
func UnsignedAbs(a int64) uint64 {
	if a < 0 {
		return uint64(^a) + 1
	}
	return uint64(a)
}

// Signum returns -1, 0 or +1.
func Signum(a int64) int64 {
	switch {
	case a > 0:
		return 1
	case a < 0:
		return -1
	default:
		return 0
	}
}

// SatAddU returns a + b clamped to MaxUint64.
func SatAddU(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return stdmath.MaxUint64
	}
	return sum
}

// SatSubU returns a - b floored at zero.
func SatSubU(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// SatMulU returns a * b clamped to MaxUint64.
func SatMulU(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return stdmath.MaxUint64
	}
	return lo
}

// ClampToInt64 converts an unsigned amount to int64, clamping at MaxInt64.
func ClampToInt64(a uint64) int64 {
	if a > stdmath.MaxInt64 {
		return stdmath.MaxInt64
	}
	return int64(a)
}

// PositivePart returns max(a, 0) as uint64.
func PositivePart(a int64) uint64 {
	if a <= 0 {
		return 0
	}
	return uint64(a)
}

// MinU returns the smaller of a and b.
func MinU(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// MaxU returns the larger of a and b.
func MaxU(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// CompareProductsU compares a*b with c*d exactly and returns -1, 0 or +1.
func CompareProductsU(a, b, c, d uint64) int {
	h1, l1 := bits.Mul64(a, b)
	h2, l2 := bits.Mul64(c, d)
	switch {
	case h1 != h2:
		if h1 < h2 {
			return -1
		}
		return 1
	case l1 != l2:
		if l1 < l2 {
			return -1
		}
		return 1
	default:
		return 0
	}
}

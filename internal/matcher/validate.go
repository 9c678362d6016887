package matcher

import (
	"fmt"

	fpmath "Percolator/internal/math"
	"Percolator/internal/riskerr"
)

// Limits bound what a matcher may fill for one LP. Zero means unlimited.
type Limits struct {
	MaxFillAbs      uint64
	MaxInventoryAbs uint64
}

// Accepted is a validated execution. A zero Size is a partial fill of
// nothing that the matcher explicitly allowed.
type Accepted struct {
	PriceE6 uint64
	Size    int64
}

// Validate checks a decoded return against the call that produced it.
// lpPos is the LP's position before the fill; the LP takes -Size.
func Validate(ret Return, call Call, limits Limits, lpPos int64) (Accepted, error) {
	if ret.ABIVersion != ABIVersion {
		return Accepted{}, fmt.Errorf("%w: got %d", riskerr.ErrMatcherABIVersion, ret.ABIVersion)
	}
	if ret.Flags&FlagValid == 0 {
		return Accepted{}, riskerr.ErrMatcherNotValid
	}
	if ret.Flags&FlagRejected != 0 {
		return Accepted{}, riskerr.ErrMatcherRejected
	}
	if ret.ExecPriceE6 == 0 {
		return Accepted{}, riskerr.ErrMatcherZeroPrice
	}
	if ret.Reserved != 0 {
		return Accepted{}, fmt.Errorf("%w: %#x", riskerr.ErrMatcherReserved, ret.Reserved)
	}
	if ret.LPAccountID != call.LPAccountID {
		return Accepted{}, fmt.Errorf("%w: got %d want %d", riskerr.ErrMatcherLPAccount, ret.LPAccountID, call.LPAccountID)
	}
	if ret.OraclePriceE6 != call.OraclePriceE6 {
		return Accepted{}, fmt.Errorf("%w: got %d want %d", riskerr.ErrMatcherOraclePrice, ret.OraclePriceE6, call.OraclePriceE6)
	}
	if ret.ReqID != call.ReqID {
		return Accepted{}, fmt.Errorf("%w: got %d want %d", riskerr.ErrMatcherStaleNonce, ret.ReqID, call.ReqID)
	}

	if ret.ExecSize == 0 {
		if ret.Flags&FlagPartialOK == 0 {
			return Accepted{}, riskerr.ErrMatcherZeroSize
		}
		return Accepted{PriceE6: ret.ExecPriceE6}, nil
	}
	execAbs := fpmath.UnsignedAbs(ret.ExecSize)
	if execAbs > fpmath.UnsignedAbs(call.ReqSize) {
		return Accepted{}, fmt.Errorf("%w: |%d| > |%d|", riskerr.ErrMatcherSizeExceeded, ret.ExecSize, call.ReqSize)
	}
	if (ret.ExecSize > 0) != (call.ReqSize > 0) {
		return Accepted{}, fmt.Errorf("%w: exec %d req %d", riskerr.ErrMatcherSignMismatch, ret.ExecSize, call.ReqSize)
	}
	if limits.MaxFillAbs > 0 && execAbs > limits.MaxFillAbs {
		return Accepted{}, fmt.Errorf("%w: |%d| > %d", riskerr.ErrMatcherFillLimit, ret.ExecSize, limits.MaxFillAbs)
	}
	if limits.MaxInventoryAbs > 0 {
		after := fpmath.SatSub(lpPos, ret.ExecSize)
		if fpmath.UnsignedAbs(after) > limits.MaxInventoryAbs {
			return Accepted{}, fmt.Errorf("%w: inventory %d beyond %d", riskerr.ErrLPLimitExceeded, after, limits.MaxInventoryAbs)
		}
	}
	return Accepted{PriceE6: ret.ExecPriceE6, Size: ret.ExecSize}, nil
}

// NextRequestID returns the request id for an LP whose last accepted id is
// nonce. The counter wraps.
func NextRequestID(nonce uint64) uint64 {
	return nonce + 1
}

// Package matcher implements the bridge between the slab and an external
// matcher program: the fixed binary call/return ABI, validation of what
// the matcher returns, and in-process matcher implementations.
package matcher

import (
	"encoding/binary"
	"fmt"

	"Percolator/internal/riskerr"
)

const (
	CallTag    = 0
	CallLen    = 67
	ReturnLen  = 64
	ABIVersion = 1
)

// Return flags
const (
	FlagValid     uint32 = 1
	FlagPartialOK uint32 = 2
	FlagRejected  uint32 = 4
)

// Call is what the slab sends to the matcher.
type Call struct {
	ReqID         uint64
	LPIdx         uint16
	LPAccountID   uint64
	OraclePriceE6 uint64
	ReqSize       int64
}

// Return is what the matcher writes back.
type Return struct {
	ABIVersion    uint32
	Flags         uint32
	ExecPriceE6   uint64
	ExecSize      int64
	ReqID         uint64
	LPAccountID   uint64
	OraclePriceE6 uint64
	Reserved      uint64
}

// Encode lays out the 67-byte call: tag@0 req_id@1 lp_idx@9 lp_account_id@11
// oracle_price@19 req_size(i128)@27, zero padding to 67.
func (c Call) Encode() []byte {
	b := make([]byte, CallLen)
	b[0] = CallTag
	binary.LittleEndian.PutUint64(b[1:], c.ReqID)
	binary.LittleEndian.PutUint16(b[9:], c.LPIdx)
	binary.LittleEndian.PutUint64(b[11:], c.LPAccountID)
	binary.LittleEndian.PutUint64(b[19:], c.OraclePriceE6)
	putI128(b[27:], c.ReqSize)
	return b
}

func DecodeCall(b []byte) (Call, error) {
	if len(b) < CallLen || b[0] != CallTag {
		return Call{}, fmt.Errorf("%w: malformed matcher call (%d bytes)", riskerr.ErrInvalidInstruction, len(b))
	}
	size, ok := readI128(b[27:])
	if !ok {
		return Call{}, fmt.Errorf("%w: request size outside i64", riskerr.ErrInvalidInstruction)
	}
	return Call{
		ReqID:         binary.LittleEndian.Uint64(b[1:]),
		LPIdx:         binary.LittleEndian.Uint16(b[9:]),
		LPAccountID:   binary.LittleEndian.Uint64(b[11:]),
		OraclePriceE6: binary.LittleEndian.Uint64(b[19:]),
		ReqSize:       size,
	}, nil
}

// Encode lays out the 64-byte return: abi_version@0 flags@4 exec_price@8
// exec_size(i128)@16 req_id@32 lp_account_id@40 oracle_price@48 reserved@56.
func (r Return) Encode() []byte {
	b := make([]byte, ReturnLen)
	binary.LittleEndian.PutUint32(b[0:], r.ABIVersion)
	binary.LittleEndian.PutUint32(b[4:], r.Flags)
	binary.LittleEndian.PutUint64(b[8:], r.ExecPriceE6)
	putI128(b[16:], r.ExecSize)
	binary.LittleEndian.PutUint64(b[32:], r.ReqID)
	binary.LittleEndian.PutUint64(b[40:], r.LPAccountID)
	binary.LittleEndian.PutUint64(b[48:], r.OraclePriceE6)
	binary.LittleEndian.PutUint64(b[56:], r.Reserved)
	return b
}

// DecodeReturn parses a matcher response. An execution size that does not
// fit in i64 can never be within the request and is rejected here.
func DecodeReturn(b []byte) (Return, error) {
	if len(b) < ReturnLen {
		return Return{}, fmt.Errorf("%w: %d bytes", riskerr.ErrMatcherShortReturn, len(b))
	}
	size, ok := readI128(b[16:])
	if !ok {
		return Return{}, fmt.Errorf("%w: execution size outside i64", riskerr.ErrMatcherSizeExceeded)
	}
	return Return{
		ABIVersion:    binary.LittleEndian.Uint32(b[0:]),
		Flags:         binary.LittleEndian.Uint32(b[4:]),
		ExecPriceE6:   binary.LittleEndian.Uint64(b[8:]),
		ExecSize:      size,
		ReqID:         binary.LittleEndian.Uint64(b[32:]),
		LPAccountID:   binary.LittleEndian.Uint64(b[40:]),
		OraclePriceE6: binary.LittleEndian.Uint64(b[48:]),
		Reserved:      binary.LittleEndian.Uint64(b[56:]),
	}, nil
}

// putI128 writes v sign-extended to 16 bytes.
func putI128(b []byte, v int64) {
	binary.LittleEndian.PutUint64(b[0:], uint64(v))
	var hi uint64
	if v < 0 {
		hi = ^uint64(0)
	}
	binary.LittleEndian.PutUint64(b[8:], hi)
}

// readI128 reads a 16-byte signed value and reports whether it fits in i64.
func readI128(b []byte) (int64, bool) {
	lo := binary.LittleEndian.Uint64(b[0:])
	hi := binary.LittleEndian.Uint64(b[8:])
	v := int64(lo)
	switch {
	case v >= 0 && hi == 0:
		return v, true
	case v < 0 && hi == ^uint64(0):
		return v, true
	default:
		return 0, false
	}
}

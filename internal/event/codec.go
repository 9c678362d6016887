package event

import (
	"encoding/binary"
	"fmt"

	"Percolator/internal/riskerr"
	"Percolator/internal/state"

	"github.com/gagliardetto/solana-go"
)

// Encode serializes ix as its tag byte followed by little-endian fields.
// Sizes are written as sign-extended i128.
func Encode(ix Instruction) []byte {
	w := &writer{buf: []byte{byte(ix.Tag())}}
	switch v := ix.(type) {
	case *InitMarket:
		w.key(v.Admin)
		w.key(v.CollateralMint)
		w.key(v.IndexFeed)
		w.u64(v.MaxStalenessSlots)
		w.u16(v.ConfFilterBps)
		w.bool(v.Invert)
		w.u32(v.UnitScale)
		w.u64(v.InitialMarkPriceE6)
		w.params(&v.Params)
	case *InitUser:
		w.u64(v.FeePayment)
	case *InitLP:
		w.key(v.MatcherProgram)
		w.key(v.MatcherContext)
		w.u64(v.FeePayment)
	case *Deposit:
		w.u16(v.UserIdx)
		w.u64(v.Amount)
	case *Withdraw:
		w.u16(v.UserIdx)
		w.u64(v.Amount)
	case *KeeperCrank:
		w.u16(v.CallerIdx)
		w.i64(v.FundingRateBpsPerSlot)
		w.bool(v.AllowPanic)
	case *TradeNoCpi:
		w.u16(v.LPIdx)
		w.u16(v.UserIdx)
		w.i128(v.Size)
	case *LiquidateAtOracle:
		w.u16(v.TargetIdx)
	case *CloseAccount:
		w.u16(v.UserIdx)
	case *TopUpInsurance:
		w.u64(v.Amount)
	case *TradeCpi:
		w.u16(v.LPIdx)
		w.u16(v.UserIdx)
		w.i128(v.Size)
	case *SetRiskThreshold:
		w.u64(v.Threshold)
	case *UpdateAdmin:
		w.key(v.NewAdmin)
	case *UpdateConfig:
		w.u64(v.MaxStalenessSlots)
		w.u16(v.ConfFilterBps)
		w.u32(v.UnitScale)
		w.u64(v.PriceCapE2Bps)
		w.params(&v.Params)
	case *SetPriceCap:
		w.u64(v.CapE2Bps)
	case *CloseSlab:
	case *SetOracleAuthority:
		w.key(v.Authority)
	case *PushOraclePrice:
		w.u64(v.PriceE6)
		w.u64(v.PublishSlot)
	}
	return w.buf
}

// Decode parses instruction data. Unknown tags, short data and trailing
// bytes are rejected with ErrInvalidInstruction.
func Decode(data []byte) (Instruction, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty", riskerr.ErrInvalidInstruction)
	}
	r := &reader{buf: data[1:]}
	var ix Instruction
	switch Tag(data[0]) {
	case TagInitMarket:
		v := &InitMarket{
			Admin:              r.key(),
			CollateralMint:     r.key(),
			IndexFeed:          r.key(),
			MaxStalenessSlots:  r.u64(),
			ConfFilterBps:      r.u16(),
			Invert:             r.bool(),
			UnitScale:          r.u32(),
			InitialMarkPriceE6: r.u64(),
		}
		r.params(&v.Params)
		ix = v
	case TagInitUser:
		ix = &InitUser{FeePayment: r.u64()}
	case TagInitLP:
		ix = &InitLP{MatcherProgram: r.key(), MatcherContext: r.key(), FeePayment: r.u64()}
	case TagDeposit:
		ix = &Deposit{UserIdx: r.u16(), Amount: r.u64()}
	case TagWithdraw:
		ix = &Withdraw{UserIdx: r.u16(), Amount: r.u64()}
	case TagKeeperCrank:
		ix = &KeeperCrank{CallerIdx: r.u16(), FundingRateBpsPerSlot: r.i64(), AllowPanic: r.bool()}
	case TagTradeNoCpi:
		ix = &TradeNoCpi{LPIdx: r.u16(), UserIdx: r.u16(), Size: r.i128()}
	case TagLiquidateAtOracle:
		ix = &LiquidateAtOracle{TargetIdx: r.u16()}
	case TagCloseAccount:
		ix = &CloseAccount{UserIdx: r.u16()}
	case TagTopUpInsurance:
		ix = &TopUpInsurance{Amount: r.u64()}
	case TagTradeCpi:
		ix = &TradeCpi{LPIdx: r.u16(), UserIdx: r.u16(), Size: r.i128()}
	case TagSetRiskThreshold:
		ix = &SetRiskThreshold{Threshold: r.u64()}
	case TagUpdateAdmin:
		ix = &UpdateAdmin{NewAdmin: r.key()}
	case TagUpdateConfig:
		v := &UpdateConfig{
			MaxStalenessSlots: r.u64(),
			ConfFilterBps:     r.u16(),
			UnitScale:         r.u32(),
			PriceCapE2Bps:     r.u64(),
		}
		r.params(&v.Params)
		ix = v
	case TagSetPriceCap:
		ix = &SetPriceCap{CapE2Bps: r.u64()}
	case TagCloseSlab:
		ix = &CloseSlab{}
	case TagSetOracleAuthority:
		ix = &SetOracleAuthority{Authority: r.key()}
	case TagPushOraclePrice:
		ix = &PushOraclePrice{PriceE6: r.u64(), PublishSlot: r.u64()}
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", riskerr.ErrInvalidInstruction, data[0])
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", riskerr.ErrInvalidInstruction, Tag(data[0]), r.err)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %s: %d trailing bytes", riskerr.ErrInvalidInstruction, Tag(data[0]), len(r.buf))
	}
	return ix, nil
}

// ============================================================================
// Field codecs
// ============================================================================

type writer struct {
	buf []byte
}

func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }
func (w *writer) key(k solana.PublicKey) {
	w.buf = append(w.buf, k[:]...)
}

func (w *writer) bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *writer) i128(v int64) {
	w.i64(v)
	if v < 0 {
		w.u64(^uint64(0))
	} else {
		w.u64(0)
	}
}

func (w *writer) params(p *state.RiskParams) {
	w.u64(p.WarmupPeriodSlots)
	w.u64(p.MaintenanceMarginBps)
	w.u64(p.InitialMarginBps)
	w.u64(p.TradingFeeBps)
	w.u16(p.MaxAccounts)
	w.u64(p.NewAccountFee)
	w.u64(p.RiskReductionThreshold)
	w.u64(p.MaintenanceFeePerSlot)
	w.u64(p.MaxCrankStalenessSlots)
	w.u64(p.LiquidationFeeBps)
	w.u64(p.LiquidationFeeCap)
	w.u64(p.LiquidationBufferBps)
	w.u64(p.MinLiquidationAbs)
	w.u64(p.ThresholdAutoBps)
	w.u64(p.FundingHorizonSlots)
	w.i64(p.FundingMaxBpsPerSlot)
}

// reader records the first short read and returns zero values after it.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("need %d bytes, have %d", n, len(r.buf))
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) i64() int64 { return int64(r.u64()) }

func (r *reader) bool() bool {
	b := r.take(1)
	if b == nil {
		return false
	}
	if b[0] > 1 && r.err == nil {
		r.err = fmt.Errorf("invalid bool %d", b[0])
	}
	return b[0] == 1
}

func (r *reader) key() solana.PublicKey {
	var k solana.PublicKey
	if b := r.take(32); b != nil {
		copy(k[:], b)
	}
	return k
}

func (r *reader) i128() int64 {
	lo := r.u64()
	hi := r.u64()
	if r.err != nil {
		return 0
	}
	v := int64(lo)
	if (v >= 0 && hi != 0) || (v < 0 && hi != ^uint64(0)) {
		r.err = fmt.Errorf("size outside i64")
		return 0
	}
	return v
}

func (r *reader) params(p *state.RiskParams) {
	p.WarmupPeriodSlots = r.u64()
	p.MaintenanceMarginBps = r.u64()
	p.InitialMarginBps = r.u64()
	p.TradingFeeBps = r.u64()
	p.MaxAccounts = r.u16()
	p.NewAccountFee = r.u64()
	p.RiskReductionThreshold = r.u64()
	p.MaintenanceFeePerSlot = r.u64()
	p.MaxCrankStalenessSlots = r.u64()
	p.LiquidationFeeBps = r.u64()
	p.LiquidationFeeCap = r.u64()
	p.LiquidationBufferBps = r.u64()
	p.MinLiquidationAbs = r.u64()
	p.ThresholdAutoBps = r.u64()
	p.FundingHorizonSlots = r.u64()
	p.FundingMaxBpsPerSlot = r.i64()
}

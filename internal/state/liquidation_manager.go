package state

import (
	"fmt"

	fpmath "Percolator/internal/math"
	"Percolator/internal/riskerr"
)

// LiquidationResult describes one oracle-price liquidation.
type LiquidationResult struct {
	Index     uint16
	ClosedAbs uint64
	Fee       uint64
	Realized  int64
	BadDebt   uint64
	Remaining int64
}

// LiquidationFee returns min(ceil(notional * fee_bps / 1e4), cap); cap 0 = uncapped.
func LiquidationFee(closeAbs, priceE6 uint64, p *RiskParams) uint64 {
	notional := fpmath.MulDivU(closeAbs, priceE6, fpmath.PriceScale, fpmath.RoundDown)
	fee := fpmath.ComputeFee(notional, p.LiquidationFeeBps)
	if p.LiquidationFeeCap > 0 {
		fee = fpmath.MinU(fee, p.LiquidationFeeCap)
	}
	return fee
}

// LiquidationCloseSize returns how much of acc's position to close so the
// remainder k satisfies the maintenance requirement plus buffer:
// k = floor((equity - fee) * 1e10 / (price * (mm + buffer))).
// The close is at least MinLiquidationAbs (and at least 1) and at most |pos|.
func LiquidationCloseSize(acc *Account, priceE6 uint64, p *RiskParams) uint64 {
	posAbs := fpmath.UnsignedAbs(acc.Position)
	if posAbs == 0 || priceE6 == 0 {
		return 0
	}
	equity := Equity(acc, priceE6)
	feeEst := LiquidationFee(posAbs, priceE6, p)
	if equity <= 0 || uint64(equity) <= feeEst {
		return posAbs
	}

	den := fpmath.SatMulU(priceE6, p.MaintenanceMarginBps+p.LiquidationBufferBps)
	keep := fpmath.MulDivU(uint64(equity)-feeEst, fpmath.PriceScale*fpmath.BpsScale, den, fpmath.RoundDown)

	var closeAbs uint64
	if keep < posAbs {
		closeAbs = posAbs - keep
	}
	closeAbs = fpmath.MaxU(closeAbs, fpmath.MaxU(p.MinLiquidationAbs, 1))
	return fpmath.MinU(closeAbs, posAbs)
}

// Liquidate closes part or all of an under-maintenance position at priceE6,
// charges the liquidation fee into insurance and settles the loss.
// The account must already be touched for funding and fees.
func (s *Slab) Liquidate(idx uint16, priceE6, nowSlot uint64) (LiquidationResult, error) {
	acc, err := s.Ledger.Get(idx)
	if err != nil {
		return LiquidationResult{}, err
	}
	if !IsLiquidatable(acc, priceE6, &s.Params) {
		return LiquidationResult{}, fmt.Errorf("%w: account %d equity %d", riskerr.ErrNotLiquidatable, idx, Equity(acc, priceE6))
	}

	closeAbs := LiquidationCloseSize(acc, priceE6, &s.Params)
	delta := fpmath.ClampToInt64(closeAbs)
	if acc.Position > 0 {
		delta = -delta
	}
	realized, err := s.Ledger.ApplyFill(idx, delta, priceE6, nowSlot)
	if err != nil {
		return LiquidationResult{}, err
	}

	fee := s.Ledger.TakeCapital(idx, LiquidationFee(closeAbs, priceE6, &s.Params))
	s.Insurance.Balance = fpmath.SatAddU(s.Insurance.Balance, fee)
	s.Insurance.FeesPaid = fpmath.SatAddU(s.Insurance.FeesPaid, fee)

	_, written, err := s.SettleLoss(idx)
	if err != nil {
		return LiquidationResult{}, err
	}
	return LiquidationResult{
		Index:     idx,
		ClosedAbs: closeAbs,
		Fee:       fee,
		Realized:  realized,
		BadDebt:   written,
		Remaining: acc.Position,
	}, nil
}

// ForceClose realizes idx's whole position at priceE6 regardless of margin
// and settles the resulting loss.
func (s *Slab) ForceClose(idx uint16, priceE6, nowSlot uint64) (int64, error) {
	realized, err := s.Ledger.ClosePosition(idx, priceE6, nowSlot)
	if err != nil {
		return 0, err
	}
	if _, _, err := s.SettleLoss(idx); err != nil {
		return 0, err
	}
	return realized, nil
}

package state

import (
	fpmath "Percolator/internal/math"
)

// SettleLoss pays negative PnL from capital into insurance. A flat account
// whose loss exceeds its capital has the remainder written off as bad debt.
func (s *Slab) SettleLoss(idx uint16) (paid, written uint64, err error) {
	acc, err := s.Ledger.Get(idx)
	if err != nil {
		return 0, 0, err
	}
	if acc.PnL >= 0 {
		return 0, 0, nil
	}
	covered, remaining := ComputeCoverage(acc.Capital, fpmath.UnsignedAbs(acc.PnL))
	paid = s.Ledger.TakeCapital(idx, covered)
	s.Insurance.Balance = fpmath.SatAddU(s.Insurance.Balance, paid)
	acc.PnL = fpmath.SatAdd(acc.PnL, fpmath.ClampToInt64(paid))

	if remaining > 0 && acc.IsFlat() {
		written = remaining
		s.Insurance.BadDebt = fpmath.SatAddU(s.Insurance.BadDebt, written)
		acc.PnL = 0
	}
	return paid, written, nil
}

// TotalPositivePnL sums the pending profit of every account.
func (l *Ledger) TotalPositivePnL() uint64 {
	var total uint64
	for i := range l.Accounts {
		a := &l.Accounts[i]
		if a.Used && a.PnL > 0 {
			total = fpmath.SatAddU(total, uint64(a.PnL))
		}
	}
	return total
}

// WarmupEligible reports whether acc's pending profit may convert at nowSlot.
func (s *Slab) WarmupEligible(acc *Account, nowSlot uint64) bool {
	if acc.PnL <= 0 {
		return false
	}
	if fpmath.SatSubU(nowSlot, acc.WarmupSlot) < s.Params.WarmupPeriodSlots {
		return false
	}
	return acc.WarmupEpoch != s.Ledger.PendingEpoch
}

// ConvertWarmup pays matured profit from insurance into capital at the
// current haircut. The unpaid remainder is forfeited.
func (s *Slab) ConvertWarmup(idx uint16, nowSlot uint64) (uint64, error) {
	acc, err := s.Ledger.Get(idx)
	if err != nil {
		return 0, err
	}
	if !s.WarmupEligible(acc, nowSlot) {
		return 0, nil
	}
	pay := Haircut(uint64(acc.PnL), s.Insurance.Balance, s.Ledger.TotalPositivePnL())
	s.Insurance.Balance -= pay
	acc.PnL = 0
	if err := s.Ledger.AddCapital(idx, pay); err != nil {
		return 0, err
	}
	return pay, nil
}

// AdvanceEpoch starts a new pending epoch when the crank moves past its last
// slot, and keeps every waiting account at most one epoch behind so the
// 8-bit counter never wraps back onto it.
func (s *Slab) AdvanceEpoch(nowSlot uint64) bool {
	if nowSlot <= s.LastCrankSlot {
		return false
	}
	s.Ledger.PendingEpoch++
	prev := s.Ledger.PendingEpoch - 1
	s.Ledger.ForEachUsed(func(_ uint16, acc *Account) {
		if acc.PnL > 0 {
			acc.WarmupEpoch = prev
		}
	})
	return true
}

// SettleParties touches and settles the losses of every account in idxs
// before any of them converts warmup. Each conversion then runs at the
// haircut left after all of the parties' losses reached insurance.
func (s *Slab) SettleParties(nowSlot uint64, idxs ...uint16) error {
	for _, idx := range idxs {
		if err := s.Touch(idx, nowSlot); err != nil {
			return err
		}
		if _, _, err := s.SettleLoss(idx); err != nil {
			return err
		}
	}
	for _, idx := range idxs {
		if _, err := s.ConvertWarmup(idx, nowSlot); err != nil {
			return err
		}
	}
	return nil
}

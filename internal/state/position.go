package state

import (
	fpmath "Percolator/internal/math"
)

// ApplyFill moves account idx by delta at priceE6. Increases average the
// entry price and reductions realize PnL against it. A flip realizes the
// whole old position and restarts the entry at priceE6.
func (l *Ledger) ApplyFill(idx uint16, delta int64, priceE6, nowSlot uint64) (int64, error) {
	acc, err := l.Get(idx)
	if err != nil {
		return 0, err
	}
	if delta == 0 {
		return 0, nil
	}

	oldPos := acc.Position
	newPos := fpmath.SatAdd(oldPos, delta)
	oldAbs := fpmath.UnsignedAbs(oldPos)
	sameSide := oldPos == 0 || (oldPos > 0) == (delta > 0)

	var realized int64
	switch {
	case sameSide:
		acc.EntryPrice = fpmath.ComputeAvgEntryPrice(oldAbs, acc.EntryPrice, fpmath.UnsignedAbs(delta), priceE6)
	default:
		closeAbs := fpmath.MinU(oldAbs, fpmath.UnsignedAbs(delta))
		realized = fpmath.ComputeRealizedPnL(fpmath.Signum(oldPos), closeAbs, acc.EntryPrice, priceE6)
		switch {
		case newPos == 0:
			acc.EntryPrice = 0
		case (newPos > 0) != (oldPos > 0):
			acc.EntryPrice = priceE6
		}
	}

	l.creditPnL(acc, realized, nowSlot)
	if err := l.SetPosition(idx, newPos); err != nil {
		return 0, err
	}
	return realized, nil
}

// creditPnL adds realized PnL. Every positive credit restarts the warmup
// clock for the whole pending balance, so no profit converts sooner than
// one warmup period after it was realized.
func (l *Ledger) creditPnL(acc *Account, realized int64, nowSlot uint64) {
	if realized == 0 {
		return
	}
	acc.PnL = fpmath.SatAdd(acc.PnL, realized)
	if realized > 0 && acc.PnL > 0 {
		acc.WarmupSlot = nowSlot
		acc.WarmupEpoch = l.PendingEpoch
	}
}

// ClosePosition realizes the whole position of idx at priceE6.
func (l *Ledger) ClosePosition(idx uint16, priceE6, nowSlot uint64) (int64, error) {
	acc, err := l.Get(idx)
	if err != nil {
		return 0, err
	}
	return l.ApplyFill(idx, fpmath.SatNeg(acc.Position), priceE6, nowSlot)
}

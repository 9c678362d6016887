package state

import (
	"fmt"

	fpmath "Percolator/internal/math"
)

// FundingState is the market's cumulative funding index. The stored rate
// applies to the interval that starts at LastSlot.
type FundingState struct {
	Index          int64 // price_e6 owed per unit of long position
	RateBpsPerSlot int64
	LastSlot       uint64
}

// Accrue advances the index over [LastSlot, nowSlot] at the stored rate.
// Returns the index delta; zero elapsed slots change nothing.
func (f *FundingState) Accrue(priceE6, nowSlot uint64) int64 {
	if nowSlot <= f.LastSlot {
		return 0
	}
	delta := fpmath.ComputeFundingIndexDelta(f.RateBpsPerSlot, priceE6, nowSlot-f.LastSlot)
	f.Index = fpmath.SatAdd(f.Index, delta)
	f.LastSlot = nowSlot
	return delta
}

// SetRate stores the rate for the next interval, clamped to ±maxBps when
// maxBps is positive.
func (f *FundingState) SetRate(rateBpsPerSlot, maxBps int64) {
	if maxBps > 0 {
		if rateBpsPerSlot > maxBps {
			rateBpsPerSlot = maxBps
		}
		if rateBpsPerSlot < -maxBps {
			rateBpsPerSlot = -maxBps
		}
	}
	f.RateBpsPerSlot = rateBpsPerSlot
}

// SettleFunding applies the index movement since the account's snapshot to
// its PnL. Payers round up.
func (s *Slab) SettleFunding(idx uint16) (int64, error) {
	acc, err := s.Ledger.Get(idx)
	if err != nil {
		return 0, err
	}
	delta := fpmath.SatSub(s.Funding.Index, acc.FundingIndex)
	acc.FundingIndex = s.Funding.Index
	payment := fpmath.ComputeFundingPayment(acc.Position, delta)
	if payment < 0 {
		s.Ledger.creditPnL(acc, fpmath.SatNeg(payment), s.Funding.LastSlot)
	} else {
		acc.PnL = fpmath.SatSub(acc.PnL, payment)
	}
	return payment, nil
}

// SettleAllFunding settles every used account and returns the settlement
// summary in index order. RoundingResidual is what payers' round-up left
// over for the market.
func (s *Slab) SettleAllFunding() (*fpmath.FundingSettlement, error) {
	var positions []fpmath.PositionForFunding
	s.Ledger.ForEachUsed(func(idx uint16, acc *Account) {
		positions = append(positions, fpmath.PositionForFunding{
			Index:      idx,
			Size:       acc.Position,
			IndexDelta: fpmath.SatSub(s.Funding.Index, acc.FundingIndex),
		})
	})
	settlement := fpmath.ComputeFundingSettlement(positions)
	for _, p := range positions {
		if _, err := s.SettleFunding(p.Index); err != nil {
			return nil, fmt.Errorf("settle funding for %d: %w", p.Index, err)
		}
	}
	return settlement, nil
}

// ChargeMaintenance moves fee_per_slot * elapsed slots from capital to
// insurance, capped at the account's capital.
func (s *Slab) ChargeMaintenance(idx uint16, nowSlot uint64) (uint64, error) {
	acc, err := s.Ledger.Get(idx)
	if err != nil {
		return 0, err
	}
	if nowSlot <= acc.LastFeeSlot {
		return 0, nil
	}
	due := fpmath.SatMulU(s.Params.MaintenanceFeePerSlot, nowSlot-acc.LastFeeSlot)
	acc.LastFeeSlot = nowSlot
	if due == 0 {
		return 0, nil
	}
	taken := s.Ledger.TakeCapital(idx, due)
	s.Insurance.Balance = fpmath.SatAddU(s.Insurance.Balance, taken)
	s.Insurance.FeesPaid = fpmath.SatAddU(s.Insurance.FeesPaid, taken)
	return taken, nil
}

// Touch brings an account current before it is acted on: funding, then
// maintenance fee.
func (s *Slab) Touch(idx uint16, nowSlot uint64) error {
	if _, err := s.SettleFunding(idx); err != nil {
		return err
	}
	_, err := s.ChargeMaintenance(idx, nowSlot)
	return err
}

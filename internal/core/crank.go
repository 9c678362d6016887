package core

import (
	"fmt"

	"Percolator/internal/event"
	"Percolator/internal/identity"
	"Percolator/internal/oracle"
	"Percolator/internal/riskerr"
	"Percolator/internal/state"

	"github.com/gagliardetto/solana-go"
)

// Accounts: caller(s), slab(w), oracle.
//
// The crank runs in a fixed order: index advance, funding accrual at the
// stored rate then the new rate, maintenance fees, epoch advance with loss
// settlement and warmup conversion, liquidations, auto threshold and, when
// the admin allows it, the panic close. Repeating it at the same slot is a
// no-op apart from liquidations that the previous pass left healthy.
func (c *Controller) handleKeeperCrank(tx *txn, ix *event.KeeperCrank) error {
	a := tx.req.Accounts
	s := tx.slab
	caller := a[0]

	if err := identity.ExpectSigner(caller); err != nil {
		return err
	}
	if ix.CallerIdx != event.CrankPermissionless {
		var owner solana.PublicKey
		acc, err := s.Ledger.Get(ix.CallerIdx)
		if err == nil {
			owner = acc.Owner
		}
		if !identity.CrankAuthorized(err == nil, owner, caller.Key) {
			return fmt.Errorf("%w: caller %d", riskerr.ErrOwnerMismatch, ix.CallerIdx)
		}
	}
	if ix.AllowPanic {
		if err := expectAdmin(tx); err != nil {
			return err
		}
	}

	// (a) internal index follows the mark
	if s.Config.IsHyperp() {
		o := &s.Oracle
		o.IndexE6 = oracle.AdvanceIndex(o.IndexE6, o.MarkE6, o.LastIndexSlot, tx.now, s.Config.PriceCapE2Bps)
		if tx.now > o.LastIndexSlot {
			o.LastIndexSlot = tx.now
		}
	}

	price, err := resolvePrice(s, a[2], tx.now)
	if err != nil {
		return err
	}

	// (b) close the elapsed interval at the stored rate, then re-rate
	s.Funding.Accrue(price, tx.now)
	rate := ix.FundingRateBpsPerSlot
	if s.Config.IsHyperp() {
		rate = oracle.PremiumRate(s.Oracle.MarkE6, s.Oracle.IndexE6, s.Params.FundingHorizonSlots, s.Params.FundingMaxBpsPerSlot)
	}
	s.Funding.SetRate(rate, s.Params.FundingMaxBpsPerSlot)
	settlement, err := s.SettleAllFunding()
	if err != nil {
		return err
	}
	tx.out.FundingPayments = len(settlement.Payments)
	tx.out.FundingResidual = settlement.RoundingResidual

	// (c) maintenance fees
	var sweepErr error
	s.Ledger.ForEachUsed(func(idx uint16, _ *state.Account) {
		if sweepErr == nil {
			_, sweepErr = s.ChargeMaintenance(idx, tx.now)
		}
	})
	if sweepErr != nil {
		return sweepErr
	}

	// (d) epoch, losses, then conversion at the post-settlement haircut
	s.AdvanceEpoch(tx.now)
	if err := c.settleAll(tx); err != nil {
		return err
	}
	if err := c.convertAll(tx); err != nil {
		return err
	}

	// (e) liquidations
	if err := c.liquidateAll(tx, price); err != nil {
		return err
	}

	// (f) auto threshold
	if s.Params.ThresholdAutoBps > 0 {
		s.RiskThreshold = state.AutoThreshold(s.Ledger.Agg.TotalOpenInterest, price, s.Params.ThresholdAutoBps)
	}

	// (g) panic close
	if ix.AllowPanic && s.GateActive() {
		if err := c.closeAll(tx, price); err != nil {
			return err
		}
	}

	if tx.now > s.LastCrankSlot {
		s.LastCrankSlot = tx.now
	}
	tx.out.PriceE6 = price
	return nil
}

func (c *Controller) settleAll(tx *txn) error {
	s := tx.slab
	var err error
	s.Ledger.ForEachUsed(func(idx uint16, _ *state.Account) {
		if err != nil {
			return
		}
		var written uint64
		_, written, err = s.SettleLoss(idx)
		tx.out.BadDebt += written
	})
	return err
}

func (c *Controller) convertAll(tx *txn) error {
	s := tx.slab
	var err error
	s.Ledger.ForEachUsed(func(idx uint16, _ *state.Account) {
		if err != nil {
			return
		}
		var paid uint64
		paid, err = s.ConvertWarmup(idx, tx.now)
		tx.out.Converted += paid
	})
	return err
}

// liquidateAll liquidates every account below maintenance, in index order.
func (c *Controller) liquidateAll(tx *txn, priceE6 uint64) error {
	s := tx.slab
	var targets []uint16
	s.Ledger.ForEachUsed(func(idx uint16, acc *state.Account) {
		if state.IsLiquidatable(acc, priceE6, &s.Params) {
			targets = append(targets, idx)
		}
	})
	for _, idx := range targets {
		res, err := s.Liquidate(idx, priceE6, tx.now)
		if err != nil {
			return err
		}
		c.recordLiquidation(tx, res)
	}
	return nil
}

// closeAll realizes every open position at the oracle price.
func (c *Controller) closeAll(tx *txn, priceE6 uint64) error {
	s := tx.slab
	var open []uint16
	s.Ledger.ForEachUsed(func(idx uint16, acc *state.Account) {
		if acc.Position != 0 {
			open = append(open, idx)
		}
	})
	for _, idx := range open {
		debtBefore := s.Insurance.BadDebt
		if _, err := s.ForceClose(idx, priceE6, tx.now); err != nil {
			return err
		}
		tx.out.BadDebt += s.Insurance.BadDebt - debtBefore
		tx.out.ForceClosed = append(tx.out.ForceClosed, idx)
	}
	if len(open) > 0 {
		c.log.Warn().Int("positions", len(open)).Uint64("price_e6", priceE6).Msg("panic close executed")
	}
	return nil
}

// Accounts: caller(s), slab(w), oracle.
func (c *Controller) handleLiquidateAtOracle(tx *txn, ix *event.LiquidateAtOracle) error {
	a := tx.req.Accounts
	s := tx.slab

	if err := identity.ExpectSigner(a[0]); err != nil {
		return err
	}
	if _, err := s.Ledger.Get(ix.TargetIdx); err != nil {
		return err
	}
	price, err := resolvePrice(s, a[2], tx.now)
	if err != nil {
		return err
	}
	if err := s.Touch(ix.TargetIdx, tx.now); err != nil {
		return err
	}
	res, err := s.Liquidate(ix.TargetIdx, price, tx.now)
	if err != nil {
		return err
	}
	c.recordLiquidation(tx, res)
	tx.out.AccountIdx = ix.TargetIdx
	tx.out.PriceE6 = price
	return nil
}

func (c *Controller) recordLiquidation(tx *txn, res state.LiquidationResult) {
	tx.out.Liquidations = append(tx.out.Liquidations, res)
	tx.out.BadDebt += res.BadDebt
}

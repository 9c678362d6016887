package core

import (
	"fmt"

	"Percolator/internal/event"
	"Percolator/internal/identity"
	fpmath "Percolator/internal/math"
	"Percolator/internal/matcher"
	"Percolator/internal/oracle"
	"Percolator/internal/riskerr"
	"Percolator/internal/state"
)

// tradeParties resolves and type-checks both sides of a trade.
func tradeParties(s *state.Slab, userIdx, lpIdx uint16) (*state.Account, *state.Account, error) {
	if userIdx == lpIdx {
		return nil, nil, fmt.Errorf("%w: index %d", riskerr.ErrSelfTrade, userIdx)
	}
	user, err := s.Ledger.Get(userIdx)
	if err != nil {
		return nil, nil, err
	}
	lp, err := s.Ledger.Get(lpIdx)
	if err != nil {
		return nil, nil, err
	}
	if !lp.IsLP() {
		return nil, nil, fmt.Errorf("%w: account %d is not an LP", riskerr.ErrAccountKind, lpIdx)
	}
	if user.IsLP() {
		return nil, nil, fmt.Errorf("%w: account %d is an LP", riskerr.ErrAccountKind, userIdx)
	}
	return user, lp, nil
}

// Accounts: user(s), lp owner(s), slab(w), oracle.
func (c *Controller) handleTradeNoCpi(tx *txn, ix *event.TradeNoCpi) error {
	a := tx.req.Accounts
	s := tx.slab

	if s.Config.IsHyperp() {
		return riskerr.ErrHyperpDirectTrade
	}
	user, lp, err := tradeParties(s, ix.UserIdx, ix.LPIdx)
	if err != nil {
		return err
	}
	if err := identity.ExpectOwner(user.Owner, a[0]); err != nil {
		return err
	}
	if err := identity.ExpectOwner(lp.Owner, a[1]); err != nil {
		return err
	}
	if ix.Size == 0 {
		return riskerr.ErrZeroSize
	}
	if err := s.CheckCrankFresh(tx.now); err != nil {
		return err
	}
	price, err := resolvePrice(s, a[3], tx.now)
	if err != nil {
		return err
	}
	return c.executeTrade(tx, ix.UserIdx, ix.LPIdx, price, price, ix.Size)
}

// Accounts: user(s), lp owner, slab(w), oracle, matcher program,
// matcher context, lp PDA.
func (c *Controller) handleTradeCpi(tx *txn, ix *event.TradeCpi) error {
	a := tx.req.Accounts
	s := tx.slab

	user, lp, err := tradeParties(s, ix.UserIdx, ix.LPIdx)
	if err != nil {
		return err
	}
	if err := identity.ExpectOwner(user.Owner, a[0]); err != nil {
		return err
	}
	if err := identity.ExpectKey(a[1], lp.Owner); err != nil {
		return err
	}
	program, context, lpPDA := a[4], a[5], a[6]
	if err := identity.ExpectMatcher(lp.MatcherProgram, lp.MatcherContext, program, context); err != nil {
		return err
	}
	derived, _, err := identity.DeriveLPAuthority(c.programID, c.slabKey, ix.LPIdx)
	if err != nil {
		return fmt.Errorf("%w: derive lp authority: %v", riskerr.ErrInvalidConfig, err)
	}
	if err := identity.ExpectPDA(lpPDA, derived); err != nil {
		return err
	}
	if err := identity.ExpectSystemEmpty(lpPDA); err != nil {
		return err
	}
	if ix.Size == 0 {
		return riskerr.ErrZeroSize
	}
	if err := s.CheckCrankFresh(tx.now); err != nil {
		return err
	}
	price, err := resolvePrice(s, a[3], tx.now)
	if err != nil {
		return err
	}

	call := matcher.Call{
		ReqID:         matcher.NextRequestID(lp.MatcherNonce),
		LPIdx:         ix.LPIdx,
		LPAccountID:   lp.ID,
		OraclePriceE6: price,
		ReqSize:       ix.Size,
	}
	limits := matcher.Limits{MaxFillAbs: lp.Limits.MaxFillAbs, MaxInventoryAbs: lp.Limits.MaxInventoryAbs}
	accepted, err := c.matchers.Execute(program.Key, context.Data, call, limits, lp.Position)
	if err != nil {
		return err
	}
	lp.MatcherNonce = call.ReqID

	if accepted.Size == 0 {
		tx.out.AccountIdx = ix.UserIdx
		tx.out.PriceE6 = price
		return nil
	}
	if err := c.executeTrade(tx, ix.UserIdx, ix.LPIdx, price, accepted.PriceE6, accepted.Size); err != nil {
		return err
	}
	if s.Config.IsHyperp() {
		updateMark(s, accepted.PriceE6, tx.now)
	}
	return nil
}

// executeTrade moves the user by +size and the LP by -size at execE6 and
// checks both against the oracle price.
func (c *Controller) executeTrade(tx *txn, userIdx, lpIdx uint16, oracleE6, execE6 uint64, size int64) error {
	s := tx.slab
	gated := s.GateActive()

	if err := s.SettleParties(tx.now, userIdx, lpIdx); err != nil {
		return err
	}

	user := &s.Ledger.Accounts[userIdx]
	lp := &s.Ledger.Accounts[lpIdx]
	userOld, lpOld := user.Position, lp.Position

	if _, err := s.Ledger.ApplyFill(userIdx, size, execE6, tx.now); err != nil {
		return err
	}
	if _, err := s.Ledger.ApplyFill(lpIdx, fpmath.SatNeg(size), execE6, tx.now); err != nil {
		return err
	}

	fee := fpmath.ComputeFee(fpmath.ComputeNotional(size, execE6), s.Params.TradingFeeBps)
	if fee > 0 {
		if err := s.Ledger.SubCapital(userIdx, fee); err != nil {
			return err
		}
		s.Insurance.Balance = fpmath.SatAddU(s.Insurance.Balance, fee)
		s.Insurance.FeesPaid = fpmath.SatAddU(s.Insurance.FeesPaid, fee)
	}

	if err := state.CheckMargin(user, userOld, oracleE6, &s.Params); err != nil {
		return fmt.Errorf("user %d: %w", userIdx, err)
	}
	if err := state.CheckMargin(lp, lpOld, oracleE6, &s.Params); err != nil {
		return fmt.Errorf("lp %d: %w", lpIdx, err)
	}
	if gated && state.IsRiskIncreasing(userOld, user.Position) {
		return fmt.Errorf("%w: insurance %d <= threshold %d", riskerr.ErrRiskReductionOnly, s.Insurance.Balance, s.RiskThreshold)
	}

	for _, idx := range [2]uint16{userIdx, lpIdx} {
		if _, _, err := s.SettleLoss(idx); err != nil {
			return err
		}
	}

	tx.out.AccountIdx = userIdx
	tx.out.FillSize = size
	tx.out.FillPriceE6 = execE6
	tx.out.PriceE6 = oracleE6
	return nil
}

// updateMark moves the internal mark toward a trade's execution price,
// at most one cap step from the mark anchored at the slot's first trade.
func updateMark(s *state.Slab, execE6, nowSlot uint64) {
	o := &s.Oracle
	if o.AnchorSlot != nowSlot {
		o.AnchorMarkE6 = o.MarkE6
		o.AnchorSlot = nowSlot
	}
	o.MarkE6 = oracle.ClampMark(o.AnchorMarkE6, execE6, s.Config.PriceCapE2Bps)
}

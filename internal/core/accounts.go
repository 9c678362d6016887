package core

import (
	"fmt"

	"Percolator/internal/event"
	"Percolator/internal/identity"
	fpmath "Percolator/internal/math"
	"Percolator/internal/riskerr"
	"Percolator/internal/state"

	"github.com/gagliardetto/solana-go"
)

// openAccount allocates a ledger slot paid for by feePayment base units.
// The new-account fee goes to insurance and the rest becomes capital.
// Accounts: user(s), slab(w), user token, vault, ...
func (c *Controller) openAccount(tx *txn, kind state.AccountKind, feePayment uint64) (uint16, error) {
	a := tx.req.Accounts
	user, token, vault := a[0], a[2], a[3]
	s := tx.slab

	if err := identity.ExpectSigner(user); err != nil {
		return 0, err
	}
	if err := identity.ExpectKey(vault, s.Config.Vault); err != nil {
		return 0, err
	}

	units := s.CreditDeposit(feePayment)
	fee := s.Params.NewAccountFee
	if units < fee {
		return 0, fmt.Errorf("%w: fee payment %d units < new account fee %d", riskerr.ErrInsufficientBalance, units, fee)
	}
	idx, err := s.AllocAccount(kind, user.Key, tx.now)
	if err != nil {
		return 0, err
	}
	s.Insurance.Balance = fpmath.SatAddU(s.Insurance.Balance, fee)
	s.Insurance.FeesPaid = fpmath.SatAddU(s.Insurance.FeesPaid, fee)
	if err := s.Ledger.AddCapital(idx, units-fee); err != nil {
		return 0, err
	}

	tx.transfer = &tokenTransfer{from: token.Key, to: vault.Key, authority: user.Key, amount: feePayment}
	tx.out.AccountIdx = idx
	tx.out.Amount = feePayment
	return idx, nil
}

func (c *Controller) handleInitUser(tx *txn, ix *event.InitUser) error {
	_, err := c.openAccount(tx, state.AccountUser, ix.FeePayment)
	return err
}

// Accounts: user(s), slab(w), user token, vault, matcher program, matcher context.
func (c *Controller) handleInitLP(tx *txn, ix *event.InitLP) error {
	a := tx.req.Accounts
	if err := identity.ExpectMatcher(ix.MatcherProgram, ix.MatcherContext, a[4], a[5]); err != nil {
		return err
	}
	idx, err := c.openAccount(tx, state.AccountLP, ix.FeePayment)
	if err != nil {
		return err
	}
	acc := &tx.slab.Ledger.Accounts[idx]
	acc.MatcherProgram = ix.MatcherProgram
	acc.MatcherContext = ix.MatcherContext
	return nil
}

// ownedAccount returns the account at idx after checking that signer owns it.
func ownedAccount(s *state.Slab, idx uint16, signer identity.AccountInfo) (*state.Account, error) {
	acc, err := s.Ledger.Get(idx)
	if err != nil {
		return nil, err
	}
	if err := identity.ExpectOwner(acc.Owner, signer); err != nil {
		return nil, err
	}
	return acc, nil
}

// Accounts: user(s), slab(w), user token, vault.
func (c *Controller) handleDeposit(tx *txn, ix *event.Deposit) error {
	a := tx.req.Accounts
	user, token, vault := a[0], a[2], a[3]
	s := tx.slab

	if _, err := ownedAccount(s, ix.UserIdx, user); err != nil {
		return err
	}
	if err := identity.ExpectKey(vault, s.Config.Vault); err != nil {
		return err
	}
	if err := s.Touch(ix.UserIdx, tx.now); err != nil {
		return err
	}
	units := s.CreditDeposit(ix.Amount)
	if err := s.Ledger.AddCapital(ix.UserIdx, units); err != nil {
		return err
	}

	tx.transfer = &tokenTransfer{from: token.Key, to: vault.Key, authority: user.Key, amount: ix.Amount}
	tx.out.AccountIdx = ix.UserIdx
	tx.out.Amount = ix.Amount
	return nil
}

// Accounts: user(s), slab(w), user token, vault.
func (c *Controller) handleTopUpInsurance(tx *txn, ix *event.TopUpInsurance) error {
	a := tx.req.Accounts
	user, token, vault := a[0], a[2], a[3]
	s := tx.slab

	if err := identity.ExpectSigner(user); err != nil {
		return err
	}
	if err := identity.ExpectKey(vault, s.Config.Vault); err != nil {
		return err
	}
	units := s.CreditDeposit(ix.Amount)
	s.Insurance.Balance = fpmath.SatAddU(s.Insurance.Balance, units)

	tx.transfer = &tokenTransfer{from: token.Key, to: vault.Key, authority: user.Key, amount: ix.Amount}
	tx.out.Amount = ix.Amount
	return nil
}

// vaultOut checks the vault and its derived authority and returns the
// authority key that signs outbound transfers.
// Accounts: ..., vault @2, user token @3, vault authority PDA @4.
func (c *Controller) vaultOut(tx *txn) (solana.PublicKey, error) {
	a := tx.req.Accounts
	if err := identity.ExpectKey(a[2], tx.slab.Config.Vault); err != nil {
		return solana.PublicKey{}, err
	}
	auth, _, err := identity.DeriveVaultAuthority(c.programID, c.slabKey)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: derive vault authority: %v", riskerr.ErrInvalidConfig, err)
	}
	if err := identity.ExpectPDA(a[4], auth); err != nil {
		return solana.PublicKey{}, err
	}
	return auth, nil
}

// Accounts: user(s), slab(w), vault, user token, vault authority PDA, oracle.
func (c *Controller) handleWithdraw(tx *txn, ix *event.Withdraw) error {
	a := tx.req.Accounts
	s := tx.slab

	acc, err := ownedAccount(s, ix.UserIdx, a[0])
	if err != nil {
		return err
	}
	auth, err := c.vaultOut(tx)
	if err != nil {
		return err
	}
	if err := s.CheckCrankFresh(tx.now); err != nil {
		return err
	}
	price, err := resolvePrice(s, a[5], tx.now)
	if err != nil {
		return err
	}

	if err := s.SettleParties(tx.now, ix.UserIdx); err != nil {
		return err
	}
	if err := s.Ledger.SubCapital(ix.UserIdx, ix.Amount); err != nil {
		return err
	}
	// the remaining position must still carry initial margin
	if err := state.CheckMargin(acc, 0, price, &s.Params); err != nil {
		return err
	}
	amount, err := s.DebitWithdrawal(ix.Amount)
	if err != nil {
		return err
	}

	tx.transfer = &tokenTransfer{from: a[2].Key, to: a[3].Key, authority: auth, amount: amount}
	tx.out.AccountIdx = ix.UserIdx
	tx.out.Amount = amount
	tx.out.PriceE6 = price
	return nil
}

// Accounts: user(s), slab(w), vault, user token, vault authority PDA, oracle.
// A flat account needs no price, so the oracle account is not read.
func (c *Controller) handleCloseAccount(tx *txn, ix *event.CloseAccount) error {
	a := tx.req.Accounts
	s := tx.slab

	acc, err := ownedAccount(s, ix.UserIdx, a[0])
	if err != nil {
		return err
	}
	auth, err := c.vaultOut(tx)
	if err != nil {
		return err
	}
	if !acc.IsFlat() {
		return fmt.Errorf("%w: account %d holds %d", riskerr.ErrPositionOpen, ix.UserIdx, acc.Position)
	}
	if err := s.SettleParties(tx.now, ix.UserIdx); err != nil {
		return err
	}
	if acc.PnL > 0 {
		return fmt.Errorf("%w: account %d has %d pending", riskerr.ErrPendingPnL, ix.UserIdx, acc.PnL)
	}

	capital := acc.Capital
	if err := s.Ledger.SubCapital(ix.UserIdx, capital); err != nil {
		return err
	}
	amount, err := s.DebitWithdrawal(capital)
	if err != nil {
		return err
	}
	if err := s.Ledger.Free(ix.UserIdx); err != nil {
		return err
	}

	tx.transfer = &tokenTransfer{from: a[2].Key, to: a[3].Key, authority: auth, amount: amount}
	tx.out.AccountIdx = ix.UserIdx
	tx.out.Amount = amount
	return nil
}

package core

import (
	"fmt"

	"Percolator/internal/event"
	"Percolator/internal/identity"
	"Percolator/internal/riskerr"
	"Percolator/internal/state"
)

// Accounts: admin(s), slab(w), mint, vault, vault authority PDA, oracle.
func (c *Controller) handleInitMarket(tx *txn, ix *event.InitMarket) error {
	if tx.slab != nil {
		return riskerr.ErrAlreadyInitialized
	}
	a := tx.req.Accounts
	admin, mint, vault, vaultAuth, feed := a[0], a[2], a[3], a[4], a[5]

	if err := identity.ExpectSigner(admin); err != nil {
		return err
	}
	if !admin.Key.Equals(ix.Admin) {
		return fmt.Errorf("%w: signer %s is not the declared admin", riskerr.ErrAdminMismatch, admin.Key)
	}
	if err := identity.ExpectKey(mint, ix.CollateralMint); err != nil {
		return err
	}

	auth, bump, err := identity.DeriveVaultAuthority(c.programID, c.slabKey)
	if err != nil {
		return fmt.Errorf("%w: derive vault authority: %v", riskerr.ErrInvalidConfig, err)
	}
	if err := identity.ExpectPDA(vaultAuth, auth); err != nil {
		return err
	}
	tok, ok := c.bank.Get(vault.Key)
	if !ok {
		return fmt.Errorf("%w: vault %s does not exist", riskerr.ErrAccountShape, vault.Key)
	}
	if !tok.Owner.Equals(auth) || !tok.Mint.Equals(ix.CollateralMint) {
		return fmt.Errorf("%w: vault %s not owned by the vault authority for this mint", riskerr.ErrAccountShape, vault.Key)
	}
	if tok.Amount != 0 {
		return fmt.Errorf("%w: vault %s must start empty", riskerr.ErrAccountShape, vault.Key)
	}
	if !ix.IndexFeed.IsZero() {
		if err := identity.ExpectKey(feed, ix.IndexFeed); err != nil {
			return err
		}
	}

	cfg := state.MarketConfig{
		CollateralMint:     ix.CollateralMint,
		Vault:              vault.Key,
		VaultAuthorityBump: bump,
		IndexFeed:          ix.IndexFeed,
		MaxStalenessSlots:  ix.MaxStalenessSlots,
		ConfFilterBps:      uint64(ix.ConfFilterBps),
		Invert:             ix.Invert,
		UnitScale:          ix.UnitScale,
		InitialMarkPriceE6: ix.InitialMarkPriceE6,
	}
	s, err := state.NewSlab(ix.Admin, bump, cfg, ix.Params, tx.now)
	if err != nil {
		return err
	}
	tx.slab = s
	return nil
}

func expectAdmin(tx *txn) error {
	return identity.ExpectAdmin(tx.slab.Header.Admin, tx.req.Accounts[0])
}

func (c *Controller) handleSetRiskThreshold(tx *txn, ix *event.SetRiskThreshold) error {
	if err := expectAdmin(tx); err != nil {
		return err
	}
	tx.slab.RiskThreshold = ix.Threshold
	tx.slab.Params.RiskReductionThreshold = ix.Threshold
	return nil
}

func (c *Controller) handleUpdateAdmin(tx *txn, ix *event.UpdateAdmin) error {
	if err := expectAdmin(tx); err != nil {
		return err
	}
	if ix.NewAdmin.IsZero() {
		c.log.Warn().Str("slab", c.slabKey.String()).Msg("admin burned")
	}
	tx.slab.Header.Admin = ix.NewAdmin
	return nil
}

func (c *Controller) handleUpdateConfig(tx *txn, ix *event.UpdateConfig) error {
	if err := expectAdmin(tx); err != nil {
		return err
	}
	s := tx.slab
	if ix.Params.MaxAccounts != s.Params.MaxAccounts {
		return fmt.Errorf("%w: max_accounts is fixed at %d", riskerr.ErrInvalidConfig, s.Params.MaxAccounts)
	}

	cfg, params := s.Config, s.Params
	ix.Apply(&cfg, &params)
	if cfg.Scale() != s.Config.Scale() && s.Vault.Balance != 0 {
		return fmt.Errorf("%w: unit_scale changes need an empty vault, holding %d", riskerr.ErrInvalidConfig, s.Vault.Balance)
	}
	if err := state.ValidateRiskParams(&params); err != nil {
		return err
	}
	if err := state.ValidateMarketConfig(&cfg, &params); err != nil {
		return err
	}
	s.Config, s.Params = cfg, params
	return nil
}

func (c *Controller) handleSetPriceCap(tx *txn, ix *event.SetPriceCap) error {
	if err := expectAdmin(tx); err != nil {
		return err
	}
	cfg := tx.slab.Config
	cfg.PriceCapE2Bps = ix.CapE2Bps
	if err := state.ValidateMarketConfig(&cfg, &tx.slab.Params); err != nil {
		return err
	}
	tx.slab.Config = cfg
	return nil
}

// Accounts: admin(s), slab(w), vault.
func (c *Controller) handleCloseSlab(tx *txn, _ *event.CloseSlab) error {
	if err := expectAdmin(tx); err != nil {
		return err
	}
	if err := identity.ExpectKey(tx.req.Accounts[2], tx.slab.Config.Vault); err != nil {
		return err
	}
	if n := tx.slab.Ledger.UsedCount(); n > 0 {
		return fmt.Errorf("%w: %d accounts", riskerr.ErrAccountsInUse, n)
	}
	if tx.slab.Vault.Balance != 0 {
		return fmt.Errorf("%w: %d base units", riskerr.ErrVaultNotEmpty, tx.slab.Vault.Balance)
	}
	tx.closed = true
	return nil
}

func (c *Controller) handleSetOracleAuthority(tx *txn, ix *event.SetOracleAuthority) error {
	if err := expectAdmin(tx); err != nil {
		return err
	}
	o := &tx.slab.Oracle
	if !o.Authority.Equals(ix.Authority) {
		o.PushedPriceE6 = 0
		o.PushedSlot = 0
	}
	o.Authority = ix.Authority
	return nil
}

// Accounts: authority(s), slab(w).
func (c *Controller) handlePushOraclePrice(tx *txn, ix *event.PushOraclePrice) error {
	signer := tx.req.Accounts[0]
	if err := identity.ExpectSigner(signer); err != nil {
		return err
	}
	o := &tx.slab.Oracle
	if o.Authority.IsZero() || !o.Authority.Equals(signer.Key) {
		return fmt.Errorf("%w: %s", riskerr.ErrOracleAuthority, signer.Key)
	}
	if ix.PriceE6 == 0 {
		return fmt.Errorf("%w: pushed price is zero", riskerr.ErrOracleInvalid)
	}
	if ix.PublishSlot > tx.now {
		return fmt.Errorf("%w: publish slot %d is in the future", riskerr.ErrOracleInvalid, ix.PublishSlot)
	}
	if o.PushedPriceE6 != 0 && !PushIsFresh(o.PushedSlot, ix.PublishSlot) {
		return nil
	}
	o.PushedPriceE6 = ix.PriceE6
	o.PushedSlot = ix.PublishSlot
	tx.out.PriceE6 = ix.PriceE6
	return nil
}

// Package state holds the slab: the single in-place record of one market's
// accounts, positions, funding, insurance and oracle state, together with
// the risk rules that mutate it.
package state

import (
	"fmt"

	fpmath "Percolator/internal/math"
	"Percolator/internal/riskerr"

	"github.com/gagliardetto/solana-go"
)

const (
	Magic   uint64 = 0x504552434f4c4154 // "PERCOLAT"
	Version uint32 = 1
)

type Header struct {
	Magic   uint64
	Version uint32
	Bump    uint8
	Admin   solana.PublicKey // all-zero = burned
}

// Vault mirrors the token balance held by the vault account, in base units.
type Vault struct {
	Balance uint64
	Dust    uint64 // base units below one engine unit
}

// OracleState carries the authority-pushed price and the internal
// mark/index pair used when the market has no external feed.
type OracleState struct {
	Authority     solana.PublicKey
	PushedPriceE6 uint64
	PushedSlot    uint64

	MarkE6        uint64
	IndexE6       uint64
	AnchorMarkE6  uint64
	AnchorSlot    uint64
	LastIndexSlot uint64
}

type Slab struct {
	Header        Header
	Config        MarketConfig
	Params        RiskParams
	Ledger        *Ledger
	Insurance     InsuranceFund
	Funding       FundingState
	Oracle        OracleState
	Vault         Vault
	RiskThreshold uint64
	LastCrankSlot uint64
	NextAccountID uint64
}

// NewSlab builds an initialized slab after validating its configuration.
func NewSlab(admin solana.PublicKey, bump uint8, cfg MarketConfig, params RiskParams, nowSlot uint64) (*Slab, error) {
	if err := ValidateRiskParams(&params); err != nil {
		return nil, err
	}
	if err := ValidateMarketConfig(&cfg, &params); err != nil {
		return nil, err
	}
	s := &Slab{
		Header:        Header{Magic: Magic, Version: Version, Bump: bump, Admin: admin},
		Config:        cfg,
		Params:        params,
		Ledger:        NewLedger(params.MaxAccounts),
		Funding:       FundingState{LastSlot: nowSlot},
		RiskThreshold: params.RiskReductionThreshold,
		LastCrankSlot: nowSlot,
	}
	if cfg.IsHyperp() {
		s.Oracle.MarkE6 = cfg.InitialMarkPriceE6
		s.Oracle.IndexE6 = cfg.InitialMarkPriceE6
		s.Oracle.AnchorMarkE6 = cfg.InitialMarkPriceE6
		s.Oracle.AnchorSlot = nowSlot
		s.Oracle.LastIndexSlot = nowSlot
	}
	return s, nil
}

// IsInitialized reports whether the header carries the current magic and version.
func (s *Slab) IsInitialized() bool {
	return s != nil && s.Header.Magic == Magic && s.Header.Version == Version
}

func (s *Slab) CheckHeader() error {
	if !s.IsInitialized() {
		return riskerr.ErrSlabInert
	}
	return nil
}

func (s *Slab) Clone() *Slab {
	c := *s
	c.Ledger = s.Ledger.Clone()
	return &c
}

// ============================================================================
// Custody accounting
// ============================================================================

// CreditDeposit records amount base units entering the vault and returns the
// engine units credited.
func (s *Slab) CreditDeposit(amount uint64) uint64 {
	scale := s.Config.Scale()
	s.Vault.Balance = fpmath.SatAddU(s.Vault.Balance, amount)
	s.Vault.Dust = fpmath.SatAddU(s.Vault.Dust, amount%scale)
	units := amount / scale
	// sweep whole units of dust into insurance
	if s.Vault.Dust >= scale {
		s.Insurance.Balance = fpmath.SatAddU(s.Insurance.Balance, s.Vault.Dust/scale)
		s.Vault.Dust %= scale
	}
	return units
}

// DebitWithdrawal records units engine units leaving the vault and returns
// the base-unit amount to transfer.
func (s *Slab) DebitWithdrawal(units uint64) (uint64, error) {
	amount := fpmath.SatMulU(units, s.Config.Scale())
	if amount > s.Vault.Balance {
		return 0, fmt.Errorf("%w: vault %d < %d", riskerr.ErrInsufficientBalance, s.Vault.Balance, amount)
	}
	s.Vault.Balance -= amount
	return amount, nil
}

// CheckConservation verifies the vault equals all value the slab owes.
func (s *Slab) CheckConservation() error {
	owed := fpmath.SatAddU(s.Ledger.Agg.TotalCapital, s.Insurance.Balance)
	want := fpmath.SatAddU(fpmath.SatMulU(owed, s.Config.Scale()), s.Vault.Dust)
	if s.Vault.Balance != want {
		return fmt.Errorf("conservation violated: vault=%d capital=%d insurance=%d dust=%d",
			s.Vault.Balance, s.Ledger.Agg.TotalCapital, s.Insurance.Balance, s.Vault.Dust)
	}
	if agg := s.Ledger.RecomputeAggregates(); agg != s.Ledger.Agg {
		return fmt.Errorf("aggregates drifted: stored=%+v recomputed=%+v", s.Ledger.Agg, agg)
	}
	return nil
}

// AllocAccount assigns the next account id and the lowest free slot.
func (s *Slab) AllocAccount(kind AccountKind, owner solana.PublicKey, nowSlot uint64) (uint16, error) {
	idx, err := s.Ledger.Alloc(kind, owner, s.NextAccountID)
	if err != nil {
		return 0, err
	}
	s.NextAccountID++
	acc := &s.Ledger.Accounts[idx]
	acc.FundingIndex = s.Funding.Index
	acc.LastFeeSlot = nowSlot
	acc.WarmupEpoch = s.Ledger.PendingEpoch
	return idx, nil
}

// GateActive reports whether only risk-reducing trades are accepted.
func (s *Slab) GateActive() bool {
	return GateActive(s.Insurance.Balance, s.RiskThreshold)
}

// CheckCrankFresh enforces the crank staleness window when configured.
func (s *Slab) CheckCrankFresh(nowSlot uint64) error {
	if s.Params.MaxCrankStalenessSlots == 0 {
		return nil
	}
	age := fpmath.SatSubU(nowSlot, s.LastCrankSlot)
	if age > s.Params.MaxCrankStalenessSlots {
		return fmt.Errorf("%w: last crank %d slots ago (max %d)", riskerr.ErrCrankStale, age, s.Params.MaxCrankStalenessSlots)
	}
	return nil
}

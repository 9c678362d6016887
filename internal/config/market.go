// Package config loads the market definition the service boots with.
package config

import (
	"fmt"
	"os"

	"Percolator/internal/custody"
	"Percolator/internal/event"
	"Percolator/internal/identity"
	"Percolator/internal/matcher"
	"Percolator/internal/oracle"
	"Percolator/internal/state"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

// RiskFile mirrors state.RiskParams. Omitted fields keep the defaults of
// state.DefaultRiskParams.
type RiskFile struct {
	WarmupPeriodSlots      *uint64 `yaml:"warmup_period_slots"`
	MaintenanceMarginBps   *uint64 `yaml:"maintenance_margin_bps"`
	InitialMarginBps       *uint64 `yaml:"initial_margin_bps"`
	TradingFeeBps          *uint64 `yaml:"trading_fee_bps"`
	MaxAccounts            *uint16 `yaml:"max_accounts"`
	NewAccountFee          *uint64 `yaml:"new_account_fee"`
	RiskReductionThreshold *uint64 `yaml:"risk_reduction_threshold"`
	MaintenanceFeePerSlot  *uint64 `yaml:"maintenance_fee_per_slot"`
	MaxCrankStalenessSlots *uint64 `yaml:"max_crank_staleness_slots"`
	LiquidationFeeBps      *uint64 `yaml:"liquidation_fee_bps"`
	LiquidationFeeCap      *uint64 `yaml:"liquidation_fee_cap"`
	LiquidationBufferBps   *uint64 `yaml:"liquidation_buffer_bps"`
	MinLiquidationAbs      *uint64 `yaml:"min_liquidation_abs"`
	ThresholdAutoBps       *uint64 `yaml:"threshold_auto_bps"`
	FundingHorizonSlots    *uint64 `yaml:"funding_horizon_slots"`
	FundingMaxBpsPerSlot   *int64  `yaml:"funding_max_bps_per_slot"`
}

// TokenAccountFile is a token account opened in the custody bank at boot.
type TokenAccountFile struct {
	Key    string `yaml:"key"`
	Owner  string `yaml:"owner"`
	Amount uint64 `yaml:"amount"`
}

// MatcherFile binds a matcher program id to a built-in matcher kind and
// lists the context accounts the service holds for it.
type MatcherFile struct {
	Program  string               `yaml:"program"`
	Kind     string               `yaml:"kind"` // "noop" or "vamm"
	Contexts []MatcherContextFile `yaml:"contexts"`
}

// MatcherContextFile is one context account. Without vamm parameters the
// context is zeroed.
type MatcherContextFile struct {
	Key  string    `yaml:"key"`
	VAMM *VAMMFile `yaml:"vamm"`
}

type VAMMFile struct {
	SpreadBps      uint64 `yaml:"spread_bps"`
	FeeBps         uint64 `yaml:"fee_bps"`
	LiquidityUnits uint64 `yaml:"liquidity_units"`
	MaxImpactBps   uint64 `yaml:"max_impact_bps"`
	MaxFillAbs     uint64 `yaml:"max_fill_abs"`
}

// MarketFile is the on-disk YAML form.
type MarketFile struct {
	ProgramID         string             `yaml:"program_id"`
	Slab              string             `yaml:"slab"`
	Admin             string             `yaml:"admin"`
	CollateralMint    string             `yaml:"collateral_mint"`
	Vault             string             `yaml:"vault"`
	IndexFeed         string             `yaml:"index_feed"`
	MaxStalenessSlots uint64             `yaml:"max_staleness_slots"`
	ConfFilterBps     uint16             `yaml:"conf_filter_bps"`
	Invert            bool               `yaml:"invert"`
	UnitScale         uint32             `yaml:"unit_scale"`
	InitialMarkPrice  string             `yaml:"initial_mark_price"`
	Risk              RiskFile           `yaml:"risk"`
	TokenAccounts     []TokenAccountFile `yaml:"token_accounts"`
	Matchers          []MatcherFile      `yaml:"matchers"`
}

type TokenAccount struct {
	Key    solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
}

type MatcherBinding struct {
	Program  solana.PublicKey
	Matcher  matcher.Matcher
	Contexts []MatcherContext
}

// MatcherContext is the content of a context account owned by a matcher.
type MatcherContext struct {
	Key  solana.PublicKey
	Data []byte
}

// Market is a validated market definition.
type Market struct {
	ProgramID          solana.PublicKey
	Slab               solana.PublicKey
	Admin              solana.PublicKey
	CollateralMint     solana.PublicKey
	Vault              solana.PublicKey
	VaultAuthority     solana.PublicKey
	IndexFeed          solana.PublicKey // zero without an external feed
	MaxStalenessSlots  uint64
	ConfFilterBps      uint16
	Invert             bool
	UnitScale          uint32
	InitialMarkPriceE6 uint64
	Params             state.RiskParams
	TokenAccounts      []TokenAccount
	Matchers           []MatcherBinding
}

// LoadMarket reads and validates the market file at path.
func LoadMarket(path string) (*Market, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read market file: %w", err)
	}
	return ParseMarket(data)
}

// ParseMarket decodes and validates a YAML market definition.
func ParseMarket(data []byte) (*Market, error) {
	var f MarketFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse market file: %w", err)
	}
	return f.Resolve()
}

// Resolve converts the file form into a Market and validates it the way
// InitMarket would.
func (f *MarketFile) Resolve() (*Market, error) {
	m := &Market{
		MaxStalenessSlots: f.MaxStalenessSlots,
		ConfFilterBps:     f.ConfFilterBps,
		Invert:            f.Invert,
		UnitScale:         f.UnitScale,
		Params:            f.Risk.apply(state.DefaultRiskParams()),
	}

	keys := []struct {
		name     string
		value    string
		dst      *solana.PublicKey
		optional bool
	}{
		{"program_id", f.ProgramID, &m.ProgramID, false},
		{"slab", f.Slab, &m.Slab, false},
		{"admin", f.Admin, &m.Admin, false},
		{"collateral_mint", f.CollateralMint, &m.CollateralMint, false},
		{"vault", f.Vault, &m.Vault, false},
		{"index_feed", f.IndexFeed, &m.IndexFeed, true},
	}
	for _, k := range keys {
		if k.value == "" {
			if k.optional {
				continue
			}
			return nil, fmt.Errorf("%s is required", k.name)
		}
		key, err := solana.PublicKeyFromBase58(k.value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k.name, err)
		}
		*k.dst = key
	}

	if f.InitialMarkPrice != "" {
		p, err := oracle.ParseE6(f.InitialMarkPrice)
		if err != nil {
			return nil, fmt.Errorf("initial_mark_price: %w", err)
		}
		m.InitialMarkPriceE6 = p
	}

	auth, bump, err := identity.DeriveVaultAuthority(m.ProgramID, m.Slab)
	if err != nil {
		return nil, fmt.Errorf("derive vault authority: %w", err)
	}
	m.VaultAuthority = auth

	for i, ta := range f.TokenAccounts {
		key, err := solana.PublicKeyFromBase58(ta.Key)
		if err != nil {
			return nil, fmt.Errorf("token_accounts[%d].key: %w", i, err)
		}
		owner, err := solana.PublicKeyFromBase58(ta.Owner)
		if err != nil {
			return nil, fmt.Errorf("token_accounts[%d].owner: %w", i, err)
		}
		if key.Equals(m.Vault) {
			return nil, fmt.Errorf("token_accounts[%d]: the vault is opened by the service", i)
		}
		m.TokenAccounts = append(m.TokenAccounts, TokenAccount{Key: key, Owner: owner, Amount: ta.Amount})
	}

	for i, mf := range f.Matchers {
		program, err := solana.PublicKeyFromBase58(mf.Program)
		if err != nil {
			return nil, fmt.Errorf("matchers[%d].program: %w", i, err)
		}
		var impl matcher.Matcher
		switch mf.Kind {
		case "noop":
			impl = matcher.NoOpMatcher{}
		case "vamm":
			impl = matcher.VAMM{}
		default:
			return nil, fmt.Errorf("matchers[%d]: unknown kind %q", i, mf.Kind)
		}
		binding := MatcherBinding{Program: program, Matcher: impl}
		for j, cf := range mf.Contexts {
			key, err := solana.PublicKeyFromBase58(cf.Key)
			if err != nil {
				return nil, fmt.Errorf("matchers[%d].contexts[%d].key: %w", i, j, err)
			}
			data := make([]byte, identity.MatcherContextLen)
			if v := cf.VAMM; v != nil {
				data = matcher.EncodeVAMMContext(matcher.VAMMParams{
					SpreadBps:      v.SpreadBps,
					FeeBps:         v.FeeBps,
					LiquidityUnits: v.LiquidityUnits,
					MaxImpactBps:   v.MaxImpactBps,
					MaxFillAbs:     v.MaxFillAbs,
				}, identity.MatcherContextLen)
			}
			binding.Contexts = append(binding.Contexts, MatcherContext{Key: key, Data: data})
		}
		m.Matchers = append(m.Matchers, binding)
	}

	if err := state.ValidateRiskParams(&m.Params); err != nil {
		return nil, err
	}
	cfg := state.MarketConfig{
		CollateralMint:     m.CollateralMint,
		Vault:              m.Vault,
		VaultAuthorityBump: bump,
		IndexFeed:          m.IndexFeed,
		MaxStalenessSlots:  m.MaxStalenessSlots,
		ConfFilterBps:      uint64(m.ConfFilterBps),
		Invert:             m.Invert,
		UnitScale:          m.UnitScale,
		InitialMarkPriceE6: m.InitialMarkPriceE6,
	}
	if err := state.ValidateMarketConfig(&cfg, &m.Params); err != nil {
		return nil, err
	}
	return m, nil
}

func (r RiskFile) apply(p state.RiskParams) state.RiskParams {
	set := func(dst *uint64, v *uint64) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.WarmupPeriodSlots, r.WarmupPeriodSlots)
	set(&p.MaintenanceMarginBps, r.MaintenanceMarginBps)
	set(&p.InitialMarginBps, r.InitialMarginBps)
	set(&p.TradingFeeBps, r.TradingFeeBps)
	set(&p.NewAccountFee, r.NewAccountFee)
	set(&p.RiskReductionThreshold, r.RiskReductionThreshold)
	set(&p.MaintenanceFeePerSlot, r.MaintenanceFeePerSlot)
	set(&p.MaxCrankStalenessSlots, r.MaxCrankStalenessSlots)
	set(&p.LiquidationFeeBps, r.LiquidationFeeBps)
	set(&p.LiquidationFeeCap, r.LiquidationFeeCap)
	set(&p.LiquidationBufferBps, r.LiquidationBufferBps)
	set(&p.MinLiquidationAbs, r.MinLiquidationAbs)
	set(&p.ThresholdAutoBps, r.ThresholdAutoBps)
	set(&p.FundingHorizonSlots, r.FundingHorizonSlots)
	if r.MaxAccounts != nil {
		p.MaxAccounts = *r.MaxAccounts
	}
	if r.FundingMaxBpsPerSlot != nil {
		p.FundingMaxBpsPerSlot = *r.FundingMaxBpsPerSlot
	}
	return p
}

// InitMarket returns the instruction that creates this market.
func (m *Market) InitMarket() *event.InitMarket {
	return &event.InitMarket{
		Admin:              m.Admin,
		CollateralMint:     m.CollateralMint,
		IndexFeed:          m.IndexFeed,
		MaxStalenessSlots:  m.MaxStalenessSlots,
		ConfFilterBps:      m.ConfFilterBps,
		Invert:             m.Invert,
		UnitScale:          m.UnitScale,
		InitialMarkPriceE6: m.InitialMarkPriceE6,
		Params:             m.Params,
	}
}

// InitMarketAccounts returns the account list InitMarket expects.
func (m *Market) InitMarketAccounts() []identity.AccountInfo {
	return []identity.AccountInfo{
		{Key: m.Admin, IsSigner: true},
		{Key: m.Slab, IsWritable: true},
		{Key: m.CollateralMint},
		{Key: m.Vault, IsWritable: true},
		{Key: m.VaultAuthority},
		{Key: m.IndexFeed},
	}
}

// Registry returns a matcher registry holding the configured bindings and
// their context accounts.
func (m *Market) Registry() *matcher.Registry {
	r := matcher.NewRegistry()
	for _, b := range m.Matchers {
		r.Register(b.Program, b.Matcher)
		for _, c := range b.Contexts {
			r.BindContext(c.Key, b.Program, c.Data)
		}
	}
	return r
}

// OpenAccounts opens the vault and the configured token accounts in bank.
// vaultBalance restores the vault after a restart; it is zero on a cold
// start.
func (m *Market) OpenAccounts(bank *custody.Bank, vaultBalance uint64) error {
	if err := bank.Open(m.Vault, m.CollateralMint, m.VaultAuthority); err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	if vaultBalance > 0 {
		if err := bank.MintTo(m.Vault, vaultBalance); err != nil {
			return fmt.Errorf("restore vault: %w", err)
		}
	}
	for _, ta := range m.TokenAccounts {
		if err := bank.Open(ta.Key, m.CollateralMint, ta.Owner); err != nil {
			return fmt.Errorf("open token account %s: %w", ta.Key, err)
		}
		if ta.Amount > 0 {
			if err := bank.MintTo(ta.Key, ta.Amount); err != nil {
				return fmt.Errorf("fund token account %s: %w", ta.Key, err)
			}
		}
	}
	return nil
}

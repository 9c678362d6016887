package state

import (
	"fmt"

	fpmath "Percolator/internal/math"
	"Percolator/internal/riskerr"

	"github.com/gagliardetto/solana-go"
)

// MaxAccountsLimit is the largest ledger a slab may be created with.
const MaxAccountsLimit = 4096

// RiskParams defines the margin, fee and maintenance parameters of a market.
// All bps values use a 10_000 denominator.
type RiskParams struct {
	WarmupPeriodSlots      uint64
	MaintenanceMarginBps   uint64
	InitialMarginBps       uint64
	TradingFeeBps          uint64
	MaxAccounts            uint16
	NewAccountFee          uint64
	RiskReductionThreshold uint64
	MaintenanceFeePerSlot  uint64
	MaxCrankStalenessSlots uint64 // 0 disables the crank freshness requirement
	LiquidationFeeBps      uint64
	LiquidationFeeCap      uint64 // 0 = uncapped
	LiquidationBufferBps   uint64
	MinLiquidationAbs      uint64
	ThresholdAutoBps       uint64 // 0 = threshold set by admin only
	FundingHorizonSlots    uint64
	FundingMaxBpsPerSlot   int64
}

// MarketConfig holds the market identity and oracle configuration.
type MarketConfig struct {
	CollateralMint     solana.PublicKey
	Vault              solana.PublicKey
	VaultAuthorityBump uint8
	IndexFeed          solana.PublicKey // zero = internal mark/index
	MaxStalenessSlots  uint64
	ConfFilterBps      uint64
	Invert             bool
	UnitScale          uint32 // base token units per engine unit; 0 or 1 = none
	InitialMarkPriceE6 uint64
	PriceCapE2Bps      uint64
}

// DefaultRiskParams returns a conservative parameter set for new markets.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		WarmupPeriodSlots:      100,
		MaintenanceMarginBps:   500,  // 5%
		InitialMarginBps:       1000, // 10%
		TradingFeeBps:          10,
		MaxAccounts:            64,
		NewAccountFee:          0,
		RiskReductionThreshold: 0,
		MaintenanceFeePerSlot:  0,
		MaxCrankStalenessSlots: 0,
		LiquidationFeeBps:      50,
		LiquidationFeeCap:      0,
		LiquidationBufferBps:   100,
		MinLiquidationAbs:      0,
		ThresholdAutoBps:       0,
		FundingHorizonSlots:    500,
		FundingMaxBpsPerSlot:   5,
	}
}

// IsHyperp reports whether the market runs without an external price feed.
func (c *MarketConfig) IsHyperp() bool {
	return c.IndexFeed.IsZero()
}

// Scale returns the effective unit-scale divisor (at least 1).
func (c *MarketConfig) Scale() uint64 {
	if c.UnitScale == 0 {
		return 1
	}
	return uint64(c.UnitScale)
}

// ValidateRiskParams checks that risk parameters are within valid ranges:
// mm > 0, im > mm, im <= 10_000, fees within 100%, 0 < max_accounts <= 4096.
func ValidateRiskParams(p *RiskParams) error {
	if p.MaintenanceMarginBps == 0 {
		return fmt.Errorf("%w: maintenance_margin_bps must be > 0", riskerr.ErrInvalidConfig)
	}
	if p.InitialMarginBps <= p.MaintenanceMarginBps {
		return fmt.Errorf("%w: initial_margin_bps (%d) must be > maintenance_margin_bps (%d)",
			riskerr.ErrInvalidConfig, p.InitialMarginBps, p.MaintenanceMarginBps)
	}
	if p.InitialMarginBps > fpmath.BpsScale {
		return fmt.Errorf("%w: initial_margin_bps must be <= %d, got %d", riskerr.ErrInvalidConfig, fpmath.BpsScale, p.InitialMarginBps)
	}
	if p.TradingFeeBps > fpmath.BpsScale || p.LiquidationFeeBps > fpmath.BpsScale || p.LiquidationBufferBps > fpmath.BpsScale {
		return fmt.Errorf("%w: fee and buffer bps must be <= %d", riskerr.ErrInvalidConfig, fpmath.BpsScale)
	}
	if p.ThresholdAutoBps > fpmath.BpsScale {
		return fmt.Errorf("%w: threshold_auto_bps must be <= %d", riskerr.ErrInvalidConfig, fpmath.BpsScale)
	}
	if p.MaxAccounts == 0 || p.MaxAccounts > MaxAccountsLimit {
		return fmt.Errorf("%w: max_accounts must be in [1, %d], got %d", riskerr.ErrInvalidConfig, MaxAccountsLimit, p.MaxAccounts)
	}
	if p.FundingMaxBpsPerSlot < 0 {
		return fmt.Errorf("%w: funding_max_bps_per_slot must be >= 0", riskerr.ErrInvalidConfig)
	}
	return nil
}

// ValidateMarketConfig checks the oracle and collateral configuration.
func ValidateMarketConfig(c *MarketConfig, p *RiskParams) error {
	if c.CollateralMint.IsZero() {
		return fmt.Errorf("%w: collateral mint is required", riskerr.ErrInvalidConfig)
	}
	if c.ConfFilterBps > fpmath.BpsScale {
		return fmt.Errorf("%w: conf_filter_bps must be <= %d", riskerr.ErrInvalidConfig, fpmath.BpsScale)
	}
	if c.UnitScale > 1_000_000_000 {
		return fmt.Errorf("%w: unit_scale must be <= 1e9, got %d", riskerr.ErrInvalidConfig, c.UnitScale)
	}
	if c.PriceCapE2Bps > 1_000_000 {
		return fmt.Errorf("%w: price cap must be <= 1_000_000 e2bps", riskerr.ErrInvalidConfig)
	}
	if c.IsHyperp() {
		if c.InitialMarkPriceE6 == 0 {
			return fmt.Errorf("%w: initial mark price required without an index feed", riskerr.ErrInvalidConfig)
		}
		if p.FundingHorizonSlots == 0 {
			return fmt.Errorf("%w: funding horizon required without an index feed", riskerr.ErrInvalidConfig)
		}
	}
	return nil
}

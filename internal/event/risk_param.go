package event

import (
	"Percolator/internal/state"

	"github.com/gagliardetto/solana-go"
)

// InitMarket creates the slab. A zero IndexFeed selects the internal
// mark/index price.
type InitMarket struct {
	Admin              solana.PublicKey
	CollateralMint     solana.PublicKey
	IndexFeed          solana.PublicKey
	MaxStalenessSlots  uint64
	ConfFilterBps      uint16
	Invert             bool
	UnitScale          uint32
	InitialMarkPriceE6 uint64
	Params             state.RiskParams
}

// UpdateConfig replaces the market's tunable configuration: the oracle
// filters, the unit scale, the price cap and the risk parameters. Capacity
// is fixed at InitMarket and the risk reduction threshold belongs to
// SetRiskThreshold.
type UpdateConfig struct {
	MaxStalenessSlots uint64
	ConfFilterBps     uint16
	UnitScale         uint32
	PriceCapE2Bps     uint64
	Params            state.RiskParams
}

type SetRiskThreshold struct {
	Threshold uint64
}

// UpdateAdmin transfers admin rights. A zero key burns them.
type UpdateAdmin struct {
	NewAdmin solana.PublicKey
}

type CloseSlab struct{}

func (*InitMarket) Tag() Tag       { return TagInitMarket }
func (*UpdateConfig) Tag() Tag     { return TagUpdateConfig }
func (*SetRiskThreshold) Tag() Tag { return TagSetRiskThreshold }
func (*UpdateAdmin) Tag() Tag      { return TagUpdateAdmin }
func (*CloseSlab) Tag() Tag        { return TagCloseSlab }

// NewUpdateConfig starts an update from the market's current configuration
// so callers only touch the fields they mean to change.
func NewUpdateConfig(cfg *state.MarketConfig, p *state.RiskParams) *UpdateConfig {
	return &UpdateConfig{
		MaxStalenessSlots: cfg.MaxStalenessSlots,
		ConfFilterBps:     uint16(cfg.ConfFilterBps),
		UnitScale:         cfg.UnitScale,
		PriceCapE2Bps:     cfg.PriceCapE2Bps,
		Params:            *p,
	}
}

// Apply copies the update onto cfg and p. The risk reduction threshold is
// left as it is.
func (u *UpdateConfig) Apply(cfg *state.MarketConfig, p *state.RiskParams) {
	threshold := p.RiskReductionThreshold
	*p = u.Params
	p.RiskReductionThreshold = threshold

	cfg.MaxStalenessSlots = u.MaxStalenessSlots
	cfg.ConfFilterBps = uint64(u.ConfFilterBps)
	cfg.UnitScale = u.UnitScale
	cfg.PriceCapE2Bps = u.PriceCapE2Bps
}

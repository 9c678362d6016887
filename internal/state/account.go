package state

import (
	"github.com/gagliardetto/solana-go"
)

// AccountKind distinguishes end users from liquidity providers.
type AccountKind uint8

const (
	AccountUser AccountKind = iota
	AccountLP
)

func (k AccountKind) String() string {
	switch k {
	case AccountUser:
		return "User"
	case AccountLP:
		return "LP"
	default:
		return "Unknown"
	}
}

// LPLimits bound what a matcher may fill for an LP. Zero means unlimited.
type LPLimits struct {
	MaxFillAbs      uint64
	MaxInventoryAbs uint64
}

// Account is one row of the ledger arena.
type Account struct {
	Used  bool
	Kind  AccountKind
	ID    uint64
	Owner solana.PublicKey

	Capital    uint64
	Position   int64
	EntryPrice uint64 // price_e6
	PnL        int64  // realized, not yet converted to capital

	WarmupSlot   uint64
	WarmupEpoch  uint8
	FundingIndex int64
	LastFeeSlot  uint64

	// LP only
	MatcherProgram solana.PublicKey
	MatcherContext solana.PublicKey
	MatcherNonce   uint64
	Limits         LPLimits
}

func (a *Account) IsLP() bool {
	return a.Kind == AccountLP
}

func (a *Account) IsFlat() bool {
	return a.Position == 0
}

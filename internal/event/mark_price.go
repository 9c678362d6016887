package event

import (
	"github.com/gagliardetto/solana-go"
)

// SetOracleAuthority names the key allowed to push prices. A zero key
// disables pushing and clears any pushed price.
type SetOracleAuthority struct {
	Authority solana.PublicKey
}

// PushOraclePrice records a raw (uninverted) price from the oracle authority.
type PushOraclePrice struct {
	PriceE6     uint64
	PublishSlot uint64
}

// SetPriceCap sets the per-slot mark/index movement cap in e2bps.
type SetPriceCap struct {
	CapE2Bps uint64
}

func (*SetOracleAuthority) Tag() Tag { return TagSetOracleAuthority }
func (*PushOraclePrice) Tag() Tag    { return TagPushOraclePrice }
func (*SetPriceCap) Tag() Tag        { return TagSetPriceCap }

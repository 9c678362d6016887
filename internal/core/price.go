package core

import (
	"fmt"

	"Percolator/internal/identity"
	"Percolator/internal/oracle"
	"Percolator/internal/riskerr"
	"Percolator/internal/state"
)

func oracleParams(s *state.Slab) oracle.Params {
	return oracle.Params{
		MaxStalenessSlots: s.Config.MaxStalenessSlots,
		ConfFilterBps:     s.Config.ConfFilterBps,
		Invert:            s.Config.Invert,
	}
}

// resolvePrice returns the market price every margin and trade computation
// uses. Sources in order: the internal index of a market without a feed,
// an authority-pushed price, then the configured feed account.
func resolvePrice(s *state.Slab, feed identity.AccountInfo, nowSlot uint64) (uint64, error) {
	if s.Config.IsHyperp() {
		if s.Oracle.IndexE6 == 0 {
			return 0, fmt.Errorf("%w: index price not set", riskerr.ErrOracleInvalid)
		}
		return s.Oracle.IndexE6, nil
	}

	p := oracleParams(s)
	if !s.Oracle.Authority.IsZero() && s.Oracle.PushedPriceE6 != 0 {
		return oracle.ValidatePushed(s.Oracle.PushedPriceE6, s.Oracle.PushedSlot, nowSlot, p)
	}

	if err := identity.ExpectKey(feed, s.Config.IndexFeed); err != nil {
		return 0, err
	}
	return oracle.ReadPrice(feed.Data, nowSlot, p)
}

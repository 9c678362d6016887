// Package oracle turns external price feeds into sanitized price_e6 values
// and maintains the internal mark/index pair used without an external feed.
package oracle

import (
	"encoding/binary"
	"fmt"

	fpmath "Percolator/internal/math"
	"Percolator/internal/riskerr"
)

// Pyth price account layout
const (
	pythExpoOffset    = 20
	pythPriceOffset   = 176
	pythConfOffset    = 184
	pythPubSlotOffset = 200
	PythMinLen        = 208

	maxExpoMagnitude = 18
)

// PriceFeed is a raw price reading before validation.
type PriceFeed struct {
	Price       int64
	Conf        uint64
	Expo        int32
	PublishSlot uint64
}

// Params configures feed validation.
type Params struct {
	MaxStalenessSlots uint64
	ConfFilterBps     uint64
	Invert            bool
}

// ParsePyth decodes the fields the engine reads from a Pyth price account.
func ParsePyth(data []byte) (PriceFeed, error) {
	if len(data) < PythMinLen {
		return PriceFeed{}, fmt.Errorf("%w: price account is %d bytes, need %d", riskerr.ErrOracleInvalid, len(data), PythMinLen)
	}
	return PriceFeed{
		Expo:        int32(binary.LittleEndian.Uint32(data[pythExpoOffset:])),
		Price:       int64(binary.LittleEndian.Uint64(data[pythPriceOffset:])),
		Conf:        binary.LittleEndian.Uint64(data[pythConfOffset:]),
		PublishSlot: binary.LittleEndian.Uint64(data[pythPubSlotOffset:]),
	}, nil
}

// EncodePyth writes feed into a Pyth-shaped buffer. Used by tooling and tests.
func EncodePyth(feed PriceFeed) []byte {
	data := make([]byte, PythMinLen)
	binary.LittleEndian.PutUint32(data[pythExpoOffset:], uint32(feed.Expo))
	binary.LittleEndian.PutUint64(data[pythPriceOffset:], uint64(feed.Price))
	binary.LittleEndian.PutUint64(data[pythConfOffset:], feed.Conf)
	binary.LittleEndian.PutUint64(data[pythPubSlotOffset:], feed.PublishSlot)
	return data
}

// Validate applies the staleness, confidence and range rules and returns the
// price in e6 units (not yet inverted).
func Validate(feed PriceFeed, nowSlot uint64, p Params) (uint64, error) {
	if feed.Price <= 0 {
		return 0, fmt.Errorf("%w: non-positive price %d", riskerr.ErrOracleInvalid, feed.Price)
	}
	if feed.Expo < -maxExpoMagnitude || feed.Expo > maxExpoMagnitude {
		return 0, fmt.Errorf("%w: exponent %d out of range", riskerr.ErrOracleInvalid, feed.Expo)
	}

	age := fpmath.SatSubU(nowSlot, feed.PublishSlot)
	if age > p.MaxStalenessSlots {
		return 0, fmt.Errorf("%w: age %d > %d", riskerr.ErrOracleStale, age, p.MaxStalenessSlots)
	}

	price := uint64(feed.Price)
	// conf/price > bps/1e4, compared without division
	if fpmath.CompareProductsU(feed.Conf, fpmath.BpsScale, price, p.ConfFilterBps) > 0 {
		return 0, fmt.Errorf("%w: conf %d for price %d exceeds %d bps", riskerr.ErrOracleLowConfidence, feed.Conf, price, p.ConfFilterBps)
	}

	return ToE6(price, feed.Expo)
}

// ToE6 rescales price * 10^expo into price_e6 units.
func ToE6(price uint64, expo int32) (uint64, error) {
	shift := int(-6 - expo)
	var out uint64
	switch {
	case shift == 0:
		out = price
	case shift > 0:
		scale, ok := fpmath.Pow10(shift)
		if !ok {
			return 0, fmt.Errorf("%w: exponent %d out of range", riskerr.ErrOracleInvalid, expo)
		}
		out = price / scale
	default:
		scale, ok := fpmath.Pow10(-shift)
		if !ok {
			return 0, fmt.Errorf("%w: exponent %d out of range", riskerr.ErrOracleInvalid, expo)
		}
		out = fpmath.SatMulU(price, scale)
		if out == ^uint64(0) {
			return 0, fmt.Errorf("%w: price overflow", riskerr.ErrOracleInvalid)
		}
	}
	if out == 0 {
		return 0, fmt.Errorf("%w: price rounds to zero", riskerr.ErrOracleInvalid)
	}
	return out, nil
}

// Invert returns the reciprocal price in e6 units: 1e12 / p.
func Invert(priceE6 uint64) (uint64, error) {
	if priceE6 == 0 {
		return 0, fmt.Errorf("%w: cannot invert zero price", riskerr.ErrOracleInvalid)
	}
	inv := uint64(fpmath.PriceScale*fpmath.PriceScale) / priceE6
	if inv == 0 {
		return 0, fmt.Errorf("%w: inverted price rounds to zero", riskerr.ErrOracleInvalid)
	}
	return inv, nil
}

// ReadPrice parses, validates and optionally inverts a Pyth account.
func ReadPrice(data []byte, nowSlot uint64, p Params) (uint64, error) {
	feed, err := ParsePyth(data)
	if err != nil {
		return 0, err
	}
	return ApplyFeed(feed, nowSlot, p)
}

// ApplyFeed validates a decoded feed and applies market inversion.
func ApplyFeed(feed PriceFeed, nowSlot uint64, p Params) (uint64, error) {
	price, err := Validate(feed, nowSlot, p)
	if err != nil {
		return 0, err
	}
	if p.Invert {
		return Invert(price)
	}
	return price, nil
}

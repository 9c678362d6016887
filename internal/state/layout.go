package state

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"Percolator/internal/riskerr"
)

// slabBody is every fixed-size field of the slab in layout order.
type slabBody struct {
	Header        Header
	Config        MarketConfig
	Params        RiskParams
	Insurance     InsuranceFund
	Funding       FundingState
	Oracle        OracleState
	Vault         Vault
	RiskThreshold uint64
	LastCrankSlot uint64
	NextAccountID uint64
	Agg           Aggregates
	PendingEpoch  uint8
	Capacity      uint16
}

var (
	bodySize    = binary.Size(slabBody{})
	accountSize = binary.Size(Account{})
)

// EncodedLen returns the byte length of a slab with the given capacity.
func EncodedLen(capacity uint16) int {
	return bodySize + int(capacity)*accountSize
}

// Encode serializes the slab into its little-endian byte layout. The bytes
// are deterministic for a given state and are what gets hashed and stored.
func Encode(s *Slab) []byte {
	body := slabBody{
		Header:        s.Header,
		Config:        s.Config,
		Params:        s.Params,
		Insurance:     s.Insurance,
		Funding:       s.Funding,
		Oracle:        s.Oracle,
		Vault:         s.Vault,
		RiskThreshold: s.RiskThreshold,
		LastCrankSlot: s.LastCrankSlot,
		NextAccountID: s.NextAccountID,
		Agg:           s.Ledger.Agg,
		PendingEpoch:  s.Ledger.PendingEpoch,
		Capacity:      uint16(len(s.Ledger.Accounts)),
	}
	buf := bytes.NewBuffer(make([]byte, 0, EncodedLen(body.Capacity)))
	// writes to a bytes.Buffer of fixed-size values cannot fail
	_ = binary.Write(buf, binary.LittleEndian, &body)
	_ = binary.Write(buf, binary.LittleEndian, s.Ledger.Accounts)
	return buf.Bytes()
}

// Decode parses a slab. Data with a foreign magic or version, or too short
// for its declared capacity, is inert.
func Decode(data []byte) (*Slab, error) {
	if len(data) < bodySize {
		return nil, fmt.Errorf("%w: %d bytes", riskerr.ErrSlabInert, len(data))
	}
	var body slabBody
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", riskerr.ErrSlabInert, err)
	}
	if body.Header.Magic != Magic || body.Header.Version != Version {
		return nil, fmt.Errorf("%w: magic %#x version %d", riskerr.ErrSlabInert, body.Header.Magic, body.Header.Version)
	}
	if len(data) != EncodedLen(body.Capacity) {
		return nil, fmt.Errorf("%w: length %d for capacity %d", riskerr.ErrSlabInert, len(data), body.Capacity)
	}

	ledger := NewLedger(body.Capacity)
	if err := binary.Read(r, binary.LittleEndian, ledger.Accounts); err != nil {
		return nil, fmt.Errorf("%w: accounts: %v", riskerr.ErrSlabInert, err)
	}
	ledger.Agg = body.Agg
	ledger.PendingEpoch = body.PendingEpoch

	return &Slab{
		Header:        body.Header,
		Config:        body.Config,
		Params:        body.Params,
		Ledger:        ledger,
		Insurance:     body.Insurance,
		Funding:       body.Funding,
		Oracle:        body.Oracle,
		Vault:         body.Vault,
		RiskThreshold: body.RiskThreshold,
		LastCrankSlot: body.LastCrankSlot,
		NextAccountID: body.NextAccountID,
	}, nil
}

// IsZeroed reports whether data holds no slab at all.
func IsZeroed(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

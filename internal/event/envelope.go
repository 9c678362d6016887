// Package event defines the instruction surface of the slab: one struct per
// instruction, its tag, the binary codec and the request envelope that
// carries an instruction with its accounts and clock.
package event

import (
	"Percolator/internal/identity"

	"github.com/google/uuid"
)

// Tag is the instruction discriminator, the first byte of instruction data.
type Tag uint8

const (
	TagInitMarket Tag = iota
	TagInitUser
	TagInitLP
	TagDeposit
	TagWithdraw
	TagKeeperCrank
	TagTradeNoCpi
	TagLiquidateAtOracle
	TagCloseAccount
	TagTopUpInsurance
	TagTradeCpi
	TagSetRiskThreshold
	TagUpdateAdmin
	TagUpdateConfig
	TagSetPriceCap
	TagCloseSlab
	TagSetOracleAuthority
	TagPushOraclePrice

	tagCount
)

var tagNames = [tagCount]string{
	"InitMarket",
	"InitUser",
	"InitLP",
	"Deposit",
	"Withdraw",
	"KeeperCrank",
	"TradeNoCpi",
	"LiquidateAtOracle",
	"CloseAccount",
	"TopUpInsurance",
	"TradeCpi",
	"SetRiskThreshold",
	"UpdateAdmin",
	"UpdateConfig",
	"SetPriceCap",
	"CloseSlab",
	"SetOracleAuthority",
	"PushOraclePrice",
}

func (t Tag) String() string {
	if t < tagCount {
		return tagNames[t]
	}
	return "Unknown"
}

// accountCounts is the exact number of accounts each instruction takes.
var accountCounts = [tagCount]int{
	TagInitMarket:         6,
	TagInitUser:           4,
	TagInitLP:             6,
	TagDeposit:            4,
	TagWithdraw:           6,
	TagKeeperCrank:        3,
	TagTradeNoCpi:         4,
	TagLiquidateAtOracle:  3,
	TagCloseAccount:       6,
	TagTopUpInsurance:     4,
	TagTradeCpi:           7,
	TagSetRiskThreshold:   2,
	TagUpdateAdmin:        2,
	TagUpdateConfig:       2,
	TagSetPriceCap:        2,
	TagCloseSlab:          3,
	TagSetOracleAuthority: 2,
	TagPushOraclePrice:    2,
}

// AccountCount returns how many accounts an instruction with tag expects.
func AccountCount(t Tag) int {
	if t < tagCount {
		return accountCounts[t]
	}
	return 0
}

// Instruction is implemented by every instruction payload.
type Instruction interface {
	Tag() Tag
}

// Request is one externally submitted instruction: the payload, the
// ordered accounts it names and the clock slot it executes at.
// RequestID is the upstream idempotency key.
type Request struct {
	RequestID   uuid.UUID
	Slot        uint64
	Instruction Instruction
	Accounts    []identity.AccountInfo
}

func (r *Request) Tag() Tag {
	return r.Instruction.Tag()
}

func (r *Request) IdempotencyKey() string {
	return r.RequestID.String()
}

const signingDomain = "percolator/request/v1"

// SigningMessage is what every signer of r signs: the request id, the
// encoded instruction and each account key with its writable flag. The slot
// is assigned on arrival and is not covered.
func (r *Request) SigningMessage() []byte {
	ix := Encode(r.Instruction)
	w := &writer{buf: make([]byte, 0, len(signingDomain)+16+4+len(ix)+2+33*len(r.Accounts))}
	w.buf = append(w.buf, signingDomain...)
	w.buf = append(w.buf, r.RequestID[:]...)
	w.u32(uint32(len(ix)))
	w.buf = append(w.buf, ix...)
	w.u16(uint16(len(r.Accounts)))
	for _, a := range r.Accounts {
		w.key(a.Key)
		w.bool(a.IsWritable)
	}
	return w.buf
}

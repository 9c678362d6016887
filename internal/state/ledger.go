package state

import (
	"fmt"

	fpmath "Percolator/internal/math"
	"Percolator/internal/riskerr"

	"github.com/gagliardetto/solana-go"
)

// Aggregates are the market-wide sums maintained alongside the rows.
type Aggregates struct {
	TotalCapital      uint64
	TotalOpenInterest uint64 // sum of |position|
	NetLPPos          int64
	LPSumAbs          uint64
	LPMaxAbs          uint64
}

// Ledger is a fixed-capacity arena of accounts addressed by index.
type Ledger struct {
	Accounts     []Account
	Agg          Aggregates
	PendingEpoch uint8
}

func NewLedger(capacity uint16) *Ledger {
	return &Ledger{Accounts: make([]Account, capacity)}
}

func (l *Ledger) Capacity() int {
	return len(l.Accounts)
}

// Get returns the account at idx for reading. The pointer must not be used
// to change Position or Capital; use SetPosition and the capital helpers.
func (l *Ledger) Get(idx uint16) (*Account, error) {
	if int(idx) >= len(l.Accounts) {
		return nil, fmt.Errorf("%w: index %d >= capacity %d", riskerr.ErrInvalidIndex, idx, len(l.Accounts))
	}
	acc := &l.Accounts[idx]
	if !acc.Used {
		return nil, fmt.Errorf("%w: index %d", riskerr.ErrUnusedAccount, idx)
	}
	return acc, nil
}

// Alloc claims the lowest free slot.
func (l *Ledger) Alloc(kind AccountKind, owner solana.PublicKey, id uint64) (uint16, error) {
	for i := range l.Accounts {
		if !l.Accounts[i].Used {
			l.Accounts[i] = Account{Used: true, Kind: kind, ID: id, Owner: owner}
			return uint16(i), nil
		}
	}
	return 0, riskerr.ErrLedgerFull
}

// Free releases a flat, empty account.
func (l *Ledger) Free(idx uint16) error {
	acc, err := l.Get(idx)
	if err != nil {
		return err
	}
	if acc.Position != 0 {
		return riskerr.ErrPositionOpen
	}
	if acc.Capital != 0 || acc.PnL != 0 {
		return fmt.Errorf("%w: capital %d pnl %d", riskerr.ErrResidualBalanceOnClose, acc.Capital, acc.PnL)
	}
	l.Accounts[idx] = Account{}
	return nil
}

// SetPosition is the single writer of Account.Position and keeps the
// open-interest and LP aggregates in step with it.
func (l *Ledger) SetPosition(idx uint16, newPos int64) error {
	acc, err := l.Get(idx)
	if err != nil {
		return err
	}
	oldPos := acc.Position
	if oldPos == newPos {
		return nil
	}
	oldAbs, newAbs := fpmath.UnsignedAbs(oldPos), fpmath.UnsignedAbs(newPos)

	l.Agg.TotalOpenInterest = fpmath.SatAddU(fpmath.SatSubU(l.Agg.TotalOpenInterest, oldAbs), newAbs)
	acc.Position = newPos

	if !acc.IsLP() {
		return nil
	}
	l.Agg.NetLPPos = fpmath.SatAdd(fpmath.SatSub(l.Agg.NetLPPos, oldPos), newPos)
	l.Agg.LPSumAbs = fpmath.SatAddU(fpmath.SatSubU(l.Agg.LPSumAbs, oldAbs), newAbs)
	switch {
	case newAbs >= l.Agg.LPMaxAbs:
		l.Agg.LPMaxAbs = newAbs
	case oldAbs == l.Agg.LPMaxAbs:
		l.Agg.LPMaxAbs = l.lpMaxAbs()
	}
	return nil
}

func (l *Ledger) lpMaxAbs() uint64 {
	var m uint64
	for i := range l.Accounts {
		a := &l.Accounts[i]
		if a.Used && a.IsLP() {
			m = fpmath.MaxU(m, fpmath.UnsignedAbs(a.Position))
		}
	}
	return m
}

// AddCapital credits capital and the capital aggregate.
func (l *Ledger) AddCapital(idx uint16, amount uint64) error {
	acc, err := l.Get(idx)
	if err != nil {
		return err
	}
	acc.Capital = fpmath.SatAddU(acc.Capital, amount)
	l.Agg.TotalCapital = fpmath.SatAddU(l.Agg.TotalCapital, amount)
	return nil
}

// SubCapital debits capital, failing if the account holds less than amount.
func (l *Ledger) SubCapital(idx uint16, amount uint64) error {
	acc, err := l.Get(idx)
	if err != nil {
		return err
	}
	if amount > acc.Capital {
		return fmt.Errorf("%w: capital %d < %d", riskerr.ErrInsufficientBalance, acc.Capital, amount)
	}
	acc.Capital -= amount
	l.Agg.TotalCapital = fpmath.SatSubU(l.Agg.TotalCapital, amount)
	return nil
}

// TakeCapital debits up to amount and returns what was actually taken.
func (l *Ledger) TakeCapital(idx uint16, amount uint64) uint64 {
	acc := &l.Accounts[idx]
	taken := fpmath.MinU(acc.Capital, amount)
	acc.Capital -= taken
	l.Agg.TotalCapital = fpmath.SatSubU(l.Agg.TotalCapital, taken)
	return taken
}

// RecomputeAggregates rebuilds the aggregates from the rows.
func (l *Ledger) RecomputeAggregates() Aggregates {
	var agg Aggregates
	for i := range l.Accounts {
		a := &l.Accounts[i]
		if !a.Used {
			continue
		}
		abs := fpmath.UnsignedAbs(a.Position)
		agg.TotalCapital = fpmath.SatAddU(agg.TotalCapital, a.Capital)
		agg.TotalOpenInterest = fpmath.SatAddU(agg.TotalOpenInterest, abs)
		if a.IsLP() {
			agg.NetLPPos = fpmath.SatAdd(agg.NetLPPos, a.Position)
			agg.LPSumAbs = fpmath.SatAddU(agg.LPSumAbs, abs)
			agg.LPMaxAbs = fpmath.MaxU(agg.LPMaxAbs, abs)
		}
	}
	return agg
}

// ForEachUsed visits used accounts in index order.
func (l *Ledger) ForEachUsed(fn func(idx uint16, acc *Account)) {
	for i := range l.Accounts {
		if l.Accounts[i].Used {
			fn(uint16(i), &l.Accounts[i])
		}
	}
}

// UsedCount returns the number of allocated accounts.
func (l *Ledger) UsedCount() int {
	n := 0
	for i := range l.Accounts {
		if l.Accounts[i].Used {
			n++
		}
	}
	return n
}

func (l *Ledger) Clone() *Ledger {
	c := &Ledger{
		Accounts:     make([]Account, len(l.Accounts)),
		Agg:          l.Agg,
		PendingEpoch: l.PendingEpoch,
	}
	copy(c.Accounts, l.Accounts)
	return c
}

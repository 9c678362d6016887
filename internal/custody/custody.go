// Package custody is an in-memory token program: mint-typed token accounts
// with an owning authority, and atomic transfers between them.
package custody

import (
	"fmt"
	"sync"

	"Percolator/internal/riskerr"

	"github.com/gagliardetto/solana-go"
)

// TokenAccount holds an amount of one mint controlled by Owner.
type TokenAccount struct {
	Key    solana.PublicKey
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
}

// Bank stores token accounts by key.
type Bank struct {
	mu       sync.Mutex
	accounts map[solana.PublicKey]*TokenAccount
}

func NewBank() *Bank {
	return &Bank{accounts: make(map[solana.PublicKey]*TokenAccount)}
}

// Open creates an empty token account.
func (b *Bank) Open(key, mint, owner solana.PublicKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.accounts[key]; ok {
		return fmt.Errorf("%w: token account %s exists", riskerr.ErrAccountShape, key)
	}
	b.accounts[key] = &TokenAccount{Key: key, Mint: mint, Owner: owner}
	return nil
}

// MintTo credits amount to key out of thin air. Used by tooling and tests.
func (b *Bank) MintTo(key solana.PublicKey, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[key]
	if !ok {
		return fmt.Errorf("%w: token account %s not found", riskerr.ErrAccountShape, key)
	}
	if acc.Amount+amount < acc.Amount {
		return fmt.Errorf("%w: mint overflow", riskerr.ErrInvalidConfig)
	}
	acc.Amount += amount
	return nil
}

// Get returns a copy of the token account.
func (b *Bank) Get(key solana.PublicKey) (TokenAccount, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accounts[key]
	if !ok {
		return TokenAccount{}, false
	}
	return *acc, true
}

// Transfer moves amount from one account to another of the same mint.
// authority must own the source. Nothing changes on failure.
func (b *Bank) Transfer(from, to, authority solana.PublicKey, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	src, ok := b.accounts[from]
	if !ok {
		return fmt.Errorf("%w: source %s not found", riskerr.ErrAccountShape, from)
	}
	dst, ok := b.accounts[to]
	if !ok {
		return fmt.Errorf("%w: destination %s not found", riskerr.ErrAccountShape, to)
	}
	if src.Mint != dst.Mint {
		return fmt.Errorf("%w: mint mismatch", riskerr.ErrAccountShape)
	}
	if src.Owner != authority {
		return fmt.Errorf("%w: %s does not own %s", riskerr.ErrOwnerMismatch, authority, from)
	}
	if src.Amount < amount {
		return fmt.Errorf("%w: token balance %d < %d", riskerr.ErrInsufficientBalance, src.Amount, amount)
	}
	if from == to || amount == 0 {
		return nil
	}
	if dst.Amount+amount < dst.Amount {
		return fmt.Errorf("%w: destination overflow", riskerr.ErrInvalidConfig)
	}
	src.Amount -= amount
	dst.Amount += amount
	return nil
}

package custody_test

import (
	"errors"
	"testing"

	"Percolator/internal/custody"
	"Percolator/internal/riskerr"

	"github.com/gagliardetto/solana-go"
)

func newKey() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

func TestTransferMovesBalance(t *testing.T) {
	b := custody.NewBank()
	mint, alice, vaultAuth := newKey(), newKey(), newKey()
	src, dst := newKey(), newKey()
	b.Open(src, mint, alice)
	b.Open(dst, mint, vaultAuth)
	b.MintTo(src, 100)

	if err := b.Transfer(src, dst, alice, 60); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	s, _ := b.Get(src)
	d, _ := b.Get(dst)
	if s.Amount != 40 || d.Amount != 60 {
		t.Errorf("balances %d/%d, want 40/60", s.Amount, d.Amount)
	}
}

func TestTransferFailuresLeaveBalances(t *testing.T) {
	b := custody.NewBank()
	mint, other, alice := newKey(), newKey(), newKey()
	src, dst, foreign := newKey(), newKey(), newKey()
	b.Open(src, mint, alice)
	b.Open(dst, mint, newKey())
	b.Open(foreign, other, alice)
	b.MintTo(src, 10)

	tests := []struct {
		name      string
		from, to  solana.PublicKey
		authority solana.PublicKey
		amount    uint64
		want      error
	}{
		{"wrong authority", src, dst, newKey(), 5, riskerr.ErrUnauthorized},
		{"insufficient", src, dst, alice, 11, riskerr.ErrInsufficientBalance},
		{"mint mismatch", src, foreign, alice, 5, riskerr.ErrAccountShape},
		{"unknown source", newKey(), dst, alice, 5, riskerr.ErrAccountShape},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := b.Transfer(tt.from, tt.to, tt.authority, tt.amount); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
			if s, _ := b.Get(src); s.Amount != 10 {
				t.Errorf("source changed to %d", s.Amount)
			}
		})
	}
}

func TestOpenTwiceRejected(t *testing.T) {
	b := custody.NewBank()
	k := newKey()
	if err := b.Open(k, newKey(), newKey()); err != nil {
		t.Fatal(err)
	}
	if err := b.Open(k, newKey(), newKey()); !errors.Is(err, riskerr.ErrAccountShape) {
		t.Errorf("got %v, want account shape", err)
	}
}

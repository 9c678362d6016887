package event

import (
	"github.com/gagliardetto/solana-go"
)

// InitUser opens a user account. FeePayment is transferred in; the market's
// new-account fee goes to insurance and the rest becomes capital.
type InitUser struct {
	FeePayment uint64
}

// InitLP opens an LP account bound to a matcher program and context.
type InitLP struct {
	MatcherProgram solana.PublicKey
	MatcherContext solana.PublicKey
	FeePayment     uint64
}

func (*InitUser) Tag() Tag { return TagInitUser }
func (*InitLP) Tag() Tag   { return TagInitLP }

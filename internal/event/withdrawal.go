package event

// Withdraw debits Amount engine units of capital and transfers them out of
// the vault, subject to the initial margin of the remaining position.
type Withdraw struct {
	UserIdx uint16
	Amount  uint64
}

// CloseAccount withdraws all remaining capital of a flat account and frees
// its slot.
type CloseAccount struct {
	UserIdx uint16
}

func (*Withdraw) Tag() Tag     { return TagWithdraw }
func (*CloseAccount) Tag() Tag { return TagCloseAccount }

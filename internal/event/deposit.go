package event

// Deposit transfers Amount base units from the owner's token account into
// the vault and credits the account's capital.
type Deposit struct {
	UserIdx uint16
	Amount  uint64
}

// TopUpInsurance transfers Amount base units into the vault and credits the
// insurance fund. Anyone may top up.
type TopUpInsurance struct {
	Amount uint64
}

func (*Deposit) Tag() Tag        { return TagDeposit }
func (*TopUpInsurance) Tag() Tag { return TagTopUpInsurance }

package event

// CrankPermissionless is the caller index of an anonymous cranker.
const CrankPermissionless uint16 = 0xFFFF

// KeeperCrank accrues funding, sweeps fees, converts matured profit and
// liquidates. FundingRateBpsPerSlot applies to the next interval and is
// ignored for markets that derive their rate from the mark/index premium.
type KeeperCrank struct {
	CallerIdx             uint16
	FundingRateBpsPerSlot int64
	AllowPanic            bool
}

func (*KeeperCrank) Tag() Tag { return TagKeeperCrank }

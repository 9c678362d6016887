package event

// LiquidateAtOracle closes an under-maintenance position at the oracle
// price. Permissionless.
type LiquidateAtOracle struct {
	TargetIdx uint16
}

func (*LiquidateAtOracle) Tag() Tag { return TagLiquidateAtOracle }

package event

// TradeNoCpi executes at the oracle price with both owners signing.
// Size is the user's side; the LP takes -Size.
type TradeNoCpi struct {
	LPIdx   uint16
	UserIdx uint16
	Size    int64
}

// TradeCpi executes at terms proposed by the LP's bound matcher.
type TradeCpi struct {
	LPIdx   uint16
	UserIdx uint16
	Size    int64
}

func (*TradeNoCpi) Tag() Tag { return TagTradeNoCpi }
func (*TradeCpi) Tag() Tag   { return TagTradeCpi }

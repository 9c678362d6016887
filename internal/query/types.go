package query

// MarketView is the read-only summary of the live slab.
type MarketView struct {
	SlabKey        string `json:"slab_key"`
	Admin          string `json:"admin"`
	AdminBurned    bool   `json:"admin_burned"`
	CollateralMint string `json:"collateral_mint"`
	Vault          string `json:"vault"`
	IndexFeed      string `json:"index_feed,omitempty"`
	Hyperp         bool   `json:"hyperp"`
	Inverted       bool   `json:"inverted"`
	UnitScale      uint32 `json:"unit_scale"`

	Price       string `json:"price,omitempty"` // reference price, decimal
	MarkPrice   string `json:"mark_price,omitempty"`
	IndexPrice  string `json:"index_price,omitempty"`
	FundingRate int64  `json:"funding_rate_bps_per_slot"`

	VaultBalance      uint64 `json:"vault_balance"`
	TotalCapital      uint64 `json:"total_capital"`
	InsuranceBalance  uint64 `json:"insurance_balance"`
	InsuranceFees     uint64 `json:"insurance_fees_paid"`
	BadDebt           uint64 `json:"bad_debt"`
	OpenInterest      uint64 `json:"open_interest"`
	NetLPPosition     int64  `json:"net_lp_position"`
	UsedAccounts      int    `json:"used_accounts"`
	MaxAccounts       uint16 `json:"max_accounts"`
	RiskThreshold     uint64 `json:"risk_threshold"`
	RiskReductionOnly bool   `json:"risk_reduction_only"`
	LastCrankSlot     uint64 `json:"last_crank_slot"`

	AsOfSequence int64  `json:"as_of_sequence"`
	StateHash    string `json:"state_hash"`
}

// AccountView is one ledger row with margin figures derived at the
// reference price. Derived fields are empty when no price is known.
type AccountView struct {
	Index      uint16 `json:"index"`
	ID         uint64 `json:"id"`
	Kind       string `json:"kind"`
	Owner      string `json:"owner"`
	Capital    uint64 `json:"capital"`
	Position   int64  `json:"position"`
	EntryPrice string `json:"entry_price"`
	PnL        int64  `json:"pnl"`

	Equity            *int64  `json:"equity,omitempty"`
	InitialMargin     *uint64 `json:"initial_margin,omitempty"`
	MaintenanceMargin *uint64 `json:"maintenance_margin,omitempty"`
	Health            string  `json:"health,omitempty"`

	MatcherProgram string `json:"matcher_program,omitempty"`
	MatcherContext string `json:"matcher_context,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// ReceiptView is a persisted receipt.
type ReceiptView struct {
	Sequence  int64  `json:"sequence"`
	RequestID string `json:"request_id"`
	Tag       string `json:"tag"`
	Slot      int64  `json:"slot"`
	StateHash string `json:"state_hash"`
	Outcome   []byte `json:"outcome"`
}

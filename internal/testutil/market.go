package testutil

import (
	"Percolator/internal/core"
	"Percolator/internal/custody"
	"Percolator/internal/event"
	"Percolator/internal/identity"
	"Percolator/internal/matcher"
	"Percolator/internal/oracle"
	"Percolator/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// OnePrice is 1.0 in price_e6.
const OnePrice = 1_000_000

// WalletFunds is what every trader's token account is minted with.
const WalletFunds = 1_000_000_000_000

// TB is the part of testing.TB the harness needs. *rapid.T satisfies it.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// Market drives one slab through its Controller the way an external
// client would: every call builds a Request with the account list the
// instruction expects and submits it at the current slot.
type Market struct {
	t TB

	Ctrl     *core.Controller
	Bank     *custody.Bank
	Matchers *matcher.Registry

	ProgramID   solana.PublicKey
	SlabKey     solana.PublicKey
	Admin       solana.PublicKey
	AdminSecret solana.PrivateKey
	Mint        solana.PublicKey
	Vault       solana.PublicKey
	VaultAuth   solana.PublicKey
	Feed        solana.PublicKey
	Funder      *Trader

	Slot      uint64
	FeedPrice oracle.PriceFeed
}

// Trader is a wallet with a token account and, once opened, a slab account.
// LP traders also carry their matcher binding.
type Trader struct {
	Key    solana.PublicKey
	Secret solana.PrivateKey
	Token  solana.PublicKey
	Idx    uint16

	MatcherProgram solana.PublicKey
	MatcherContext solana.PublicKey
	ContextData    []byte
}

type marketSetup struct {
	params      state.RiskParams
	hyperp      bool
	invert      bool
	unitScale   uint32
	initialMark uint64
	opts        core.Options
}

// MarketOption adjusts the market before InitMarket runs.
type MarketOption func(*marketSetup)

func WithParams(fn func(*state.RiskParams)) MarketOption {
	return func(s *marketSetup) { fn(&s.params) }
}

// WithHyperp creates the market without an external feed, starting the
// internal mark and index at markE6.
func WithHyperp(markE6 uint64) MarketOption {
	return func(s *marketSetup) {
		s.hyperp = true
		s.initialMark = markE6
	}
}

func WithInvert() MarketOption {
	return func(s *marketSetup) { s.invert = true }
}

func WithUnitScale(scale uint32) MarketOption {
	return func(s *marketSetup) { s.unitScale = scale }
}

// WithControllerOptions passes channels, metrics or a DB checker through to
// the Controller.
func WithControllerOptions(fn func(*core.Options)) MarketOption {
	return func(s *marketSetup) { fn(&s.opts) }
}

// TestRiskParams is the parameter set markets start from: no trading,
// account or liquidation fees and no warmup.
func TestRiskParams() state.RiskParams {
	p := state.DefaultRiskParams()
	p.TradingFeeBps = 0
	p.LiquidationFeeBps = 0
	p.WarmupPeriodSlots = 0
	p.NewAccountFee = 0
	p.MaxAccounts = 64
	return p
}

// NewMarket creates a bank, a vault owned by the derived vault authority
// and an initialized slab with a feed at 1.0.
func NewMarket(t TB, opts ...MarketOption) *Market {
	t.Helper()

	setup := marketSetup{params: TestRiskParams()}
	for _, opt := range opts {
		opt(&setup)
	}

	admin := solana.NewWallet()
	m := &Market{
		t:           t,
		Bank:        custody.NewBank(),
		Matchers:    matcher.NewRegistry(),
		ProgramID:   solana.NewWallet().PublicKey(),
		SlabKey:     solana.NewWallet().PublicKey(),
		Admin:       admin.PublicKey(),
		AdminSecret: admin.PrivateKey,
		Mint:        solana.NewWallet().PublicKey(),
		Vault:       solana.NewWallet().PublicKey(),
		FeedPrice:   oracle.PriceFeed{Price: OnePrice, Expo: -6},
	}
	if !setup.hyperp {
		m.Feed = solana.NewWallet().PublicKey()
	}

	auth, _, err := identity.DeriveVaultAuthority(m.ProgramID, m.SlabKey)
	if err != nil {
		t.Fatalf("DeriveVaultAuthority: %v", err)
	}
	m.VaultAuth = auth
	if err := m.Bank.Open(m.Vault, m.Mint, auth); err != nil {
		t.Fatalf("open vault: %v", err)
	}

	copts := setup.opts
	copts.ProgramID = m.ProgramID
	copts.SlabKey = m.SlabKey
	copts.Bank = m.Bank
	copts.Matchers = m.Matchers
	if copts.DedupCapacity == 0 {
		copts.DedupCapacity = 4096
	}
	m.Ctrl = core.NewController(copts)

	ix := &event.InitMarket{
		Admin:              m.Admin,
		CollateralMint:     m.Mint,
		IndexFeed:          m.Feed,
		MaxStalenessSlots:  100,
		Invert:             setup.invert,
		UnitScale:          setup.unitScale,
		InitialMarkPriceE6: setup.initialMark,
		Params:             setup.params,
	}
	if _, err := m.Submit(ix,
		Signer(m.Admin),
		m.SlabAccount(),
		Readonly(m.Mint),
		Writable(m.Vault),
		Readonly(m.VaultAuth),
		m.FeedAccount(),
	); err != nil {
		t.Fatalf("InitMarket: %v", err)
	}

	m.Funder = m.NewWallet()
	return m
}

// ============================================================================
// Account infos
// ============================================================================

func Signer(key solana.PublicKey) identity.AccountInfo {
	return identity.AccountInfo{Key: key, IsSigner: true}
}

func Writable(key solana.PublicKey) identity.AccountInfo {
	return identity.AccountInfo{Key: key, IsWritable: true}
}

func Readonly(key solana.PublicKey) identity.AccountInfo {
	return identity.AccountInfo{Key: key}
}

// SlabAccount is the writable slab entry every instruction carries.
func (m *Market) SlabAccount() identity.AccountInfo {
	return Writable(m.SlabKey)
}

// FeedAccount returns the feed account holding FeedPrice published at the
// current slot.
func (m *Market) FeedAccount() identity.AccountInfo {
	feed := m.FeedPrice
	feed.PublishSlot = m.Slot
	return identity.AccountInfo{Key: m.Feed, Data: oracle.EncodePyth(feed)}
}

// LPAuthority returns the system-owned empty account at the LP's derived
// signing address.
func (m *Market) LPAuthority(lpIdx uint16) identity.AccountInfo {
	m.t.Helper()
	pda, _, err := identity.DeriveLPAuthority(m.ProgramID, m.SlabKey, lpIdx)
	if err != nil {
		m.t.Fatalf("DeriveLPAuthority: %v", err)
	}
	return identity.AccountInfo{Key: pda, Owner: solana.SystemProgramID}
}

// MatcherAccounts returns the program and context infos of an LP's binding.
func (lp *Trader) MatcherAccounts() (program, context identity.AccountInfo) {
	program = identity.AccountInfo{Key: lp.MatcherProgram, Executable: true}
	context = identity.AccountInfo{Key: lp.MatcherContext, Owner: lp.MatcherProgram, IsWritable: true, Data: lp.ContextData}
	return program, context
}

// ============================================================================
// Clock and oracle
// ============================================================================

// Advance moves the clock forward by n slots.
func (m *Market) Advance(n uint64) {
	m.Slot += n
}

// CurrentSlot reads the clock. It serves as a server slot clock in tests.
func (m *Market) CurrentSlot() uint64 {
	return m.Slot
}

// SetPrice sets the feed price in price_e6.
func (m *Market) SetPrice(priceE6 uint64) {
	m.FeedPrice = oracle.PriceFeed{Price: int64(priceE6), Expo: -6}
}

// ============================================================================
// Submission
// ============================================================================

// Submit processes ix with the given accounts at the current slot.
func (m *Market) Submit(ix event.Instruction, accounts ...identity.AccountInfo) (*core.Receipt, error) {
	return m.Ctrl.Process(m.Request(ix, accounts...))
}

// Request builds a request with a fresh id without submitting it.
func (m *Market) Request(ix event.Instruction, accounts ...identity.AccountInfo) *event.Request {
	return &event.Request{
		RequestID:   uuid.New(),
		Slot:        m.Slot,
		Instruction: ix,
		Accounts:    accounts,
	}
}

// ============================================================================
// Traders
// ============================================================================

// NewWallet creates a key with a funded token account and no slab account.
func (m *Market) NewWallet() *Trader {
	m.t.Helper()
	w := solana.NewWallet()
	tr := &Trader{
		Key:    w.PublicKey(),
		Secret: w.PrivateKey,
		Token:  solana.NewWallet().PublicKey(),
	}
	if err := m.Bank.Open(tr.Token, m.Mint, tr.Key); err != nil {
		m.t.Fatalf("open token account: %v", err)
	}
	if err := m.Bank.MintTo(tr.Token, WalletFunds); err != nil {
		m.t.Fatalf("mint: %v", err)
	}
	return tr
}

// NewUser opens a user account and deposits amount base units.
func (m *Market) NewUser(amount uint64) *Trader {
	m.t.Helper()
	tr := m.NewWallet()
	r, err := m.Submit(&event.InitUser{},
		Signer(tr.Key), m.SlabAccount(), Writable(tr.Token), Writable(m.Vault))
	if err != nil {
		m.t.Fatalf("InitUser: %v", err)
	}
	tr.Idx = r.Outcome.AccountIdx
	if amount > 0 {
		if _, err := m.Deposit(tr, amount); err != nil {
			m.t.Fatalf("Deposit: %v", err)
		}
	}
	return tr
}

// NewLP opens an LP bound to a fill-everything matcher at the oracle price.
func (m *Market) NewLP(amount uint64) *Trader {
	m.t.Helper()
	return m.NewLPWithMatcher(matcher.NoOpMatcher{}, nil, amount)
}

// NewLPWithMatcher registers mt under a new program, binds a context holding
// ctxData and opens an LP account funded with amount base units.
func (m *Market) NewLPWithMatcher(mt matcher.Matcher, ctxData []byte, amount uint64) *Trader {
	m.t.Helper()
	tr := m.NewWallet()
	tr.MatcherProgram = solana.NewWallet().PublicKey()
	tr.MatcherContext = solana.NewWallet().PublicKey()
	tr.ContextData = make([]byte, identity.MatcherContextLen)
	copy(tr.ContextData, ctxData)
	m.Matchers.Register(tr.MatcherProgram, mt)
	m.Matchers.BindContext(tr.MatcherContext, tr.MatcherProgram, tr.ContextData)

	program, context := tr.MatcherAccounts()
	r, err := m.Submit(&event.InitLP{
		MatcherProgram: tr.MatcherProgram,
		MatcherContext: tr.MatcherContext,
	}, Signer(tr.Key), m.SlabAccount(), Writable(tr.Token), Writable(m.Vault), program, context)
	if err != nil {
		m.t.Fatalf("InitLP: %v", err)
	}
	tr.Idx = r.Outcome.AccountIdx
	if amount > 0 {
		if _, err := m.Deposit(tr, amount); err != nil {
			m.t.Fatalf("Deposit: %v", err)
		}
	}
	return tr
}

func (m *Market) Deposit(tr *Trader, amount uint64) (*core.Receipt, error) {
	return m.Submit(&event.Deposit{UserIdx: tr.Idx, Amount: amount},
		Signer(tr.Key), m.SlabAccount(), Writable(tr.Token), Writable(m.Vault))
}

func (m *Market) Withdraw(tr *Trader, units uint64) (*core.Receipt, error) {
	return m.Submit(&event.Withdraw{UserIdx: tr.Idx, Amount: units},
		Signer(tr.Key), m.SlabAccount(), Writable(m.Vault), Writable(tr.Token), Readonly(m.VaultAuth), m.FeedAccount())
}

func (m *Market) CloseAccount(tr *Trader) (*core.Receipt, error) {
	return m.Submit(&event.CloseAccount{UserIdx: tr.Idx},
		Signer(tr.Key), m.SlabAccount(), Writable(m.Vault), Writable(tr.Token), Readonly(m.VaultAuth), m.FeedAccount())
}

// TopUp adds amount base units to the insurance fund from the funder wallet.
func (m *Market) TopUp(amount uint64) (*core.Receipt, error) {
	return m.Submit(&event.TopUpInsurance{Amount: amount},
		Signer(m.Funder.Key), m.SlabAccount(), Writable(m.Funder.Token), Writable(m.Vault))
}

// Trade executes a direct trade at the oracle price with both owners signing.
func (m *Market) Trade(user, lp *Trader, size int64) (*core.Receipt, error) {
	return m.Submit(&event.TradeNoCpi{LPIdx: lp.Idx, UserIdx: user.Idx, Size: size},
		Signer(user.Key), Signer(lp.Key), m.SlabAccount(), m.FeedAccount())
}

// TradeCpi routes the trade through the LP's bound matcher.
func (m *Market) TradeCpi(user, lp *Trader, size int64) (*core.Receipt, error) {
	program, context := lp.MatcherAccounts()
	return m.Submit(&event.TradeCpi{LPIdx: lp.Idx, UserIdx: user.Idx, Size: size},
		Signer(user.Key), Readonly(lp.Key), m.SlabAccount(), m.FeedAccount(),
		program, context, m.LPAuthority(lp.Idx))
}

// Crank runs a permissionless crank at the given funding rate.
func (m *Market) Crank(rateBpsPerSlot int64) (*core.Receipt, error) {
	return m.Submit(&event.KeeperCrank{CallerIdx: event.CrankPermissionless, FundingRateBpsPerSlot: rateBpsPerSlot},
		Signer(m.Funder.Key), m.SlabAccount(), m.FeedAccount())
}

// PanicCrank runs the admin crank that may close every position.
func (m *Market) PanicCrank() (*core.Receipt, error) {
	return m.Submit(&event.KeeperCrank{CallerIdx: event.CrankPermissionless, AllowPanic: true},
		Signer(m.Admin), m.SlabAccount(), m.FeedAccount())
}

func (m *Market) Liquidate(target *Trader) (*core.Receipt, error) {
	return m.Submit(&event.LiquidateAtOracle{TargetIdx: target.Idx},
		Signer(m.Funder.Key), m.SlabAccount(), m.FeedAccount())
}

// AdminDo submits an admin instruction signed by the admin.
func (m *Market) AdminDo(ix event.Instruction) (*core.Receipt, error) {
	return m.Submit(ix, Signer(m.Admin), m.SlabAccount())
}

func (m *Market) CloseSlab() (*core.Receipt, error) {
	return m.Submit(&event.CloseSlab{}, Signer(m.Admin), m.SlabAccount(), Writable(m.Vault))
}

// Account returns a copy of the slab account at idx.
func (m *Market) Account(idx uint16) state.Account {
	m.t.Helper()
	s := m.Ctrl.Slab()
	if s == nil {
		m.t.Fatalf("slab is closed")
	}
	return s.Ledger.Accounts[idx]
}

// VaultTokens returns the token balance held by the vault.
func (m *Market) VaultTokens() uint64 {
	acc, _ := m.Bank.Get(m.Vault)
	return acc.Amount
}

package core_test

import (
	"bytes"
	"errors"
	"testing"

	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/matcher"
	"Percolator/internal/riskerr"
	"Percolator/internal/state"
	"Percolator/internal/testutil"
)

// --- Test helpers ---

// ok fails the test on a rejection and returns the receipt, so a
// submission reads ok(t)(m.Deposit(user, 10)).
func ok(t *testing.T) func(*core.Receipt, error) *core.Receipt {
	t.Helper()
	return func(r *core.Receipt, err error) *core.Receipt {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected rejection: %v", err)
		}
		return r
	}
}

func mustReject(t *testing.T, err, want error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got success", want)
	}
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

// snapshot captures everything a rejected instruction must leave alone.
type snapshot struct {
	slab  []byte
	hash  [32]byte
	seq   int64
	vault uint64
}

func take(m *testutil.Market) snapshot {
	return snapshot{
		slab:  m.Ctrl.SlabBytes(),
		hash:  m.Ctrl.GetStateHash(),
		seq:   m.Ctrl.GetSequence(),
		vault: m.VaultTokens(),
	}
}

func assertUnchanged(t *testing.T, m *testutil.Market, before snapshot) {
	t.Helper()
	after := take(m)
	if !bytes.Equal(before.slab, after.slab) {
		t.Error("slab bytes changed")
	}
	if before.hash != after.hash {
		t.Error("state hash changed")
	}
	if before.seq != after.seq {
		t.Errorf("sequence changed: %d -> %d", before.seq, after.seq)
	}
	if before.vault != after.vault {
		t.Errorf("vault tokens changed: %d -> %d", before.vault, after.vault)
	}
}

func assertConserved(t *testing.T, m *testutil.Market) {
	t.Helper()
	s := m.Ctrl.Slab()
	if err := s.CheckConservation(); err != nil {
		t.Fatal(err)
	}
	if got := m.VaultTokens(); got != s.Vault.Balance {
		t.Fatalf("vault token balance %d != slab vault %d", got, s.Vault.Balance)
	}
}

// quoting returns a matcher that fills the full request at priceE6 and
// applies mutate to the return before encoding it.
func quoting(priceE6 uint64, mutate func(*matcher.Return)) matcher.Matcher {
	return matcher.Func(func(call []byte, _ []byte) ([]byte, error) {
		c, err := matcher.DecodeCall(call)
		if err != nil {
			return nil, err
		}
		ret := matcher.Return{
			ABIVersion:    matcher.ABIVersion,
			Flags:         matcher.FlagValid,
			ExecPriceE6:   priceE6,
			ExecSize:      c.ReqSize,
			ReqID:         c.ReqID,
			LPAccountID:   c.LPAccountID,
			OraclePriceE6: c.OraclePriceE6,
		}
		if mutate != nil {
			mutate(&ret)
		}
		return ret.Encode(), nil
	})
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestInitMarketCreatesEmptySlab(t *testing.T) {
	m := testutil.NewMarket(t)

	s := m.Ctrl.Slab()
	if s == nil || !s.IsInitialized() {
		t.Fatal("slab not initialized")
	}
	if !s.Header.Admin.Equals(m.Admin) {
		t.Errorf("admin = %s, want %s", s.Header.Admin, m.Admin)
	}
	if !s.Config.Vault.Equals(m.Vault) {
		t.Errorf("vault = %s, want %s", s.Config.Vault, m.Vault)
	}
	if s.Ledger.UsedCount() != 0 {
		t.Errorf("used accounts = %d, want 0", s.Ledger.UsedCount())
	}
	if m.Ctrl.GetSequence() != 1 {
		t.Errorf("sequence = %d, want 1", m.Ctrl.GetSequence())
	}
}

func TestInitMarketTwiceRejected(t *testing.T) {
	m := testutil.NewMarket(t)
	before := take(m)

	_, err := m.Submit(&event.InitMarket{
		Admin:          m.Admin,
		CollateralMint: m.Mint,
		IndexFeed:      m.Feed,
		Params:         testutil.TestRiskParams(),
	}, testutil.Signer(m.Admin), m.SlabAccount(), testutil.Readonly(m.Mint),
		testutil.Writable(m.Vault), testutil.Readonly(m.VaultAuth), m.FeedAccount())

	mustReject(t, err, riskerr.ErrAlreadyInitialized)
	assertUnchanged(t, m, before)
}

func TestClosedSlabIsInert(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(1000)
	ok(t)(m.CloseAccount(user))
	ok(t)(m.CloseSlab())

	_, err := m.Deposit(user, 10)
	mustReject(t, err, riskerr.ErrSlabInert)
	if m.Ctrl.SlabBytes() != nil {
		t.Error("closed slab still has bytes")
	}
}

func TestWrongSlabKeyRejected(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(1000)
	before := take(m)

	_, err := m.Submit(&event.Deposit{UserIdx: user.Idx, Amount: 10},
		testutil.Signer(user.Key), testutil.Writable(m.Mint), testutil.Writable(user.Token), testutil.Writable(m.Vault))

	mustReject(t, err, riskerr.ErrAccountShape)
	assertUnchanged(t, m, before)
}

func TestAccountCountMismatchRejected(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(1000)

	_, err := m.Submit(&event.Deposit{UserIdx: user.Idx, Amount: 10},
		testutil.Signer(user.Key), m.SlabAccount(), testutil.Writable(user.Token))

	mustReject(t, err, riskerr.ErrAccountShape)
}

// ============================================================================
// Deposits and withdrawals
// ============================================================================

func TestDepositMovesTokensIntoVault(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(0)

	ok(t)(m.Deposit(user, 1500))

	if got := m.Account(user.Idx).Capital; got != 1500 {
		t.Errorf("capital = %d, want 1500", got)
	}
	if got := m.VaultTokens(); got != 1500 {
		t.Errorf("vault tokens = %d, want 1500", got)
	}
	assertConserved(t, m)
}

func TestDepositByNonOwnerRejected(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(1000)
	other := m.NewWallet()
	before := take(m)

	_, err := m.Submit(&event.Deposit{UserIdx: user.Idx, Amount: 10},
		testutil.Signer(other.Key), m.SlabAccount(), testutil.Writable(other.Token), testutil.Writable(m.Vault))

	mustReject(t, err, riskerr.ErrOwnerMismatch)
	assertUnchanged(t, m, before)
}

func TestWithdrawHonorsInitialMargin(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(1000)
	lp := m.NewLP(100_000)

	// 5000 at 1.0 needs 500 of initial margin
	ok(t)(m.Trade(user, lp, 5000))
	ok(t)(m.Withdraw(user, 500))

	before := take(m)
	_, err := m.Withdraw(user, 1)
	mustReject(t, err, riskerr.ErrInsufficientMargin)
	assertUnchanged(t, m, before)

	if got := m.Account(user.Idx).Capital; got != 500 {
		t.Errorf("capital = %d, want 500", got)
	}
	tok, _ := m.Bank.Get(user.Token)
	if tok.Amount != testutil.WalletFunds-500 {
		t.Errorf("user tokens = %d, want %d", tok.Amount, testutil.WalletFunds-500)
	}
	assertConserved(t, m)
}

func TestWithdrawBeyondCapitalRejected(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(1000)
	before := take(m)

	_, err := m.Withdraw(user, 1001)

	mustReject(t, err, riskerr.ErrInsufficientBalance)
	assertUnchanged(t, m, before)
}

func TestUnitScaleKeepsDustInVault(t *testing.T) {
	m := testutil.NewMarket(t, testutil.WithUnitScale(1000))
	user := m.NewUser(1_500_500)

	if got := m.Account(user.Idx).Capital; got != 1500 {
		t.Errorf("capital = %d units, want 1500", got)
	}
	if got := m.Ctrl.Slab().Vault.Dust; got != 500 {
		t.Errorf("dust = %d, want 500", got)
	}
	assertConserved(t, m)

	r := ok(t)(m.Withdraw(user, 1000))
	if r.Outcome.Amount != 1_000_000 {
		t.Errorf("withdrawn = %d base units, want 1_000_000", r.Outcome.Amount)
	}
	assertConserved(t, m)
}

func TestCloseAccountReturnsCapital(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(2500)

	r := ok(t)(m.CloseAccount(user))

	if r.Outcome.Amount != 2500 {
		t.Errorf("returned = %d, want 2500", r.Outcome.Amount)
	}
	if n := m.Ctrl.Slab().Ledger.UsedCount(); n != 0 {
		t.Errorf("used accounts = %d, want 0", n)
	}
	tok, _ := m.Bank.Get(user.Token)
	if tok.Amount != testutil.WalletFunds {
		t.Errorf("user tokens = %d, want %d", tok.Amount, testutil.WalletFunds)
	}
	assertConserved(t, m)
}

func TestCloseAccountWithPositionRejected(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(1000)
	lp := m.NewLP(100_000)
	ok(t)(m.Trade(user, lp, 100))

	_, err := m.CloseAccount(user)
	mustReject(t, err, riskerr.ErrPositionOpen)
}

func TestNewAccountFeeFundsInsurance(t *testing.T) {
	m := testutil.NewMarket(t, testutil.WithParams(func(p *state.RiskParams) { p.NewAccountFee = 100 }))
	tr := m.NewWallet()

	_, err := m.Submit(&event.InitUser{FeePayment: 99},
		testutil.Signer(tr.Key), m.SlabAccount(), testutil.Writable(tr.Token), testutil.Writable(m.Vault))
	mustReject(t, err, riskerr.ErrInsufficientBalance)

	r := ok(t)(m.Submit(&event.InitUser{FeePayment: 250},
		testutil.Signer(tr.Key), m.SlabAccount(), testutil.Writable(tr.Token), testutil.Writable(m.Vault)))

	s := m.Ctrl.Slab()
	if s.Insurance.Balance != 100 {
		t.Errorf("insurance = %d, want 100", s.Insurance.Balance)
	}
	if got := s.Ledger.Accounts[r.Outcome.AccountIdx].Capital; got != 150 {
		t.Errorf("capital = %d, want 150", got)
	}
	assertConserved(t, m)
}

// ============================================================================
// Trading
// ============================================================================

func TestInitialMarginBoundary(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(1000)
	lp := m.NewLP(1_000_000)

	// 1000 capital at 10% initial margin carries exactly 10_000 at 1.0
	ok(t)(m.Trade(user, lp, 10_000))

	before := take(m)
	_, err := m.Trade(user, lp, 1)
	mustReject(t, err, riskerr.ErrMarginExceeded)
	assertUnchanged(t, m, before)

	acc := m.Account(user.Idx)
	if acc.Position != 10_000 {
		t.Errorf("user position = %d, want 10000", acc.Position)
	}
	if got := m.Account(lp.Idx).Position; got != -10_000 {
		t.Errorf("lp position = %d, want -10000", got)
	}
}

func TestInitialMarginOneOverRejected(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(1000)
	lp := m.NewLP(1_000_000)

	_, err := m.Trade(user, lp, 10_001)
	mustReject(t, err, riskerr.ErrInsufficientMargin)
}

func TestReducingTradeUsesMaintenanceMargin(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(1000)
	lp := m.NewLP(1_000_000)
	ok(t)(m.Trade(user, lp, 10_000))

	// equity 600 is below initial (960) but above maintenance (480)
	m.SetPrice(960_000)
	_, err := m.Trade(user, lp, 1)
	mustReject(t, err, riskerr.ErrInsufficientMargin)

	ok(t)(m.Trade(user, lp, -1000))
	if got := m.Account(user.Idx).Position; got != 9000 {
		t.Errorf("position = %d, want 9000", got)
	}
	assertConserved(t, m)
}

func TestTradeRejectsBadParties(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(1000)
	other := m.NewUser(1000)
	lp := m.NewLP(100_000)

	_, err := m.Trade(user, user, 10)
	mustReject(t, err, riskerr.ErrSelfTrade)

	_, err = m.Trade(user, other, 10)
	mustReject(t, err, riskerr.ErrAccountKind)

	_, err = m.Trade(lp, lp, 10)
	mustReject(t, err, riskerr.ErrSelfTrade)

	_, err = m.Trade(user, lp, 0)
	mustReject(t, err, riskerr.ErrZeroSize)
}

func TestTradeRequiresBothSignatures(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(1000)
	lp := m.NewLP(100_000)

	_, err := m.Submit(&event.TradeNoCpi{LPIdx: lp.Idx, UserIdx: user.Idx, Size: 10},
		testutil.Signer(user.Key), testutil.Readonly(lp.Key), m.SlabAccount(), m.FeedAccount())
	mustReject(t, err, riskerr.ErrMissingSigner)
}

func TestTradingFeeGoesToInsurance(t *testing.T) {
	m := testutil.NewMarket(t, testutil.WithParams(func(p *state.RiskParams) { p.TradingFeeBps = 10 }))
	user := m.NewUser(10_000)
	lp := m.NewLP(100_000)

	ok(t)(m.Trade(user, lp, 10_000))

	s := m.Ctrl.Slab()
	if s.Insurance.Balance != 10 {
		t.Errorf("insurance = %d, want 10", s.Insurance.Balance)
	}
	if got := s.Ledger.Accounts[user.Idx].Capital; got != 9990 {
		t.Errorf("user capital = %d, want 9990", got)
	}
	assertConserved(t, m)
}

func TestStaleOracleRejectsTrade(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(1000)
	lp := m.NewLP(100_000)

	feed := m.FeedAccount()
	m.Advance(101)
	_, err := m.Submit(&event.TradeNoCpi{LPIdx: lp.Idx, UserIdx: user.Idx, Size: 10},
		testutil.Signer(user.Key), testutil.Signer(lp.Key), m.SlabAccount(), feed)
	mustReject(t, err, riskerr.ErrOracleStale)
}

func TestCrankStalenessGatesTrades(t *testing.T) {
	m := testutil.NewMarket(t, testutil.WithParams(func(p *state.RiskParams) { p.MaxCrankStalenessSlots = 10 }))
	user := m.NewUser(1000)
	lp := m.NewLP(100_000)

	m.Advance(11)
	_, err := m.Trade(user, lp, 10)
	mustReject(t, err, riskerr.ErrCrankStale)

	ok(t)(m.Crank(0))
	ok(t)(m.Trade(user, lp, 10))
}

func TestInvertedMarketMatchesDirectMarket(t *testing.T) {
	direct := testutil.NewMarket(t)
	inverted := testutil.NewMarket(t, testutil.WithInvert())

	// 2.0 direct is 0.5 raw inverted; 1.6 direct is 0.625 raw inverted
	direct.SetPrice(2_000_000)
	inverted.SetPrice(500_000)

	type pair struct{ user, lp *testutil.Trader }
	run := func(m *testutil.Market) pair {
		p := pair{user: m.NewUser(10_000), lp: m.NewLP(1_000_000)}
		ok(t)(m.Trade(p.user, p.lp, 20_000))
		return p
	}
	dp := run(direct)
	ip := run(inverted)

	direct.SetPrice(1_600_000)
	inverted.SetPrice(625_000)
	direct.Advance(1)
	inverted.Advance(1)
	ok(t)(direct.Trade(dp.user, dp.lp, -5000))
	ok(t)(inverted.Trade(ip.user, ip.lp, -5000))
	ok(t)(direct.Crank(0))
	ok(t)(inverted.Crank(0))

	for _, idx := range []uint16{dp.user.Idx, dp.lp.Idx} {
		d, i := direct.Account(idx), inverted.Account(idx)
		if d.Capital != i.Capital || d.PnL != i.PnL || d.Position != i.Position || d.EntryPrice != i.EntryPrice {
			t.Errorf("account %d diverged:\n direct   %+v\n inverted %+v", idx, d, i)
		}
	}
	if d, i := direct.Ctrl.Slab().Insurance, inverted.Ctrl.Slab().Insurance; d != i {
		t.Errorf("insurance diverged: %+v vs %+v", d, i)
	}
}

// ============================================================================
// Matcher bridge
// ============================================================================

func TestTradeCpiFillsThroughMatcher(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(10_000)
	lp := m.NewLPWithMatcher(quoting(1_010_000, nil), nil, 1_000_000)

	r := ok(t)(m.TradeCpi(user, lp, 1000))

	if r.Outcome.FillPriceE6 != 1_010_000 || r.Outcome.FillSize != 1000 {
		t.Errorf("fill = %d @ %d, want 1000 @ 1010000", r.Outcome.FillSize, r.Outcome.FillPriceE6)
	}
	acc := m.Account(user.Idx)
	if acc.Position != 1000 || acc.EntryPrice != 1_010_000 {
		t.Errorf("user = %d @ %d", acc.Position, acc.EntryPrice)
	}
	if got := m.Account(lp.Idx).MatcherNonce; got != 1 {
		t.Errorf("nonce = %d, want 1", got)
	}

	ok(t)(m.TradeCpi(user, lp, -500))
	if got := m.Account(lp.Idx).MatcherNonce; got != 2 {
		t.Errorf("nonce = %d, want 2", got)
	}
	assertConserved(t, m)
}

func TestMatcherResponseViolationsRejected(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*matcher.Return)
		want   error
	}{
		{"reserved field set", func(r *matcher.Return) { r.Reserved = 1 }, riskerr.ErrMatcherReserved},
		{"stale request id", func(r *matcher.Return) { r.ReqID-- }, riskerr.ErrMatcherStaleNonce},
		{"wrong lp account id", func(r *matcher.Return) { r.LPAccountID++ }, riskerr.ErrMatcherLPAccount},
		{"wrong oracle echo", func(r *matcher.Return) { r.OraclePriceE6++ }, riskerr.ErrMatcherOraclePrice},
		{"abi version", func(r *matcher.Return) { r.ABIVersion = 2 }, riskerr.ErrMatcherABIVersion},
		{"rejected flag", func(r *matcher.Return) { r.Flags |= matcher.FlagRejected }, riskerr.ErrMatcherRejected},
		{"oversized fill", func(r *matcher.Return) { r.ExecSize *= 2 }, riskerr.ErrMatcherSizeExceeded},
		{"zero size without partial", func(r *matcher.Return) { r.ExecSize = 0 }, riskerr.ErrMatcherZeroSize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewMarket(t)
			user := m.NewUser(10_000)
			lp := m.NewLPWithMatcher(quoting(testutil.OnePrice, tt.mutate), nil, 1_000_000)
			before := take(m)

			_, err := m.TradeCpi(user, lp, 100)

			mustReject(t, err, tt.want)
			mustReject(t, err, riskerr.ErrMatcherProtocol)
			assertUnchanged(t, m, before)
		})
	}
}

func TestMatcherPartialZeroFillCommitsNonceOnly(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(10_000)
	lp := m.NewLPWithMatcher(quoting(testutil.OnePrice, func(r *matcher.Return) {
		r.ExecSize = 0
		r.Flags |= matcher.FlagPartialOK
	}), nil, 1_000_000)

	ok(t)(m.TradeCpi(user, lp, 100))

	if got := m.Account(user.Idx).Position; got != 0 {
		t.Errorf("position = %d, want 0", got)
	}
	if got := m.Account(lp.Idx).MatcherNonce; got != 1 {
		t.Errorf("nonce = %d, want 1", got)
	}
}

func TestMatcherBindingNotSubstitutable(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(10_000)
	lp := m.NewLP(1_000_000)
	rogue := m.NewLPWithMatcher(quoting(2_000_000, nil), nil, 1_000_000)
	before := take(m)

	// lp's trade routed through rogue's program and context
	program, context := rogue.MatcherAccounts()
	_, err := m.Submit(&event.TradeCpi{LPIdx: lp.Idx, UserIdx: user.Idx, Size: 100},
		testutil.Signer(user.Key), testutil.Readonly(lp.Key), m.SlabAccount(), m.FeedAccount(),
		program, context, m.LPAuthority(lp.Idx))
	mustReject(t, err, riskerr.ErrMatcherIdentity)

	// right program, foreign context
	program, _ = lp.MatcherAccounts()
	_, err = m.Submit(&event.TradeCpi{LPIdx: lp.Idx, UserIdx: user.Idx, Size: 100},
		testutil.Signer(user.Key), testutil.Readonly(lp.Key), m.SlabAccount(), m.FeedAccount(),
		program, context, m.LPAuthority(lp.Idx))
	mustReject(t, err, riskerr.ErrMatcherIdentity)

	assertUnchanged(t, m, before)
}

func TestTradeCpiRejectsWrongLPAuthority(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(10_000)
	lp := m.NewLP(1_000_000)
	program, context := lp.MatcherAccounts()

	_, err := m.Submit(&event.TradeCpi{LPIdx: lp.Idx, UserIdx: user.Idx, Size: 100},
		testutil.Signer(user.Key), testutil.Readonly(lp.Key), m.SlabAccount(), m.FeedAccount(),
		program, context, m.LPAuthority(user.Idx))
	mustReject(t, err, riskerr.ErrPDAMismatch)

	funded := m.LPAuthority(lp.Idx)
	funded.Lamports = 1
	_, err = m.Submit(&event.TradeCpi{LPIdx: lp.Idx, UserIdx: user.Idx, Size: 100},
		testutil.Signer(user.Key), testutil.Readonly(lp.Key), m.SlabAccount(), m.FeedAccount(),
		program, context, funded)
	mustReject(t, err, riskerr.ErrPDANotEmpty)
}

func TestPanickingMatcherFailsTrade(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(10_000)
	lp := m.NewLPWithMatcher(matcher.Func(func(_, _ []byte) ([]byte, error) {
		panic("boom")
	}), nil, 1_000_000)

	_, err := m.TradeCpi(user, lp, 100)
	mustReject(t, err, riskerr.ErrMatcherCallFailed)
}

// ============================================================================
// Internal mark/index markets
// ============================================================================

func TestHyperpRejectsDirectTrade(t *testing.T) {
	m := testutil.NewMarket(t, testutil.WithHyperp(testutil.OnePrice))
	user := m.NewUser(10_000)
	lp := m.NewLP(1_000_000)

	_, err := m.Trade(user, lp, 100)
	mustReject(t, err, riskerr.ErrHyperpDirectTrade)
}

func TestHyperpMarkClampedAndIndexFollows(t *testing.T) {
	m := testutil.NewMarket(t, testutil.WithHyperp(testutil.OnePrice))
	ok(t)(m.AdminDo(&event.SetPriceCap{CapE2Bps: 10_000})) // 1% per slot
	user := m.NewUser(100_000)
	lp := m.NewLPWithMatcher(quoting(1_500_000, nil), nil, 10_000_000)

	ok(t)(m.TradeCpi(user, lp, 100))
	ok(t)(m.TradeCpi(user, lp, 100))

	o := m.Ctrl.Slab().Oracle
	if o.MarkE6 != 1_010_000 {
		t.Errorf("mark = %d, want 1010000 (one cap step from the slot anchor)", o.MarkE6)
	}
	if o.IndexE6 != testutil.OnePrice {
		t.Errorf("index = %d, want unchanged before a crank", o.IndexE6)
	}

	m.Advance(1)
	ok(t)(m.Crank(0))
	o = m.Ctrl.Slab().Oracle
	if o.IndexE6 != 1_010_000 {
		t.Errorf("index = %d, want 1010000", o.IndexE6)
	}
	assertConserved(t, m)
}

// ============================================================================
// Oracle authority
// ============================================================================

func TestPushedPriceOverridesFeed(t *testing.T) {
	m := testutil.NewMarket(t)
	authority := m.NewWallet()
	ok(t)(m.AdminDo(&event.SetOracleAuthority{Authority: authority.Key}))

	m.Advance(5)
	ok(t)(m.Submit(&event.PushOraclePrice{PriceE6: 1_200_000, PublishSlot: 5},
		testutil.Signer(authority.Key), m.SlabAccount()))

	r := ok(t)(m.Crank(0))
	if r.Outcome.PriceE6 != 1_200_000 {
		t.Errorf("crank price = %d, want pushed 1200000", r.Outcome.PriceE6)
	}

	// an older publish slot is ignored
	ok(t)(m.Submit(&event.PushOraclePrice{PriceE6: 900_000, PublishSlot: 4},
		testutil.Signer(authority.Key), m.SlabAccount()))
	if got := m.Ctrl.Slab().Oracle.PushedPriceE6; got != 1_200_000 {
		t.Errorf("pushed = %d, want 1200000", got)
	}
}

func TestPushFromStrangerRejected(t *testing.T) {
	m := testutil.NewMarket(t)
	stranger := m.NewWallet()

	_, err := m.Submit(&event.PushOraclePrice{PriceE6: 1_200_000},
		testutil.Signer(stranger.Key), m.SlabAccount())
	mustReject(t, err, riskerr.ErrOracleAuthority)
}

func TestPushFutureSlotRejected(t *testing.T) {
	m := testutil.NewMarket(t)
	authority := m.NewWallet()
	ok(t)(m.AdminDo(&event.SetOracleAuthority{Authority: authority.Key}))

	_, err := m.Submit(&event.PushOraclePrice{PriceE6: 1_200_000, PublishSlot: m.Slot + 1},
		testutil.Signer(authority.Key), m.SlabAccount())
	mustReject(t, err, riskerr.ErrOracleInvalid)
}

// ============================================================================
// Admin
// ============================================================================

func TestAdminInstructionsRequireAdmin(t *testing.T) {
	m := testutil.NewMarket(t)
	stranger := m.NewWallet()

	_, err := m.Submit(&event.SetRiskThreshold{Threshold: 5}, testutil.Signer(stranger.Key), m.SlabAccount())
	mustReject(t, err, riskerr.ErrAdminMismatch)

	ok(t)(m.AdminDo(&event.SetRiskThreshold{Threshold: 5}))
	if got := m.Ctrl.Slab().RiskThreshold; got != 5 {
		t.Errorf("threshold = %d, want 5", got)
	}
}

func TestBurnedAdminLocksAdminInstructions(t *testing.T) {
	m := testutil.NewMarket(t)
	ok(t)(m.AdminDo(&event.UpdateAdmin{}))

	_, err := m.AdminDo(&event.SetRiskThreshold{Threshold: 5})
	mustReject(t, err, riskerr.ErrAdminMismatch)
}

func TestUpdateConfig(t *testing.T) {
	tests := []struct {
		name   string
		funded bool
		edit   func(u *event.UpdateConfig)
		want   error
		check  func(t *testing.T, s *state.Slab)
	}{
		{
			name: "staleness window",
			edit: func(u *event.UpdateConfig) { u.MaxStalenessSlots = 5 },
			check: func(t *testing.T, s *state.Slab) {
				if s.Config.MaxStalenessSlots != 5 {
					t.Errorf("max staleness = %d, want 5", s.Config.MaxStalenessSlots)
				}
			},
		},
		{
			name: "confidence filter",
			edit: func(u *event.UpdateConfig) { u.ConfFilterBps = 150 },
			check: func(t *testing.T, s *state.Slab) {
				if s.Config.ConfFilterBps != 150 {
					t.Errorf("conf filter = %d, want 150", s.Config.ConfFilterBps)
				}
			},
		},
		{
			name: "confidence filter above 100%",
			edit: func(u *event.UpdateConfig) { u.ConfFilterBps = 10_001 },
			want: riskerr.ErrInvalidConfig,
		},
		{
			name: "margin tiers",
			edit: func(u *event.UpdateConfig) {
				u.Params.InitialMarginBps = 2000
				u.Params.MaintenanceMarginBps = 600
			},
			check: func(t *testing.T, s *state.Slab) {
				if s.Params.InitialMarginBps != 2000 || s.Params.MaintenanceMarginBps != 600 {
					t.Errorf("margins = %d/%d, want 2000/600", s.Params.InitialMarginBps, s.Params.MaintenanceMarginBps)
				}
			},
		},
		{
			name: "initial margin not above maintenance",
			edit: func(u *event.UpdateConfig) {
				u.Params.InitialMarginBps = 500
				u.Params.MaintenanceMarginBps = 500
			},
			want: riskerr.ErrInvalidConfig,
		},
		{
			name: "warmup period",
			edit: func(u *event.UpdateConfig) { u.Params.WarmupPeriodSlots = 50 },
			check: func(t *testing.T, s *state.Slab) {
				if s.Params.WarmupPeriodSlots != 50 {
					t.Errorf("warmup = %d, want 50", s.Params.WarmupPeriodSlots)
				}
			},
		},
		{
			name: "unit scale with empty vault",
			edit: func(u *event.UpdateConfig) { u.UnitScale = 1000 },
			check: func(t *testing.T, s *state.Slab) {
				if s.Config.Scale() != 1000 {
					t.Errorf("scale = %d, want 1000", s.Config.Scale())
				}
			},
		},
		{
			name:   "unit scale with funded vault",
			funded: true,
			edit:   func(u *event.UpdateConfig) { u.UnitScale = 1000 },
			want:   riskerr.ErrInvalidConfig,
		},
		{
			name:   "same effective scale with funded vault",
			funded: true,
			edit:   func(u *event.UpdateConfig) { u.UnitScale = 1 },
			check: func(t *testing.T, s *state.Slab) {
				if s.Config.Scale() != 1 {
					t.Errorf("scale = %d, want 1", s.Config.Scale())
				}
			},
		},
		{
			name: "price cap",
			edit: func(u *event.UpdateConfig) { u.PriceCapE2Bps = 500 },
			check: func(t *testing.T, s *state.Slab) {
				if s.Config.PriceCapE2Bps != 500 {
					t.Errorf("price cap = %d, want 500", s.Config.PriceCapE2Bps)
				}
			},
		},
		{
			name: "price cap too wide",
			edit: func(u *event.UpdateConfig) { u.PriceCapE2Bps = 2_000_000 },
			want: riskerr.ErrInvalidConfig,
		},
		{
			name: "trading fee",
			edit: func(u *event.UpdateConfig) { u.Params.TradingFeeBps = 20 },
			check: func(t *testing.T, s *state.Slab) {
				if s.Params.TradingFeeBps != 20 {
					t.Errorf("trading fee = %d, want 20", s.Params.TradingFeeBps)
				}
			},
		},
		{
			name: "trading fee above 100%",
			edit: func(u *event.UpdateConfig) { u.Params.TradingFeeBps = 20_000 },
			want: riskerr.ErrInvalidConfig,
		},
		{
			name: "new account fee",
			edit: func(u *event.UpdateConfig) { u.Params.NewAccountFee = 7 },
			check: func(t *testing.T, s *state.Slab) {
				if s.Params.NewAccountFee != 7 {
					t.Errorf("new account fee = %d, want 7", s.Params.NewAccountFee)
				}
			},
		},
		{
			name: "funding and liquidation",
			edit: func(u *event.UpdateConfig) {
				u.Params.FundingHorizonSlots = 1000
				u.Params.FundingMaxBpsPerSlot = 3
				u.Params.LiquidationFeeBps = 25
			},
			check: func(t *testing.T, s *state.Slab) {
				p := s.Params
				if p.FundingHorizonSlots != 1000 || p.FundingMaxBpsPerSlot != 3 || p.LiquidationFeeBps != 25 {
					t.Errorf("params not applied: %+v", p)
				}
			},
		},
		{
			name: "auto threshold above 100%",
			edit: func(u *event.UpdateConfig) { u.Params.ThresholdAutoBps = 20_000 },
			want: riskerr.ErrInvalidConfig,
		},
		{
			name: "capacity",
			edit: func(u *event.UpdateConfig) { u.Params.MaxAccounts = 128 },
			want: riskerr.ErrInvalidConfig,
		},
		{
			name: "risk reduction threshold untouched",
			edit: func(u *event.UpdateConfig) { u.Params.RiskReductionThreshold = 99 },
			check: func(t *testing.T, s *state.Slab) {
				if s.Params.RiskReductionThreshold != 0 {
					t.Errorf("threshold = %d, want 0", s.Params.RiskReductionThreshold)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := testutil.NewMarket(t)
			if tt.funded {
				m.NewUser(1000)
			}
			s := m.Ctrl.Slab()
			ix := event.NewUpdateConfig(&s.Config, &s.Params)
			tt.edit(ix)

			if tt.want != nil {
				before := take(m)
				_, err := m.AdminDo(ix)
				mustReject(t, err, tt.want)
				assertUnchanged(t, m, before)
				return
			}
			ok(t)(m.AdminDo(ix))
			tt.check(t, m.Ctrl.Slab())
		})
	}
}

func TestCloseSlab(t *testing.T) {
	t.Run("rejects used accounts", func(t *testing.T) {
		m := testutil.NewMarket(t)
		m.NewUser(0)
		_, err := m.CloseSlab()
		mustReject(t, err, riskerr.ErrAccountsInUse)
	})

	t.Run("rejects funded vault", func(t *testing.T) {
		m := testutil.NewMarket(t)
		ok(t)(m.TopUp(100))
		_, err := m.CloseSlab()
		mustReject(t, err, riskerr.ErrVaultNotEmpty)
	})

	t.Run("zeroes empty slab", func(t *testing.T) {
		m := testutil.NewMarket(t)
		r := ok(t)(m.CloseSlab())
		if m.Ctrl.Slab() != nil {
			t.Error("slab still live")
		}
		if r.StateHash == ([32]byte{}) {
			t.Error("close receipt has no state hash")
		}
	})
}

// ============================================================================
// Ordering and replay
// ============================================================================

func TestReplayedRequestRejected(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(0)
	req := m.Request(&event.Deposit{UserIdx: user.Idx, Amount: 100},
		testutil.Signer(user.Key), m.SlabAccount(), testutil.Writable(user.Token), testutil.Writable(m.Vault))

	ok(t)(m.Ctrl.Process(req))
	before := take(m)

	_, err := m.Ctrl.Process(req)
	mustReject(t, err, riskerr.ErrDuplicateRequest)
	assertUnchanged(t, m, before)
	if got := m.Account(user.Idx).Capital; got != 100 {
		t.Errorf("capital = %d, want 100", got)
	}
}

func TestSlotRegressionRejected(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(0)
	m.Advance(10)
	ok(t)(m.Deposit(user, 10))

	m.Slot = 9
	before := take(m)
	_, err := m.Deposit(user, 10)
	mustReject(t, err, riskerr.ErrSlotRegress)
	assertUnchanged(t, m, before)
}

func TestSequenceAndHashChain(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(0)

	seen := map[[32]byte]bool{m.Ctrl.GetStateHash(): true}
	prev := m.Ctrl.GetSequence()
	for i := 0; i < 5; i++ {
		r := ok(t)(m.Deposit(user, 1))
		if r.Sequence != prev+1 {
			t.Fatalf("sequence = %d, want %d", r.Sequence, prev+1)
		}
		if seen[r.StateHash] {
			t.Fatalf("state hash repeated at sequence %d", r.Sequence)
		}
		seen[r.StateHash] = true
		prev = r.Sequence
	}
}

func TestRestoreResumesChain(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(500)
	m.Advance(3)

	cp := m.Ctrl.Checkpoint()
	if cp.Sequence != m.Ctrl.GetSequence() || cp.StateHash != m.Ctrl.GetStateHash() {
		t.Fatalf("checkpoint at seq %d does not match controller", cp.Sequence)
	}

	restored := core.NewController(core.Options{
		ProgramID:     m.ProgramID,
		SlabKey:       m.SlabKey,
		Bank:          m.Bank,
		Matchers:      m.Matchers,
		DedupCapacity: 16,
	})
	if err := restored.Restore(cp.SlabBytes, cp.Sequence, cp.Slot, cp.StateHash); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	req := m.Request(&event.Deposit{UserIdx: user.Idx, Amount: 7},
		testutil.Signer(user.Key), m.SlabAccount(), testutil.Writable(user.Token), testutil.Writable(m.Vault))
	want := ok(t)(m.Ctrl.Process(req))
	got := ok(t)(restored.Process(req))

	if got.Sequence != want.Sequence || got.StateHash != want.StateHash {
		t.Errorf("restored chain diverged: seq %d/%d", got.Sequence, want.Sequence)
	}
}

func TestRestoreZeroedSlabIsClosed(t *testing.T) {
	m := testutil.NewMarket(t)
	user := m.NewUser(500)
	cp := m.Ctrl.Checkpoint()

	if err := m.Ctrl.Restore(make([]byte, len(cp.SlabBytes)), cp.Sequence, cp.Slot, cp.StateHash); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if m.Ctrl.Slab() != nil {
		t.Fatal("zeroed bytes restored a live slab")
	}
	_, err := m.Deposit(user, 10)
	mustReject(t, err, riskerr.ErrSlabInert)
}

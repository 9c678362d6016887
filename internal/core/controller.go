package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"Percolator/internal/custody"
	"Percolator/internal/event"
	"Percolator/internal/identity"
	"Percolator/internal/matcher"
	"Percolator/internal/observability"
	"Percolator/internal/riskerr"
	"Percolator/internal/state"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultDedupCapacity is the LRU size used when Options leaves it zero.
const DefaultDedupCapacity = 1_000_000

// Controller is the single-threaded instruction processor of one slab.
// Every instruction runs against a scratch clone of the slab; the clone
// replaces the live slab only when the instruction, its invariant checks
// and its token transfer all succeed.
type Controller struct {
	programID solana.PublicKey
	slabKey   solana.PublicKey
	bank      *custody.Bank
	matchers  *matcher.Registry

	// guarded by mu for readers on other goroutines
	mu       sync.RWMutex
	slab     *state.Slab
	sequence int64
	hasher   *StateHasher

	idempotency *IdempotencyChecker
	slots       *SlotValidator
	metrics     *observability.Metrics
	log         zerolog.Logger

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

// Options wires a Controller to its collaborators. Channels, the DB
// checker and metrics are optional.
type Options struct {
	ProgramID     solana.PublicKey
	SlabKey       solana.PublicKey
	Bank          *custody.Bank
	Matchers      *matcher.Registry
	DBChecker     DBIdempotencyChecker
	DedupCapacity int
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
	PersistChan   chan<- CoreOutput
	PublishChan   chan<- CoreOutput
}

// Outcome is the instruction-specific part of a receipt. FundingResidual is
// the round-up a crank's funding payers left to the market.
type Outcome struct {
	AccountIdx      uint16                    `json:"account_idx,omitempty"`
	Amount          uint64                    `json:"amount,omitempty"`
	FillSize        int64                     `json:"fill_size,omitempty"`
	FillPriceE6     uint64                    `json:"fill_price_e6,omitempty"`
	PriceE6         uint64                    `json:"price_e6,omitempty"`
	Converted       uint64                    `json:"converted,omitempty"`
	BadDebt         uint64                    `json:"bad_debt,omitempty"`
	FundingPayments int                       `json:"funding_payments,omitempty"`
	FundingResidual int64                     `json:"funding_residual,omitempty"`
	Liquidations    []state.LiquidationResult `json:"liquidations,omitempty"`
	ForceClosed     []uint16                  `json:"force_closed,omitempty"`
}

// Receipt records one committed instruction.
type Receipt struct {
	RequestID uuid.UUID `json:"request_id"`
	Sequence  int64     `json:"sequence"`
	Slot      uint64    `json:"slot"`
	Tag       event.Tag `json:"tag"`
	StateHash [32]byte  `json:"state_hash"`
	Outcome   Outcome   `json:"outcome"`
}

// CoreOutput is what the controller emits after each commit: the receipt
// and the encoded slab it produced.
type CoreOutput struct {
	Receipt   *Receipt
	SlabBytes []byte
}

func NewController(opts Options) *Controller {
	capacity := opts.DedupCapacity
	if capacity == 0 {
		capacity = DefaultDedupCapacity
	}
	bank := opts.Bank
	if bank == nil {
		bank = custody.NewBank()
	}
	matchers := opts.Matchers
	if matchers == nil {
		matchers = matcher.NewRegistry()
	}
	return &Controller{
		programID:   opts.ProgramID,
		slabKey:     opts.SlabKey,
		bank:        bank,
		matchers:    matchers,
		hasher:      NewStateHasher(),
		idempotency: NewIdempotencyChecker(capacity, opts.DBChecker, opts.Metrics, opts.Logger),
		slots:       NewSlotValidator(0),
		metrics:     opts.Metrics,
		log:         opts.Logger,
		persistChan: opts.PersistChan,
		publishChan: opts.PublishChan,
	}
}

// txn is the working set of one instruction.
type txn struct {
	req      *event.Request
	now      uint64
	slab     *state.Slab // scratch copy, nil until InitMarket
	closed   bool        // CloseSlab zeroes the slab on commit
	transfer *tokenTransfer
	out      Outcome
}

// tokenTransfer is the single custody movement an instruction may make.
// It runs after the slab checks pass and before the commit.
type tokenTransfer struct {
	from, to, authority solana.PublicKey
	amount              uint64
}

// Process validates and applies one request. A rejected request leaves the
// slab, the custody balances and the hash chain untouched.
func (c *Controller) Process(req *event.Request) (*Receipt, error) {
	start := time.Now()
	tag := req.Tag()
	tagName := tag.String()
	requestID := req.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if c.idempotency.IsDuplicate(tagName, requestID) {
		return nil, c.reject(req, fmt.Errorf("%w: %s", riskerr.ErrDuplicateRequest, requestID))
	}

	// Step 2: Clock
	if err := c.slots.ValidateSlot(req.Slot); err != nil {
		if c.metrics != nil {
			c.metrics.SlotRegressions.Inc()
		}
		return nil, c.reject(req, err)
	}

	// Step 3: Account shape and slab identity
	if err := c.checkShape(req); err != nil {
		return nil, c.reject(req, err)
	}

	// Step 4: Dispatch against a scratch copy
	tx := &txn{req: req, now: req.Slot}
	c.mu.RLock()
	if c.slab != nil {
		tx.slab = c.slab.Clone()
	}
	c.mu.RUnlock()

	if err := c.dispatch(tx); err != nil {
		return nil, c.reject(req, err)
	}

	// Step 5: Post-check invariants on the result
	if tx.slab != nil && !tx.closed {
		if err := tx.slab.CheckConservation(); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	// Step 6: Custody transfer; failure aborts the commit
	if t := tx.transfer; t != nil {
		if err := c.bank.Transfer(t.from, t.to, t.authority, t.amount); err != nil {
			return nil, c.reject(req, err)
		}
	}

	// Step 7: Commit, hash, emit
	receipt, slabBytes := c.commit(tx)

	output := CoreOutput{Receipt: receipt, SlabBytes: slabBytes}
	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.publishChan != nil {
		select {
		case c.publishChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PublishDrops.Inc()
			}
		}
	}

	c.idempotency.MarkProcessed(tagName, requestID)

	if c.metrics != nil {
		c.metrics.InstructionsApplied.WithLabelValues(tagName).Inc()
		c.metrics.InstructionDuration.WithLabelValues(tagName).Observe(time.Since(start).Seconds())
		c.metrics.Sequence.Set(float64(receipt.Sequence))
		c.metrics.Slot.Set(float64(receipt.Slot))
		c.observeSlab(tx)
		c.observeOutcome(&receipt.Outcome)
	}

	c.log.Trace().
		Str("tag", tagName).
		Int64("seq", receipt.Sequence).
		Uint64("slot", receipt.Slot).
		Str("request_id", requestID).
		Msg("instruction committed")

	return receipt, nil
}

func (c *Controller) commit(tx *txn) (*Receipt, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tx.closed {
		c.slab = nil
	} else {
		c.slab = tx.slab
	}
	c.sequence++
	c.slots.Advance(tx.now)

	hashStart := time.Now()
	var slabBytes []byte
	if c.slab != nil {
		slabBytes = state.Encode(c.slab)
	}
	hash := c.hasher.ComputeHash(c.sequence, slabBytes)
	if c.metrics != nil {
		c.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	return &Receipt{
		RequestID: tx.req.RequestID,
		Sequence:  c.sequence,
		Slot:      tx.now,
		Tag:       tx.req.Tag(),
		StateHash: hash,
		Outcome:   tx.out,
	}, slabBytes
}

func (c *Controller) reject(req *event.Request, err error) error {
	code := riskerr.Code(err)
	if c.metrics != nil {
		c.metrics.InstructionsRejected.WithLabelValues(req.Tag().String(), code).Inc()
		if errors.Is(err, riskerr.ErrMatcherProtocol) {
			c.metrics.MatcherRejections.WithLabelValues(code).Inc()
		}
	}
	c.log.Debug().
		Err(err).
		Str("tag", req.Tag().String()).
		Str("code", code).
		Uint64("slot", req.Slot).
		Str("request_id", req.IdempotencyKey()).
		Msg("instruction rejected")
	return err
}

func (c *Controller) observeSlab(tx *txn) {
	s := tx.slab
	if tx.closed || s == nil {
		c.metrics.VaultBalance.Set(0)
		c.metrics.TotalCapital.Set(0)
		c.metrics.InsuranceBalance.Set(0)
		c.metrics.OpenInterest.Set(0)
		c.metrics.UsedAccounts.Set(0)
		return
	}
	c.metrics.VaultBalance.Set(float64(s.Vault.Balance))
	c.metrics.TotalCapital.Set(float64(s.Ledger.Agg.TotalCapital))
	c.metrics.InsuranceBalance.Set(float64(s.Insurance.Balance))
	c.metrics.OpenInterest.Set(float64(s.Ledger.Agg.TotalOpenInterest))
	c.metrics.UsedAccounts.Set(float64(s.Ledger.UsedCount()))
	c.metrics.PendingEpoch.Set(float64(s.Ledger.PendingEpoch))
	c.metrics.FundingRate.Set(float64(s.Funding.RateBpsPerSlot))
	if s.GateActive() {
		c.metrics.GateActive.Set(1)
	} else {
		c.metrics.GateActive.Set(0)
	}
}

func (c *Controller) observeOutcome(out *Outcome) {
	for _, l := range out.Liquidations {
		if l.Remaining == 0 {
			c.metrics.Liquidations.WithLabelValues("full").Inc()
		} else {
			c.metrics.Liquidations.WithLabelValues("partial").Inc()
		}
	}
	if n := len(out.ForceClosed); n > 0 {
		c.metrics.Liquidations.WithLabelValues("forced").Add(float64(n))
	}
	if out.BadDebt > 0 {
		c.metrics.BadDebt.Add(float64(out.BadDebt))
	}
	if out.Converted > 0 {
		c.metrics.WarmupConverted.Add(float64(out.Converted))
	}
}

// slabAccountIndex is the position of the slab in each instruction's
// account list.
func slabAccountIndex(tag event.Tag) int {
	switch tag {
	case event.TagTradeNoCpi, event.TagTradeCpi:
		return 2
	default:
		return 1
	}
}

func (c *Controller) checkShape(req *event.Request) error {
	if req.Instruction == nil {
		return riskerr.ErrInvalidInstruction
	}
	if err := identity.ExpectLen(req.Accounts, event.AccountCount(req.Tag())); err != nil {
		return err
	}
	slabAcc := req.Accounts[slabAccountIndex(req.Tag())]
	if err := identity.ExpectKey(slabAcc, c.slabKey); err != nil {
		return err
	}
	return identity.ExpectWritable(slabAcc)
}

// dispatch routes the instruction to its handler. Every handler except
// InitMarket requires an initialized slab.
func (c *Controller) dispatch(tx *txn) error {
	if ix, ok := tx.req.Instruction.(*event.InitMarket); ok {
		return c.handleInitMarket(tx, ix)
	}
	if err := tx.slab.CheckHeader(); err != nil {
		return err
	}

	switch ix := tx.req.Instruction.(type) {
	case *event.InitUser:
		return c.handleInitUser(tx, ix)
	case *event.InitLP:
		return c.handleInitLP(tx, ix)
	case *event.Deposit:
		return c.handleDeposit(tx, ix)
	case *event.Withdraw:
		return c.handleWithdraw(tx, ix)
	case *event.KeeperCrank:
		return c.handleKeeperCrank(tx, ix)
	case *event.TradeNoCpi:
		return c.handleTradeNoCpi(tx, ix)
	case *event.LiquidateAtOracle:
		return c.handleLiquidateAtOracle(tx, ix)
	case *event.CloseAccount:
		return c.handleCloseAccount(tx, ix)
	case *event.TopUpInsurance:
		return c.handleTopUpInsurance(tx, ix)
	case *event.TradeCpi:
		return c.handleTradeCpi(tx, ix)
	case *event.SetRiskThreshold:
		return c.handleSetRiskThreshold(tx, ix)
	case *event.UpdateAdmin:
		return c.handleUpdateAdmin(tx, ix)
	case *event.UpdateConfig:
		return c.handleUpdateConfig(tx, ix)
	case *event.SetPriceCap:
		return c.handleSetPriceCap(tx, ix)
	case *event.CloseSlab:
		return c.handleCloseSlab(tx, ix)
	case *event.SetOracleAuthority:
		return c.handleSetOracleAuthority(tx, ix)
	case *event.PushOraclePrice:
		return c.handlePushOraclePrice(tx, ix)
	default:
		return fmt.Errorf("%w: unhandled tag %d", riskerr.ErrInvalidInstruction, tx.req.Tag())
	}
}

// ============================================================================
// Recovery and read access
// ============================================================================

// Restore replaces the live slab with a decoded snapshot and moves the
// sequence, clock and hash chain to where the snapshot was taken. Empty or
// all-zero bytes restore a closed slab.
func (c *Controller) Restore(slabBytes []byte, sequence int64, slot uint64, stateHash [32]byte) error {
	var s *state.Slab
	if !state.IsZeroed(slabBytes) {
		decoded, err := state.Decode(slabBytes)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		s = decoded
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.slab = s
	c.sequence = sequence
	c.slots = NewSlotValidator(slot)
	c.hasher.Reset(stateHash)
	return nil
}

// WarmLRU preloads idempotency keys recorded before a restart.
func (c *Controller) WarmLRU(keys []string) {
	c.idempotency.Warm(keys)
}

// Slab returns a copy of the live slab, or nil before InitMarket.
func (c *Controller) Slab() *state.Slab {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.slab == nil {
		return nil
	}
	return c.slab.Clone()
}

// View returns a copy of the live slab together with the sequence and
// state hash it was committed at. The slab is nil before InitMarket.
func (c *Controller) View() (*state.Slab, int64, [32]byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.slab == nil {
		return nil, c.sequence, c.hasher.GetPrevHash()
	}
	return c.slab.Clone(), c.sequence, c.hasher.GetPrevHash()
}

// Checkpoint is a consistent copy of everything Restore needs.
type Checkpoint struct {
	Sequence  int64
	Slot      uint64
	StateHash [32]byte
	SlabBytes []byte
}

// Checkpoint captures the committed state for a snapshot.
func (c *Controller) Checkpoint() Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := Checkpoint{
		Sequence:  c.sequence,
		Slot:      c.slots.LastSlot(),
		StateHash: c.hasher.GetPrevHash(),
	}
	if c.slab != nil {
		cp.SlabBytes = state.Encode(c.slab)
	}
	return cp
}

// SlabBytes returns the encoded live slab, or nil before InitMarket.
func (c *Controller) SlabBytes() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.slab == nil {
		return nil
	}
	return state.Encode(c.slab)
}

func (c *Controller) GetSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

func (c *Controller) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.GetPrevHash()
}

// LastSlot returns the slot of the last committed instruction.
func (c *Controller) LastSlot() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.slots.LastSlot()
}

func (c *Controller) Matchers() *matcher.Registry {
	return c.matchers
}

func (c *Controller) SlabKey() solana.PublicKey {
	return c.slabKey
}

func (c *Controller) ProgramID() solana.PublicKey {
	return c.programID
}

func (c *Controller) Bank() *custody.Bank {
	return c.bank
}

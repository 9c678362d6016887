package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"Percolator/internal/oracle"
	"Percolator/internal/state"

	"github.com/gagliardetto/solana-go"
)

// ErrNotInitialized is returned before InitMarket has committed.
var ErrNotInitialized = errors.New("market not initialized")

// SlabReader is the read side of the controller.
type SlabReader interface {
	View() (*state.Slab, int64, [32]byte)
	SlabKey() solana.PublicKey
}

// PriceSource returns the latest raw bytes of an oracle feed account.
type PriceSource interface {
	Get(feed solana.PublicKey) ([]byte, bool)
}

// QueryService serves read-only views of the live slab. Every response
// carries as_of_sequence, the sequence the slab copy was committed at.
// Receipt history comes from PostgreSQL when a db is configured.
type QueryService struct {
	slab   SlabReader
	prices PriceSource
	db     *sql.DB
}

// NewQueryService builds a query service. prices and db may be nil.
func NewQueryService(slab SlabReader, prices PriceSource, db *sql.DB) *QueryService {
	return &QueryService{slab: slab, prices: prices, db: db}
}

// GetMarket returns the market summary.
func (qs *QueryService) GetMarket(ctx context.Context) (*MarketView, error) {
	s, seq, hash := qs.slab.View()
	if s == nil {
		return nil, ErrNotInitialized
	}

	agg := s.Ledger.Agg
	v := &MarketView{
		SlabKey:        qs.slab.SlabKey().String(),
		Admin:          s.Header.Admin.String(),
		AdminBurned:    s.Header.Admin.IsZero(),
		CollateralMint: s.Config.CollateralMint.String(),
		Vault:          s.Config.Vault.String(),
		Hyperp:         s.Config.IsHyperp(),
		Inverted:       s.Config.Invert,
		UnitScale:      s.Config.UnitScale,

		FundingRate: s.Funding.RateBpsPerSlot,

		VaultBalance:      s.Vault.Balance,
		TotalCapital:      agg.TotalCapital,
		InsuranceBalance:  s.Insurance.Balance,
		InsuranceFees:     s.Insurance.FeesPaid,
		BadDebt:           s.Insurance.BadDebt,
		OpenInterest:      agg.TotalOpenInterest,
		NetLPPosition:     agg.NetLPPos,
		UsedAccounts:      s.Ledger.UsedCount(),
		MaxAccounts:       s.Params.MaxAccounts,
		RiskThreshold:     s.RiskThreshold,
		RiskReductionOnly: s.GateActive(),
		LastCrankSlot:     s.LastCrankSlot,

		AsOfSequence: seq,
		StateHash:    hex.EncodeToString(hash[:]),
	}
	if !s.Config.IsHyperp() {
		v.IndexFeed = s.Config.IndexFeed.String()
	} else {
		v.MarkPrice = oracle.FormatE6(s.Oracle.MarkE6)
		v.IndexPrice = oracle.FormatE6(s.Oracle.IndexE6)
	}
	if price, ok := qs.referencePrice(s); ok {
		v.Price = oracle.FormatE6(price)
	}
	return v, nil
}

// GetAccount returns the account at idx with margin figures at the
// reference price.
func (qs *QueryService) GetAccount(ctx context.Context, idx uint16) (*AccountView, error) {
	s, seq, _ := qs.slab.View()
	if s == nil {
		return nil, ErrNotInitialized
	}
	acc, err := s.Ledger.Get(idx)
	if err != nil {
		return nil, err
	}
	price, ok := qs.referencePrice(s)
	v := accountView(idx, acc, price, ok, &s.Params)
	v.AsOfSequence = seq
	return &v, nil
}

// ListAccounts returns every used account, optionally only those owned by
// owner, in index order.
func (qs *QueryService) ListAccounts(ctx context.Context, owner *solana.PublicKey) ([]AccountView, error) {
	s, seq, _ := qs.slab.View()
	if s == nil {
		return nil, ErrNotInitialized
	}
	price, ok := qs.referencePrice(s)

	views := []AccountView{}
	s.Ledger.ForEachUsed(func(idx uint16, acc *state.Account) {
		if owner != nil && !acc.Owner.Equals(*owner) {
			return
		}
		v := accountView(idx, acc, price, ok, &s.Params)
		v.AsOfSequence = seq
		views = append(views, v)
	})
	return views, nil
}

// GetReceipts returns up to limit persisted receipts with sequence below
// beforeSeq, newest first. beforeSeq <= 0 starts from the latest.
func (qs *QueryService) GetReceipts(ctx context.Context, limit int, beforeSeq int64) ([]ReceiptView, error) {
	if qs.db == nil {
		return nil, errors.New("receipt history requires a database")
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT sequence, request_id, tag, slot, state_hash, outcome
		FROM percolator.receipts
	`
	args := []interface{}{}
	if beforeSeq > 0 {
		query += " WHERE sequence < $1 ORDER BY sequence DESC LIMIT $2"
		args = append(args, beforeSeq, limit)
	} else {
		query += " ORDER BY sequence DESC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	var out []ReceiptView
	for rows.Next() {
		var r ReceiptView
		var hash []byte
		if err := rows.Scan(&r.Sequence, &r.RequestID, &r.Tag, &r.Slot, &hash, &r.Outcome); err != nil {
			return nil, err
		}
		r.StateHash = hex.EncodeToString(hash)
		out = append(out, r)
	}
	return out, rows.Err()
}

// referencePrice picks the price views are valued at: the internal index
// of a market without a feed, a pushed price, then the cached feed. A
// cached feed is checked for shape and confidence but not for age.
func (qs *QueryService) referencePrice(s *state.Slab) (uint64, bool) {
	if s.Config.IsHyperp() {
		return s.Oracle.IndexE6, s.Oracle.IndexE6 != 0
	}
	if !s.Oracle.Authority.IsZero() && s.Oracle.PushedPriceE6 != 0 {
		return s.Oracle.PushedPriceE6, true
	}
	if qs.prices == nil {
		return 0, false
	}
	data, ok := qs.prices.Get(s.Config.IndexFeed)
	if !ok {
		return 0, false
	}
	feed, err := oracle.ParsePyth(data)
	if err != nil {
		return 0, false
	}
	price, err := oracle.ApplyFeed(feed, feed.PublishSlot, oracle.Params{
		MaxStalenessSlots: s.Config.MaxStalenessSlots,
		ConfFilterBps:     s.Config.ConfFilterBps,
		Invert:            s.Config.Invert,
	})
	if err != nil {
		return 0, false
	}
	return price, true
}

func accountView(idx uint16, acc *state.Account, price uint64, priced bool, p *state.RiskParams) AccountView {
	v := AccountView{
		Index:      idx,
		ID:         acc.ID,
		Kind:       acc.Kind.String(),
		Owner:      acc.Owner.String(),
		Capital:    acc.Capital,
		Position:   acc.Position,
		EntryPrice: oracle.FormatE6(acc.EntryPrice),
		PnL:        acc.PnL,
	}
	if acc.IsLP() {
		v.MatcherProgram = acc.MatcherProgram.String()
		v.MatcherContext = acc.MatcherContext.String()
	}
	if !priced {
		return v
	}

	equity := state.Equity(acc, price)
	im := state.RequiredMargin(acc.Position, price, p.InitialMarginBps)
	mm := state.RequiredMargin(acc.Position, price, p.MaintenanceMarginBps)
	v.Equity = &equity
	v.InitialMargin = &im
	v.MaintenanceMargin = &mm
	v.Health = state.CheckMarginHealth(acc, price, p).String()
	return v
}

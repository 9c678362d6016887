package matcher_test

import (
	"encoding/binary"
	"errors"
	"testing"

	fpmath "Percolator/internal/math"
	"Percolator/internal/matcher"
	"Percolator/internal/riskerr"

	"github.com/gagliardetto/solana-go"
	"pgregory.net/rapid"
)

var baseCall = matcher.Call{
	ReqID:         8,
	LPIdx:         3,
	LPAccountID:   77,
	OraclePriceE6: 1_000_000,
	ReqSize:       -500,
}

func validReturn(c matcher.Call) matcher.Return {
	return matcher.Return{
		ABIVersion:    matcher.ABIVersion,
		Flags:         matcher.FlagValid,
		ExecPriceE6:   c.OraclePriceE6,
		ExecSize:      c.ReqSize,
		ReqID:         c.ReqID,
		LPAccountID:   c.LPAccountID,
		OraclePriceE6: c.OraclePriceE6,
	}
}

// ============================================================================
// ABI layout
// ============================================================================

func TestCallLayout(t *testing.T) {
	b := baseCall.Encode()
	if len(b) != matcher.CallLen {
		t.Fatalf("len = %d, want %d", len(b), matcher.CallLen)
	}
	if b[0] != matcher.CallTag {
		t.Errorf("tag = %d", b[0])
	}
	if got := binary.LittleEndian.Uint64(b[1:]); got != 8 {
		t.Errorf("req_id = %d", got)
	}
	if got := binary.LittleEndian.Uint16(b[9:]); got != 3 {
		t.Errorf("lp_idx = %d", got)
	}
	if got := binary.LittleEndian.Uint64(b[11:]); got != 77 {
		t.Errorf("lp_account_id = %d", got)
	}
	if got := binary.LittleEndian.Uint64(b[19:]); got != 1_000_000 {
		t.Errorf("oracle_price = %d", got)
	}
	// -500 sign-extended to 128 bits
	if got := int64(binary.LittleEndian.Uint64(b[27:])); got != -500 {
		t.Errorf("req_size lo = %d", got)
	}
	if got := binary.LittleEndian.Uint64(b[35:]); got != ^uint64(0) {
		t.Errorf("req_size hi = %#x", got)
	}
	for i := 43; i < matcher.CallLen; i++ {
		if b[i] != 0 {
			t.Fatalf("padding byte %d = %d", i, b[i])
		}
	}

	decoded, err := matcher.DecodeCall(b)
	if err != nil || decoded != baseCall {
		t.Errorf("DecodeCall = %+v, %v", decoded, err)
	}
}

func TestDecodeReturnRejectsWideSize(t *testing.T) {
	b := validReturn(baseCall).Encode()
	binary.LittleEndian.PutUint64(b[24:], 1) // high half of a positive i128
	if _, err := matcher.DecodeReturn(b); !errors.Is(err, riskerr.ErrMatcherSizeExceeded) {
		t.Errorf("got %v, want size exceeded", err)
	}
	if _, err := matcher.DecodeReturn(b[:matcher.ReturnLen-1]); !errors.Is(err, riskerr.ErrMatcherShortReturn) {
		t.Errorf("got %v, want short return", err)
	}
}

// ============================================================================
// Validation
// ============================================================================

func TestValidateAcceptsEcho(t *testing.T) {
	got, err := matcher.Validate(validReturn(baseCall), baseCall, matcher.Limits{}, 0)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.Size != -500 || got.PriceE6 != 1_000_000 {
		t.Errorf("accepted %+v", got)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*matcher.Return)
		limits matcher.Limits
		lpPos  int64
		want   error
	}{
		{"abi version", func(r *matcher.Return) { r.ABIVersion = 2 }, matcher.Limits{}, 0, riskerr.ErrMatcherABIVersion},
		{"not valid", func(r *matcher.Return) { r.Flags = 0 }, matcher.Limits{}, 0, riskerr.ErrMatcherNotValid},
		{"rejected", func(r *matcher.Return) { r.Flags |= matcher.FlagRejected }, matcher.Limits{}, 0, riskerr.ErrMatcherRejected},
		{"zero price", func(r *matcher.Return) { r.ExecPriceE6 = 0 }, matcher.Limits{}, 0, riskerr.ErrMatcherZeroPrice},
		{"reserved", func(r *matcher.Return) { r.Reserved = 1 }, matcher.Limits{}, 0, riskerr.ErrMatcherReserved},
		{"lp account", func(r *matcher.Return) { r.LPAccountID++ }, matcher.Limits{}, 0, riskerr.ErrMatcherLPAccount},
		{"oracle price", func(r *matcher.Return) { r.OraclePriceE6++ }, matcher.Limits{}, 0, riskerr.ErrMatcherOraclePrice},
		{"stale nonce", func(r *matcher.Return) { r.ReqID-- }, matcher.Limits{}, 0, riskerr.ErrReplayOrNonce},
		{"zero size", func(r *matcher.Return) { r.ExecSize = 0 }, matcher.Limits{}, 0, riskerr.ErrMatcherZeroSize},
		{"oversize", func(r *matcher.Return) { r.ExecSize = -501 }, matcher.Limits{}, 0, riskerr.ErrMatcherSizeExceeded},
		{"sign", func(r *matcher.Return) { r.ExecSize = 500 }, matcher.Limits{}, 0, riskerr.ErrMatcherSignMismatch},
		{"fill limit", func(r *matcher.Return) {}, matcher.Limits{MaxFillAbs: 499}, 0, riskerr.ErrMatcherFillLimit},
		{"inventory", func(r *matcher.Return) {}, matcher.Limits{MaxInventoryAbs: 600}, 200, riskerr.ErrLPLimitExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ret := validReturn(baseCall)
			tt.mutate(&ret)
			if _, err := matcher.Validate(ret, baseCall, tt.limits, tt.lpPos); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStaleNonceIsAlsoProtocolViolation(t *testing.T) {
	ret := validReturn(baseCall)
	ret.ReqID = 0
	_, err := matcher.Validate(ret, baseCall, matcher.Limits{}, 0)
	if !errors.Is(err, riskerr.ErrMatcherProtocol) || !errors.Is(err, riskerr.ErrReplayOrNonce) {
		t.Errorf("got %v, want both classes", err)
	}
}

func TestZeroFillAllowedWithPartialOK(t *testing.T) {
	ret := validReturn(baseCall)
	ret.ExecSize = 0
	ret.Flags |= matcher.FlagPartialOK
	got, err := matcher.Validate(ret, baseCall, matcher.Limits{}, 0)
	if err != nil || got.Size != 0 {
		t.Errorf("got %+v, %v", got, err)
	}
}

func TestNextRequestIDWraps(t *testing.T) {
	if got := matcher.NextRequestID(^uint64(0)); got != 0 {
		t.Errorf("wrapped id = %d, want 0", got)
	}
}

// ============================================================================
// Matchers and registry
// ============================================================================

func TestVAMMQuotes(t *testing.T) {
	ctx := matcher.EncodeVAMMContext(matcher.VAMMParams{SpreadBps: 10}, 320)
	reg := matcher.NewRegistry()
	prog := solana.NewWallet().PublicKey()
	reg.Register(prog, matcher.VAMM{})

	buy := baseCall
	buy.ReqSize = 100
	got, err := reg.Execute(prog, ctx, buy, matcher.Limits{}, 0)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if got.PriceE6 != 1_001_000 || got.Size != 100 {
		t.Errorf("buy accepted %+v", got)
	}

	got, err = reg.Execute(prog, ctx, baseCall, matcher.Limits{}, 0)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if got.PriceE6 != 999_000 || got.Size != -500 {
		t.Errorf("sell accepted %+v", got)
	}
}

func TestVAMMPartialFill(t *testing.T) {
	ctx := matcher.EncodeVAMMContext(matcher.VAMMParams{MaxFillAbs: 50, LiquidityUnits: 10_000}, 320)
	out, err := matcher.VAMM{}.ProposeExecution(baseCall.Encode(), ctx)
	if err != nil {
		t.Fatal(err)
	}
	ret, err := matcher.DecodeReturn(out)
	if err != nil {
		t.Fatal(err)
	}
	if ret.ExecSize != -50 || ret.Flags&matcher.FlagPartialOK == 0 {
		t.Errorf("return %+v", ret)
	}
	// impact 50/10_000 = 50 bps below oracle
	if ret.ExecPriceE6 != 995_000 {
		t.Errorf("price = %d, want 995000", ret.ExecPriceE6)
	}
}

func TestVAMMRejectsUninitializedContext(t *testing.T) {
	reg := matcher.NewRegistry()
	prog := solana.NewWallet().PublicKey()
	reg.Register(prog, matcher.VAMM{})
	if _, err := reg.Execute(prog, make([]byte, 320), baseCall, matcher.Limits{}, 0); !errors.Is(err, riskerr.ErrMatcherRejected) {
		t.Errorf("got %v, want rejected", err)
	}
}

func TestRegistryFailures(t *testing.T) {
	reg := matcher.NewRegistry()
	if _, err := reg.Execute(solana.NewWallet().PublicKey(), nil, baseCall, matcher.Limits{}, 0); !errors.Is(err, riskerr.ErrMatcherCallFailed) {
		t.Errorf("unknown program: got %v", err)
	}

	prog := solana.NewWallet().PublicKey()
	reg.Register(prog, matcher.Func(func(_, _ []byte) ([]byte, error) { panic("boom") }))
	if _, err := reg.Execute(prog, nil, baseCall, matcher.Limits{}, 0); !errors.Is(err, riskerr.ErrMatcherCallFailed) {
		t.Errorf("panicking matcher: got %v", err)
	}

	reg.Register(prog, matcher.Func(func(_, _ []byte) ([]byte, error) { return nil, errors.New("out of compute") }))
	if _, err := reg.Execute(prog, nil, baseCall, matcher.Limits{}, 0); !errors.Is(err, riskerr.ErrMatcherCallFailed) {
		t.Errorf("failing matcher: got %v", err)
	}
}

func TestMatcherCannotMutateCallerContext(t *testing.T) {
	reg := matcher.NewRegistry()
	prog := solana.NewWallet().PublicKey()
	reg.Register(prog, matcher.Func(func(call, ctx []byte) ([]byte, error) {
		for i := range ctx {
			ctx[i] = 0xFF
		}
		return matcher.NoOpMatcher{}.ProposeExecution(call, ctx)
	}))
	ctx := make([]byte, 8)
	if _, err := reg.Execute(prog, ctx, baseCall, matcher.Limits{}, 0); err != nil {
		t.Fatal(err)
	}
	if ctx[0] != 0 {
		t.Error("matcher wrote through to the caller's context")
	}
}

func TestRegistryContextBinding(t *testing.T) {
	reg := matcher.NewRegistry()
	prog := solana.NewWallet().PublicKey()
	key := solana.NewWallet().PublicKey()

	if _, _, ok := reg.Context(key); ok {
		t.Fatal("unbound context found")
	}
	data := []byte{1, 2, 3}
	reg.BindContext(key, prog, data)
	data[0] = 9

	owner, got, ok := reg.Context(key)
	if !ok || owner != prog || string(got) != "\x01\x02\x03" {
		t.Fatalf("context = %s %v %v", owner, got, ok)
	}
	got[1] = 9
	if _, again, _ := reg.Context(key); again[1] != 2 {
		t.Error("caller mutated the bound context")
	}
}

// Whatever bytes an adversarial matcher returns, an accepted execution is
// bounded by the request and echoes the call.
func TestAdversarialReturnsBounded(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		call := matcher.Call{
			ReqID:         rapid.Uint64().Draw(rt, "req_id"),
			LPAccountID:   rapid.Uint64Range(0, 3).Draw(rt, "lp_id"),
			OraclePriceE6: rapid.Uint64Range(1, 3).Draw(rt, "oracle"),
			ReqSize:       rapid.Int64Range(-1_000, 1_000).Draw(rt, "req"),
		}
		ret := matcher.Return{
			ABIVersion:    rapid.Uint32Range(0, 2).Draw(rt, "ver"),
			Flags:         rapid.Uint32Range(0, 7).Draw(rt, "flags"),
			ExecPriceE6:   rapid.Uint64Range(0, 5).Draw(rt, "price"),
			ExecSize:      rapid.Int64Range(-2_000, 2_000).Draw(rt, "exec"),
			ReqID:         call.ReqID + rapid.Uint64Range(0, 1).Draw(rt, "id_skew"),
			LPAccountID:   rapid.Uint64Range(0, 3).Draw(rt, "ret_lp"),
			OraclePriceE6: rapid.Uint64Range(1, 3).Draw(rt, "ret_oracle"),
			Reserved:      rapid.Uint64Range(0, 1).Draw(rt, "reserved"),
		}
		got, err := matcher.Validate(ret, call, matcher.Limits{}, 0)
		if err != nil {
			if !errors.Is(err, riskerr.ErrMatcherProtocol) {
				rt.Fatalf("rejection outside protocol class: %v", err)
			}
			return
		}
		if fpmath.UnsignedAbs(got.Size) > fpmath.UnsignedAbs(call.ReqSize) {
			rt.Fatalf("accepted %d for request %d", got.Size, call.ReqSize)
		}
		if got.Size != 0 && (got.Size > 0) != (call.ReqSize > 0) {
			rt.Fatalf("accepted sign flip %d for %d", got.Size, call.ReqSize)
		}
		if got.PriceE6 == 0 || ret.ReqID != call.ReqID || ret.LPAccountID != call.LPAccountID || ret.Reserved != 0 {
			rt.Fatalf("accepted non-echoing return %+v for %+v", ret, call)
		}
	})
}

func FuzzDecodeReturn(f *testing.F) {
	f.Add(validReturn(baseCall).Encode())
	f.Add([]byte{1, 0, 0, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		ret, err := matcher.DecodeReturn(data)
		if err != nil {
			return
		}
		if len(data) >= matcher.ReturnLen {
			again, err := matcher.DecodeReturn(ret.Encode())
			if err != nil || again != ret {
				t.Fatalf("re-decode mismatch: %+v vs %+v (%v)", again, ret, err)
			}
		}
	})
}

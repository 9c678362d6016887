package matcher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	fpmath "Percolator/internal/math"
	"Percolator/internal/riskerr"

	"github.com/gagliardetto/solana-go"
)

// Matcher is an external pricing program. It receives the encoded call and
// the LP's context account data and writes back an encoded return.
type Matcher interface {
	ProposeExecution(call []byte, ctx []byte) ([]byte, error)
}

// Func adapts a plain function to the Matcher interface.
type Func func(call []byte, ctx []byte) ([]byte, error)

func (f Func) ProposeExecution(call []byte, ctx []byte) ([]byte, error) {
	return f(call, ctx)
}

// NoOpMatcher fills the full request at the oracle price.
type NoOpMatcher struct{}

func (NoOpMatcher) ProposeExecution(call []byte, _ []byte) ([]byte, error) {
	c, err := DecodeCall(call)
	if err != nil {
		return nil, err
	}
	return echo(c, FlagValid, c.OraclePriceE6, c.ReqSize).Encode(), nil
}

func echo(c Call, flags uint32, priceE6 uint64, size int64) Return {
	return Return{
		ABIVersion:    ABIVersion,
		Flags:         flags,
		ExecPriceE6:   priceE6,
		ExecSize:      size,
		ReqID:         c.ReqID,
		LPAccountID:   c.LPAccountID,
		OraclePriceE6: c.OraclePriceE6,
	}
}

// ============================================================================
// vAMM
// ============================================================================

const vammMagic uint64 = 0x4d4d4156434f4c50 // "PLOCVAMM"

// VAMMParams are read from the LP's matcher context account.
type VAMMParams struct {
	SpreadBps      uint64
	FeeBps         uint64
	LiquidityUnits uint64 // size that moves the price by 100%; 0 = no impact
	MaxImpactBps   uint64
	MaxFillAbs     uint64 // 0 = unlimited
}

// EncodeVAMMContext writes params into a context buffer of ctxLen bytes.
func EncodeVAMMContext(p VAMMParams, ctxLen int) []byte {
	b := make([]byte, ctxLen)
	binary.LittleEndian.PutUint64(b[0:], vammMagic)
	binary.LittleEndian.PutUint64(b[8:], p.SpreadBps)
	binary.LittleEndian.PutUint64(b[16:], p.FeeBps)
	binary.LittleEndian.PutUint64(b[24:], p.LiquidityUnits)
	binary.LittleEndian.PutUint64(b[32:], p.MaxImpactBps)
	binary.LittleEndian.PutUint64(b[40:], p.MaxFillAbs)
	return b
}

func decodeVAMMContext(b []byte) (VAMMParams, bool) {
	if len(b) < 48 || binary.LittleEndian.Uint64(b[0:]) != vammMagic {
		return VAMMParams{}, false
	}
	return VAMMParams{
		SpreadBps:      binary.LittleEndian.Uint64(b[8:]),
		FeeBps:         binary.LittleEndian.Uint64(b[16:]),
		LiquidityUnits: binary.LittleEndian.Uint64(b[24:]),
		MaxImpactBps:   binary.LittleEndian.Uint64(b[32:]),
		MaxFillAbs:     binary.LittleEndian.Uint64(b[40:]),
	}, true
}

// VAMM quotes around the oracle price with spread, fee and linear size
// impact. Fills above MaxFillAbs are cut down and flagged partial. An
// uninitialized context is answered with a rejection.
type VAMM struct{}

func (VAMM) ProposeExecution(call []byte, ctx []byte) ([]byte, error) {
	c, err := DecodeCall(call)
	if err != nil {
		return nil, err
	}
	p, ok := decodeVAMMContext(ctx)
	if !ok {
		return echo(c, FlagValid|FlagRejected, c.OraclePriceE6, 0).Encode(), nil
	}

	size := c.ReqSize
	flags := FlagValid
	if p.MaxFillAbs > 0 && fpmath.UnsignedAbs(size) > p.MaxFillAbs {
		size = fpmath.ClampToInt64(p.MaxFillAbs)
		if c.ReqSize < 0 {
			size = -size
		}
		flags |= FlagPartialOK
	}

	var impact uint64
	if p.LiquidityUnits > 0 {
		impact = fpmath.MulDivU(fpmath.UnsignedAbs(size), fpmath.BpsScale, p.LiquidityUnits, fpmath.RoundUp)
		if p.MaxImpactBps > 0 {
			impact = fpmath.MinU(impact, p.MaxImpactBps)
		}
	}
	skew := fpmath.SatAddU(fpmath.SatAddU(p.SpreadBps, p.FeeBps), impact)

	var price uint64
	if size > 0 {
		price = fpmath.MulDivU(c.OraclePriceE6, fpmath.SatAddU(fpmath.BpsScale, skew), fpmath.BpsScale, fpmath.RoundUp)
	} else {
		price = fpmath.MulDivU(c.OraclePriceE6, fpmath.SatSubU(fpmath.BpsScale, skew), fpmath.BpsScale, fpmath.RoundDown)
	}
	if price == 0 {
		return echo(c, FlagValid|FlagRejected, c.OraclePriceE6, 0).Encode(), nil
	}
	return echo(c, flags, price, size).Encode(), nil
}

// ============================================================================
// Registry
// ============================================================================

var errUnknownProgram = errors.New("no matcher registered for program")

// Registry maps matcher program identities to implementations and holds
// the context accounts bound to them.
type Registry struct {
	mu       sync.RWMutex
	programs map[solana.PublicKey]Matcher
	contexts map[solana.PublicKey]boundContext
}

type boundContext struct {
	program solana.PublicKey
	data    []byte
}

func NewRegistry() *Registry {
	return &Registry{
		programs: make(map[solana.PublicKey]Matcher),
		contexts: make(map[solana.PublicKey]boundContext),
	}
}

// BindContext records data as the content of context account key, owned
// by program. A later bind replaces it.
func (r *Registry) BindContext(key, program solana.PublicKey, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[key] = boundContext{program: program, data: append([]byte(nil), data...)}
}

// Context returns the owner and a copy of the data of a bound context.
func (r *Registry) Context(key solana.PublicKey) (program solana.PublicKey, data []byte, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contexts[key]
	if !ok {
		return solana.PublicKey{}, nil, false
	}
	return c.program, append([]byte(nil), c.data...), true
}

func (r *Registry) Register(program solana.PublicKey, m Matcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.programs[program] = m
}

func (r *Registry) Lookup(program solana.PublicKey) (Matcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.programs[program]
	return m, ok
}

// Execute performs one bridged sub-call: encode, invoke, decode, validate.
// Any failure of the matcher itself surfaces as a protocol violation.
func (r *Registry) Execute(program solana.PublicKey, ctx []byte, call Call, limits Limits, lpPos int64) (Accepted, error) {
	m, ok := r.Lookup(program)
	if !ok {
		return Accepted{}, fmt.Errorf("%w: %v %s", riskerr.ErrMatcherCallFailed, errUnknownProgram, program)
	}
	out, err := invoke(m, call.Encode(), ctx)
	if err != nil {
		return Accepted{}, fmt.Errorf("%w: %v", riskerr.ErrMatcherCallFailed, err)
	}
	ret, err := DecodeReturn(out)
	if err != nil {
		return Accepted{}, err
	}
	return Validate(ret, call, limits, lpPos)
}

// invoke isolates the sub-call so a panicking matcher fails the trade
// instead of the controller.
func invoke(m Matcher, call, ctx []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("matcher panic: %v", r)
		}
	}()
	ctxCopy := append([]byte(nil), ctx...)
	return m.ProposeExecution(call, ctxCopy)
}

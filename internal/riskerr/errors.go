// Package riskerr defines the rejection taxonomy of the slab engine.
//
// Every rejection is one of a small set of classes. Specific errors wrap
// their class, so callers match with errors.Is against either the specific
// error or the class.
package riskerr

import (
	"errors"
	"fmt"
)

// Error classes
var (
	ErrStaleInput             = errors.New("stale input")
	ErrInvalidConfig          = errors.New("invalid config")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrMarginExceeded         = errors.New("margin exceeded")
	ErrNotLiquidatable        = errors.New("not liquidatable")
	ErrInvalidIndex           = errors.New("invalid index")
	ErrMatcherProtocol        = errors.New("matcher protocol violation")
	ErrReplayOrNonce          = errors.New("replay or nonce violation")
	ErrResidualBalanceOnClose = errors.New("residual balance on close")
	ErrAccountShape           = errors.New("account shape mismatch")
	ErrOracleInvalid          = errors.New("oracle invalid")
	ErrOracleLowConfidence    = errors.New("oracle low confidence")
	ErrInsufficientBalance    = errors.New("insufficient balance")
)

// Oracle
var (
	ErrOracleStale = fmt.Errorf("%w: oracle price older than staleness window", ErrStaleInput)
	ErrCrankStale  = fmt.Errorf("%w: crank older than staleness window", ErrStaleInput)
	ErrSlotRegress = fmt.Errorf("%w: slot moved backwards", ErrStaleInput)
)

// Config and header
var (
	ErrSlabInert          = fmt.Errorf("%w: slab header magic or version mismatch", ErrInvalidConfig)
	ErrAlreadyInitialized = fmt.Errorf("%w: slab already initialized", ErrInvalidConfig)
	ErrInvalidInstruction = fmt.Errorf("%w: malformed instruction data", ErrInvalidConfig)
)

// Authorization
var (
	ErrMissingSigner     = fmt.Errorf("%w: expected signer did not sign", ErrUnauthorized)
	ErrOwnerMismatch     = fmt.Errorf("%w: account owner mismatch", ErrUnauthorized)
	ErrAdminMismatch     = fmt.Errorf("%w: admin mismatch or admin burned", ErrUnauthorized)
	ErrPDAMismatch       = fmt.Errorf("%w: program-derived address mismatch", ErrUnauthorized)
	ErrPDANotEmpty       = fmt.Errorf("%w: derived signer must be system-owned and empty", ErrUnauthorized)
	ErrMatcherIdentity   = fmt.Errorf("%w: matcher program or context not bound to this LP", ErrUnauthorized)
	ErrMatcherShape      = fmt.Errorf("%w: matcher program or context has invalid shape", ErrUnauthorized)
	ErrHyperpDirectTrade = fmt.Errorf("%w: direct trading disabled without an external oracle", ErrUnauthorized)
	ErrOracleAuthority   = fmt.Errorf("%w: oracle authority mismatch", ErrUnauthorized)
	ErrAccountKind       = fmt.Errorf("%w: account kind mismatch", ErrUnauthorized)
)

// Margin
var (
	ErrInsufficientMargin = fmt.Errorf("%w: equity below required margin", ErrMarginExceeded)
	ErrRiskReductionOnly  = fmt.Errorf("%w: risk-reduction-only mode", ErrMarginExceeded)
	ErrLPLimitExceeded    = fmt.Errorf("%w: LP inventory limit exceeded", ErrMarginExceeded)
	ErrZeroSize           = fmt.Errorf("%w: trade size must be non-zero", ErrMarginExceeded)
)

// Ledger
var (
	ErrLedgerFull    = fmt.Errorf("%w: no free account slot", ErrInvalidIndex)
	ErrUnusedAccount = fmt.Errorf("%w: account slot not in use", ErrInvalidIndex)
	ErrSelfTrade     = fmt.Errorf("%w: user and LP must differ", ErrInvalidIndex)
)

// Matcher response
var (
	ErrMatcherABIVersion   = fmt.Errorf("%w: abi version", ErrMatcherProtocol)
	ErrMatcherNotValid     = fmt.Errorf("%w: valid flag not set", ErrMatcherProtocol)
	ErrMatcherRejected     = fmt.Errorf("%w: rejected flag set", ErrMatcherProtocol)
	ErrMatcherZeroPrice    = fmt.Errorf("%w: zero execution price", ErrMatcherProtocol)
	ErrMatcherReserved     = fmt.Errorf("%w: reserved field not zero", ErrMatcherProtocol)
	ErrMatcherLPAccount    = fmt.Errorf("%w: echoed LP account id mismatch", ErrMatcherProtocol)
	ErrMatcherOraclePrice  = fmt.Errorf("%w: echoed oracle price mismatch", ErrMatcherProtocol)
	ErrMatcherZeroSize     = fmt.Errorf("%w: zero size without partial-ok", ErrMatcherProtocol)
	ErrMatcherSizeExceeded = fmt.Errorf("%w: execution size exceeds request", ErrMatcherProtocol)
	ErrMatcherSignMismatch = fmt.Errorf("%w: execution size sign mismatch", ErrMatcherProtocol)
	ErrMatcherFillLimit    = fmt.Errorf("%w: execution size exceeds LP fill limit", ErrMatcherProtocol)
	ErrMatcherShortReturn  = fmt.Errorf("%w: response buffer too short", ErrMatcherProtocol)
	ErrMatcherCallFailed   = fmt.Errorf("%w: matcher sub-call failed", ErrMatcherProtocol)
	ErrMatcherStaleNonce   = fmt.Errorf("%w: %w: echoed request id does not match nonce", ErrMatcherProtocol, ErrReplayOrNonce)
)

// Close
var (
	ErrPositionOpen  = fmt.Errorf("%w: position still open", ErrResidualBalanceOnClose)
	ErrPendingPnL    = fmt.Errorf("%w: pending PnL not yet converted", ErrResidualBalanceOnClose)
	ErrVaultNotEmpty = fmt.Errorf("%w: vault still holds value", ErrResidualBalanceOnClose)
	ErrAccountsInUse = fmt.Errorf("%w: accounts still in use", ErrResidualBalanceOnClose)
)

var ErrDuplicateRequest = fmt.Errorf("%w: request already processed", ErrReplayOrNonce)

var classCodes = []struct {
	class error
	code  string
}{
	{ErrStaleInput, "stale_input"},
	{ErrInvalidConfig, "invalid_config"},
	{ErrUnauthorized, "unauthorized"},
	{ErrMarginExceeded, "margin_exceeded"},
	{ErrNotLiquidatable, "not_liquidatable"},
	{ErrInvalidIndex, "invalid_index"},
	{ErrMatcherProtocol, "matcher_protocol_violation"},
	{ErrReplayOrNonce, "replay_or_nonce_violation"},
	{ErrResidualBalanceOnClose, "residual_balance_on_close"},
	{ErrAccountShape, "account_shape"},
	{ErrOracleInvalid, "oracle_invalid"},
	{ErrOracleLowConfidence, "oracle_low_confidence"},
	{ErrInsufficientBalance, "insufficient_balance"},
}

// Code returns a stable, low-cardinality label for err.
// Matcher errors that are also nonce errors report the matcher class.
func Code(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range classCodes {
		if errors.Is(err, c.class) {
			return c.code
		}
	}
	return "internal"
}

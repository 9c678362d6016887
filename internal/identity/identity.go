// Package identity validates the caller-supplied account set of an
// instruction: signers, writability, program-derived addresses and the
// matcher binding of an LP.
package identity

import (
	"encoding/binary"
	"fmt"

	"Percolator/internal/riskerr"

	"github.com/gagliardetto/solana-go"
)

// MatcherContextLen is the minimum size of a matcher context account.
const MatcherContextLen = 320

// PDA seed prefixes
const (
	VaultSeed = "vault"
	LPSeed    = "lp"
)

// AccountInfo is one entry of the account list passed with an instruction.
type AccountInfo struct {
	Key        solana.PublicKey
	Owner      solana.PublicKey
	IsSigner   bool
	IsWritable bool
	Executable bool
	Lamports   uint64
	Data       []byte
}

// ExpectLen checks that exactly n accounts were supplied.
func ExpectLen(accounts []AccountInfo, n int) error {
	if len(accounts) != n {
		return fmt.Errorf("%w: expected %d accounts, got %d", riskerr.ErrAccountShape, n, len(accounts))
	}
	return nil
}

// ExpectSigner checks that the account signed the instruction.
func ExpectSigner(a AccountInfo) error {
	if !a.IsSigner {
		return fmt.Errorf("%w: %s", riskerr.ErrMissingSigner, a.Key)
	}
	return nil
}

// ExpectWritable checks that the account was passed writable.
func ExpectWritable(a AccountInfo) error {
	if !a.IsWritable {
		return fmt.Errorf("%w: %s not writable", riskerr.ErrAccountShape, a.Key)
	}
	return nil
}

// ExpectKey checks that the account is the expected one.
func ExpectKey(a AccountInfo, want solana.PublicKey) error {
	if !a.Key.Equals(want) {
		return fmt.Errorf("%w: got %s, want %s", riskerr.ErrAccountShape, a.Key, want)
	}
	return nil
}

// OwnerOK reports whether the stored owner equals the signer.
func OwnerOK(stored, signer solana.PublicKey) bool {
	return stored.Equals(signer)
}

// AdminOK reports whether signer may act as admin. An all-zero admin is
// burned and disables every admin operation.
func AdminOK(admin, signer solana.PublicKey) bool {
	return !admin.IsZero() && admin.Equals(signer)
}

// ExpectOwner checks a signer against the stored owner.
func ExpectOwner(stored solana.PublicKey, signer AccountInfo) error {
	if err := ExpectSigner(signer); err != nil {
		return err
	}
	if !OwnerOK(stored, signer.Key) {
		return fmt.Errorf("%w: %s", riskerr.ErrOwnerMismatch, signer.Key)
	}
	return nil
}

// ExpectAdmin checks a signer against the stored admin.
func ExpectAdmin(admin solana.PublicKey, signer AccountInfo) error {
	if err := ExpectSigner(signer); err != nil {
		return err
	}
	if !AdminOK(admin, signer.Key) {
		return riskerr.ErrAdminMismatch
	}
	return nil
}

// DeriveVaultAuthority returns the PDA that owns the collateral vault.
func DeriveVaultAuthority(programID, slab solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte(VaultSeed), slab.Bytes()}, programID)
}

// DeriveLPAuthority returns the PDA that signs matcher calls for an LP.
func DeriveLPAuthority(programID, slab solana.PublicKey, lpIdx uint16) (solana.PublicKey, uint8, error) {
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], lpIdx)
	return solana.FindProgramAddress([][]byte{[]byte(LPSeed), slab.Bytes(), idx[:]}, programID)
}

// ExpectPDA checks a supplied address against the independently derived one.
func ExpectPDA(a AccountInfo, derived solana.PublicKey) error {
	if !a.Key.Equals(derived) {
		return fmt.Errorf("%w: got %s, want %s", riskerr.ErrPDAMismatch, a.Key, derived)
	}
	return nil
}

// ExpectSystemEmpty checks that a synthesized signing identity carries no
// data and no lamports and is owned by the system program.
func ExpectSystemEmpty(a AccountInfo) error {
	if !a.Owner.Equals(solana.SystemProgramID) || len(a.Data) != 0 || a.Lamports != 0 {
		return fmt.Errorf("%w: %s", riskerr.ErrPDANotEmpty, a.Key)
	}
	return nil
}

// MatcherShapeOK reports whether the program/context pair looks like a
// matcher: executable program, non-executable context owned by the program
// with room for the return buffer.
func MatcherShapeOK(program, context AccountInfo) bool {
	if !program.Executable {
		return false
	}
	if context.Executable {
		return false
	}
	if !context.Owner.Equals(program.Key) {
		return false
	}
	return len(context.Data) >= MatcherContextLen
}

// MatcherIdentityOK reports whether the supplied pair equals the bound pair.
func MatcherIdentityOK(boundProgram, boundContext solana.PublicKey, program, context AccountInfo) bool {
	return boundProgram.Equals(program.Key) && boundContext.Equals(context.Key)
}

// ExpectMatcher runs the identity check and then the shape check.
func ExpectMatcher(boundProgram, boundContext solana.PublicKey, program, context AccountInfo) error {
	if !MatcherIdentityOK(boundProgram, boundContext, program, context) {
		return riskerr.ErrMatcherIdentity
	}
	if !MatcherShapeOK(program, context) {
		return riskerr.ErrMatcherShape
	}
	return nil
}

// CrankAuthorized reports whether signer may crank on behalf of callerIdx.
// A caller index that names no live account is permissionless.
func CrankAuthorized(accountExists bool, owner, signer solana.PublicKey) bool {
	if !accountExists {
		return true
	}
	return owner.Equals(signer)
}

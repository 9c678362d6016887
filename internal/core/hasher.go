package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const GenesisHashSeed = "Percolator:genesis:v1"

// StateHasher chains slab digests into a tamper-evident sequence.
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before any instruction is committed.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || slab_bytes)
func (h *StateHasher) ComputeHash(sequence int64, slabBytes []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(slabBytes)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))

	h.prevHash = hash

	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// Reset moves the chain tip, used when restoring from a snapshot.
func (h *StateHasher) Reset(tip [32]byte) {
	h.prevHash = tip
}

package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the size, in bytes, of all content digests on the chain.
const HashSize = blake2b.Size256

// BlockHash is the content hash identifying a block header.
type BlockHash [HashSize]byte

// OperationsHash is the hash of one operations list (one validation pass).
type OperationsHash [HashSize]byte

// ContextHash identifies the protocol-state snapshot produced by applying
// a block.
type ContextHash [HashSize]byte

// NewBlockHash hashes raw bytes into a BlockHash.
func NewBlockHash(bz []byte) BlockHash {
	return BlockHash(blake2b.Sum256(bz))
}

// NewOperationsHash hashes raw bytes into an OperationsHash.
func NewOperationsHash(bz []byte) OperationsHash {
	return OperationsHash(blake2b.Sum256(bz))
}

// BlockHashFromBytes converts a byte slice into a BlockHash, erroring on
// length mismatch.
func BlockHashFromBytes(bz []byte) (BlockHash, error) {
	var h BlockHash
	if len(bz) != HashSize {
		return h, fmt.Errorf("wrong block hash size: got %d, want %d", len(bz), HashSize)
	}
	copy(h[:], bz)
	return h, nil
}

func (h BlockHash) Bytes() []byte  { return h[:] }
func (h BlockHash) IsZero() bool   { return h == BlockHash{} }
func (h BlockHash) String() string { return hex.EncodeToString(h[:8]) }

func (h OperationsHash) Bytes() []byte  { return h[:] }
func (h OperationsHash) IsZero() bool   { return h == OperationsHash{} }
func (h OperationsHash) String() string { return hex.EncodeToString(h[:8]) }

func (h ContextHash) Bytes() []byte  { return h[:] }
func (h ContextHash) IsZero() bool   { return h == ContextHash{} }
func (h ContextHash) String() string { return hex.EncodeToString(h[:8]) }

// Fitness is the protocol-defined total-order weight of a chain. It is a
// sequence of byte strings compared element-wise, shorter sequences first.
type Fitness [][]byte

// Compare returns -1, 0 or 1 if f is respectively lower than, equal to or
// greater than other.
func (f Fitness) Compare(other Fitness) int {
	if len(f) != len(other) {
		if len(f) < len(other) {
			return -1
		}
		return 1
	}
	for i := range f {
		if c := bytes.Compare(f[i], other[i]); c != 0 {
			return c
		}
	}
	return 0
}

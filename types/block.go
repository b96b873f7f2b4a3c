package types

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ChainID identifies the network and hence the genesis/protocol parameters
// this node follows.
type ChainID string

// BlockHeader is an immutable block header. Its identity is the blake2b
// hash of its canonical encoding. Headers are created upon receipt from a
// peer (or local production) and never mutated afterwards.
type BlockHeader struct {
	ChainID          ChainID          `cbor:"1,keyasint"`
	Level            int64            `cbor:"2,keyasint"`
	Predecessor      BlockHash        `cbor:"3,keyasint"`
	Timestamp        time.Time        `cbor:"4,keyasint"`
	ValidationPasses uint8            `cbor:"5,keyasint"`
	OperationsHashes []OperationsHash `cbor:"6,keyasint"`
	Fitness          Fitness          `cbor:"7,keyasint"`
	ProtocolData     []byte           `cbor:"8,keyasint"`
	Signature        []byte           `cbor:"9,keyasint"`
}

// Hash returns the content hash of the header.
func (h *BlockHeader) Hash() BlockHash {
	bz, err := MarshalCBOR(h)
	if err != nil {
		panic(fmt.Errorf("encoding block header for hashing: %w", err))
	}
	return NewBlockHash(bz)
}

// ValidateBasic performs stateless structural checks on the header.
func (h *BlockHeader) ValidateBasic() error {
	if h.ChainID == "" {
		return errors.New("empty chain id")
	}
	if h.Level < 0 {
		return fmt.Errorf("negative level %d", h.Level)
	}
	if h.Level > 0 && h.Predecessor.IsZero() {
		return errors.New("non-genesis header with zero predecessor")
	}
	if h.Timestamp.IsZero() {
		return errors.New("zero timestamp")
	}
	if int(h.ValidationPasses) != len(h.OperationsHashes) {
		return fmt.Errorf("validation passes (%d) do not match operations hashes (%d)",
			h.ValidationPasses, len(h.OperationsHashes))
	}
	return nil
}

// IsGenesis reports whether the header is the genesis block of its chain.
func (h *BlockHeader) IsGenesis() bool { return h.Level == 0 }

// OperationsList is the ordered operations of one (block, validation pass)
// pair. It is owned by the block it belongs to and only ever stored once a
// matching header exists.
type OperationsList struct {
	Block      BlockHash `cbor:"1,keyasint"`
	Pass       uint8     `cbor:"2,keyasint"`
	Operations [][]byte  `cbor:"3,keyasint"`
}

// Hash returns the hash of the operations content, independent of the
// block/pass position so it can be checked against the header's declared
// hash for that pass.
func (ol *OperationsList) Hash() OperationsHash {
	bz, err := MarshalCBOR(ol.Operations)
	if err != nil {
		panic(fmt.Errorf("encoding operations for hashing: %w", err))
	}
	return NewOperationsHash(bz)
}

// ValidateBasic performs stateless structural checks on an operations list.
func (ol *OperationsList) ValidateBasic() error {
	if ol.Block.IsZero() {
		return errors.New("operations list with zero block hash")
	}
	return nil
}

// Block bundles a header with the operations of all its validation passes,
// ready for application. Operations are indexed by pass.
type Block struct {
	Header     *BlockHeader
	Operations []*OperationsList
}

// Complete reports whether every validation pass declared by the header
// has a matching operations list.
func (b *Block) Complete() bool {
	if len(b.Operations) != int(b.Header.ValidationPasses) {
		return false
	}
	for i, ops := range b.Operations {
		if ops == nil || ops.Hash() != b.Header.OperationsHashes[i] {
			return false
		}
	}
	return true
}

// MakeGenesisContext deterministically derives the context snapshot hash
// of the genesis block. The engine's empty context for a chain is defined
// to be this value.
func MakeGenesisContext(chainID ChainID) ContextHash {
	sum := blake2b.Sum256([]byte("genesis-context/" + string(chainID)))
	return ContextHash(sum)
}

// MakeGenesisHeader deterministically constructs the genesis header for a
// network. All nodes on the same network derive the same genesis hash.
func MakeGenesisHeader(chainID ChainID, genesisTime time.Time) *BlockHeader {
	return &BlockHeader{
		ChainID:          chainID,
		Level:            0,
		Timestamp:        genesisTime.UTC(),
		ValidationPasses: 0,
		Fitness:          Fitness{},
	}
}

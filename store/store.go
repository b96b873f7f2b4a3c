package store

import (
	"errors"
	"fmt"
	"time"

	dbm "github.com/tendermint/tm-db"

	"github.com/stela-net/stela/types"
)

/*
BlockStore is the durable persistence layer of the sync pipeline, built
atop an ordered key-value store with atomic batch writes.

There are five kinds of information stored:
 - Header:      block headers, keyed by hash, write-once on receipt
 - Operations:  operations lists, keyed by (hash, pass), write-once,
                only accepted once a matching header exists
 - ApplyMeta:   application metadata for applied blocks, write-once
 - ContextHead: context snapshot hash per applied block, write-once
 - ChainState:  the single mutable record per chain id

The commit of one block application (apply meta, context head, level
index, chain state) is issued as a single atomic batch: either all of it
becomes visible or none of it does, so the head pointer never references
a block whose operations or context are not durable.

Load methods return nil (or ok=false) when the requested record is
absent and panic on data that fails to decode, indicating probable
corruption on disk.
*/
type BlockStore struct {
	db dbm.DB
}

// ApplyMeta is the application metadata recorded for a block once the
// validation engine has accepted it.
type ApplyMeta struct {
	Level     int64     `cbor:"1,keyasint"`
	AppliedAt time.Time `cbor:"2,keyasint"`
	Results   [][]byte  `cbor:"3,keyasint"`
}

// ErrNotFound is returned by commit paths that require a record which is
// not durable yet.
var ErrNotFound = errors.New("store: not found")

// NewBlockStore returns a BlockStore backed by the given database.
func NewBlockStore(db dbm.DB) *BlockStore {
	return &BlockStore{db: db}
}

// SaveHeader persists a block header on receipt. Saving the same header
// twice is a no-op; headers are write-once and immutable.
func (bs *BlockStore) SaveHeader(header *types.BlockHeader) error {
	hash := header.Hash()
	ok, err := bs.db.Has(headerKey(hash))
	if err != nil {
		return fmt.Errorf("checking header %v: %w", hash, err)
	}
	if ok {
		return nil
	}

	bz, err := types.MarshalCBOR(header)
	if err != nil {
		return fmt.Errorf("encoding header %v: %w", hash, err)
	}

	batch := bs.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(headerKey(hash), bz); err != nil {
		return err
	}
	// secondary index so headers can be walked by level on restart
	if err := batch.Set(headerLevelKey(header.Level, hash), []byte{}); err != nil {
		return err
	}
	return batch.WriteSync()
}

// HasHeader reports whether a header is durable.
func (bs *BlockStore) HasHeader(hash types.BlockHash) bool {
	ok, err := bs.db.Has(headerKey(hash))
	if err != nil {
		panic(err)
	}
	return ok
}

// LoadHeader returns the header with the given hash, or nil if absent.
func (bs *BlockStore) LoadHeader(hash types.BlockHash) *types.BlockHeader {
	bz, err := bs.db.Get(headerKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}

	header := new(types.BlockHeader)
	if err := types.UnmarshalCBOR(bz, header); err != nil {
		panic(fmt.Errorf("decoding header %v: %w", hash, err))
	}
	return header
}

// SaveOperations persists one validation pass of operations. The matching
// header must already be durable; operations are owned by their block.
func (bs *BlockStore) SaveOperations(ops *types.OperationsList) error {
	if !bs.HasHeader(ops.Block) {
		return fmt.Errorf("operations for unknown block %v: %w", ops.Block, ErrNotFound)
	}

	bz, err := types.MarshalCBOR(ops)
	if err != nil {
		return fmt.Errorf("encoding operations %v/%d: %w", ops.Block, ops.Pass, err)
	}
	return bs.db.SetSync(operationsKey(ops.Block, ops.Pass), bz)
}

// LoadOperations returns the operations of one pass, or nil if absent.
func (bs *BlockStore) LoadOperations(hash types.BlockHash, pass uint8) *types.OperationsList {
	bz, err := bs.db.Get(operationsKey(hash, pass))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}

	ops := new(types.OperationsList)
	if err := types.UnmarshalCBOR(bz, ops); err != nil {
		panic(fmt.Errorf("decoding operations %v/%d: %w", hash, pass, err))
	}
	return ops
}

// LoadBlock assembles the header and all operations passes for a block.
// It returns nil if the header is absent or any pass is missing.
func (bs *BlockStore) LoadBlock(hash types.BlockHash) *types.Block {
	header := bs.LoadHeader(hash)
	if header == nil {
		return nil
	}

	block := &types.Block{
		Header:     header,
		Operations: make([]*types.OperationsList, header.ValidationPasses),
	}
	for pass := uint8(0); pass < header.ValidationPasses; pass++ {
		ops := bs.LoadOperations(hash, pass)
		if ops == nil {
			return nil
		}
		block.Operations[pass] = ops
	}
	return block
}

// Commit durably records one block application as a single atomic batch:
// apply metadata, context head, the canonical level index entry and the
// advanced chain state. The header and all operations must already be
// durable; Commit re-checks this so a head can never reference a block
// that is only partially present.
func (bs *BlockStore) Commit(
	block *types.Block,
	meta ApplyMeta,
	contextHash types.ContextHash,
	newState types.ChainState,
) error {
	hash := block.Header.Hash()

	if !block.Complete() {
		return fmt.Errorf("committing incomplete block %v", hash)
	}
	if !bs.HasHeader(hash) {
		return fmt.Errorf("committing block %v without durable header: %w", hash, ErrNotFound)
	}
	for pass := uint8(0); pass < block.Header.ValidationPasses; pass++ {
		ok, err := bs.db.Has(operationsKey(hash, pass))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("committing block %v without durable operations pass %d: %w",
				hash, pass, ErrNotFound)
		}
	}
	if newState.HeadHash != hash || newState.HeadLevel != block.Header.Level {
		return fmt.Errorf("chain state head %v/%d does not match committed block %v/%d",
			newState.HeadHash, newState.HeadLevel, hash, block.Header.Level)
	}
	if err := newState.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid chain state: %w", err)
	}

	metaBz, err := types.MarshalCBOR(meta)
	if err != nil {
		return fmt.Errorf("encoding apply meta: %w", err)
	}
	stateBz, err := types.MarshalCBOR(newState)
	if err != nil {
		return fmt.Errorf("encoding chain state: %w", err)
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(applyMetaKey(hash), metaBz); err != nil {
		return err
	}
	if err := batch.Set(contextHeadKey(hash), contextHash.Bytes()); err != nil {
		return err
	}
	if err := batch.Set(levelKey(block.Header.Level), hash.Bytes()); err != nil {
		return err
	}
	if err := batch.Set(chainStateKey(newState.ChainID), stateBz); err != nil {
		return err
	}
	return batch.WriteSync()
}

// LoadApplyMeta returns the application metadata for a block, or ok=false
// if the block has not been applied.
func (bs *BlockStore) LoadApplyMeta(hash types.BlockHash) (ApplyMeta, bool) {
	var meta ApplyMeta
	bz, err := bs.db.Get(applyMetaKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return meta, false
	}
	if err := types.UnmarshalCBOR(bz, &meta); err != nil {
		panic(fmt.Errorf("decoding apply meta %v: %w", hash, err))
	}
	return meta, true
}

// HasApplied reports whether application metadata exists for a block.
func (bs *BlockStore) HasApplied(hash types.BlockHash) bool {
	ok, err := bs.db.Has(applyMetaKey(hash))
	if err != nil {
		panic(err)
	}
	return ok
}

// LoadContextHead returns the context hash produced by applying the given
// block, or ok=false if the block has not been applied.
func (bs *BlockStore) LoadContextHead(hash types.BlockHash) (types.ContextHash, bool) {
	var ch types.ContextHash
	bz, err := bs.db.Get(contextHeadKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return ch, false
	}
	if len(bz) != types.HashSize {
		panic(fmt.Errorf("corrupt context head for %v: %d bytes", hash, len(bz)))
	}
	copy(ch[:], bz)
	return ch, true
}

// LoadChainState returns the chain state for a chain id, or ok=false for a
// fresh database.
func (bs *BlockStore) LoadChainState(chainID types.ChainID) (types.ChainState, bool) {
	var state types.ChainState
	bz, err := bs.db.Get(chainStateKey(chainID))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return state, false
	}
	if err := types.UnmarshalCBOR(bz, &state); err != nil {
		panic(fmt.Errorf("decoding chain state %q: %w", chainID, err))
	}
	return state, true
}

// SaveGenesis bootstraps a fresh database: the genesis header, its context
// head and the initial chain state, in one batch. It fails if a chain
// state already exists.
func (bs *BlockStore) SaveGenesis(genesis *types.BlockHeader, contextHash types.ContextHash) error {
	if _, ok := bs.LoadChainState(genesis.ChainID); ok {
		return fmt.Errorf("chain %q already initialized", genesis.ChainID)
	}

	hash := genesis.Hash()
	state := types.ChainState{
		ChainID:   genesis.ChainID,
		HeadHash:  hash,
		HeadLevel: genesis.Level,
	}

	headerBz, err := types.MarshalCBOR(genesis)
	if err != nil {
		return err
	}
	stateBz, err := types.MarshalCBOR(state)
	if err != nil {
		return err
	}

	batch := bs.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(headerKey(hash), headerBz); err != nil {
		return err
	}
	if err := batch.Set(headerLevelKey(genesis.Level, hash), []byte{}); err != nil {
		return err
	}
	if err := batch.Set(contextHeadKey(hash), contextHash.Bytes()); err != nil {
		return err
	}
	if err := batch.Set(levelKey(genesis.Level), hash.Bytes()); err != nil {
		return err
	}
	if err := batch.Set(chainStateKey(state.ChainID), stateBz); err != nil {
		return err
	}
	return batch.WriteSync()
}

// HashAtLevel returns the canonical (applied) block hash at a level, or
// ok=false if no block has been applied at that level.
func (bs *BlockStore) HashAtLevel(level int64) (types.BlockHash, bool) {
	var hash types.BlockHash
	bz, err := bs.db.Get(levelKey(level))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return hash, false
	}
	h, err := types.BlockHashFromBytes(bz)
	if err != nil {
		panic(fmt.Errorf("corrupt level index at %d: %w", level, err))
	}
	return h, true
}

// ReadyAbove walks durable-but-unapplied blocks that extend the given
// head, in level order. It is used on restart to recover blocks that were
// fully fetched before the process stopped, so they are re-derived from
// storage rather than re-requested from the network.
func (bs *BlockStore) ReadyAbove(state types.ChainState) ([]*types.Block, error) {
	var (
		ready    []*types.Block
		predHash = state.HeadHash
		level    = state.HeadLevel + 1
	)

	for {
		block, err := bs.completeBlockAt(level, predHash)
		if err != nil {
			return nil, err
		}
		if block == nil {
			return ready, nil
		}
		ready = append(ready, block)
		predHash = block.Header.Hash()
		level++
	}
}

// completeBlockAt finds a durable complete block at the given level whose
// predecessor matches, or nil if none exists.
func (bs *BlockStore) completeBlockAt(level int64, predecessor types.BlockHash) (*types.Block, error) {
	iter, err := bs.db.Iterator(headerLevelKey(level, types.BlockHash{}), headerLevelKeyUpper(level))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		_, hash, err := decodeHeaderLevelKey(iter.Key())
		if err != nil {
			panic(fmt.Errorf("corrupt header level index: %w", err))
		}
		header := bs.LoadHeader(hash)
		if header == nil || header.Predecessor != predecessor {
			continue
		}
		if block := bs.LoadBlock(hash); block != nil && block.Complete() {
			return block, nil
		}
	}
	return nil, iter.Error()
}

// Close closes the underlying database.
func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

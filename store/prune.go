package store

import (
	"fmt"

	dbm "github.com/tendermint/tm-db"

	"github.com/stela-net/stela/types"
)

// pruneBatchSize caps how many deletes are accumulated in one batch while
// pruning, so a large prune does not hold a giant batch in memory.
const pruneBatchSize = 1000

// PruneBelow removes headers, operations, apply metadata and context heads
// for canonical blocks strictly below the given level. It never touches
// the chain state record, so it can be interrupted or skipped without
// correctness loss. It returns the number of blocks pruned.
//
// The level must not exceed the chain's checkpoint; history at or above
// the checkpoint is needed to serve peers and to validate reorgs near the
// head.
func (bs *BlockStore) PruneBelow(level int64, state types.ChainState) (uint64, error) {
	if level <= 0 {
		return 0, nil
	}
	if level > state.Checkpoint {
		return 0, fmt.Errorf("prune level %d above checkpoint %d", level, state.Checkpoint)
	}

	var pruned uint64

	batch := bs.db.NewBatch()
	// batch is reassigned on every flush; close whichever is current
	defer func() { _ = batch.Close() }()

	flush := func() error {
		if err := batch.Write(); err != nil {
			return err
		}
		if err := batch.Close(); err != nil {
			return err
		}
		batch = bs.db.NewBatch()
		return nil
	}

	iter, err := bs.db.Iterator(levelKey(0), levelKey(level))
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var inBatch int
	for ; iter.Valid(); iter.Next() {
		blockLevel, err := decodeLevelKey(iter.Key())
		if err != nil {
			panic(fmt.Errorf("corrupt level index: %w", err))
		}
		hash, err := types.BlockHashFromBytes(iter.Value())
		if err != nil {
			panic(fmt.Errorf("corrupt level index at %d: %w", blockLevel, err))
		}

		if err := bs.deleteBlockData(batch, blockLevel, hash); err != nil {
			return pruned, err
		}
		pruned++
		inBatch++

		if inBatch >= pruneBatchSize {
			if err := flush(); err != nil {
				return pruned, err
			}
			inBatch = 0
		}
	}
	if err := iter.Error(); err != nil {
		return pruned, err
	}

	if err := batch.WriteSync(); err != nil {
		return pruned, err
	}
	return pruned, nil
}

func (bs *BlockStore) deleteBlockData(batch dbm.Batch, level int64, hash types.BlockHash) error {
	header := bs.LoadHeader(hash)
	if header != nil {
		for pass := uint8(0); pass < header.ValidationPasses; pass++ {
			if err := batch.Delete(operationsKey(hash, pass)); err != nil {
				return err
			}
		}
	}
	if err := batch.Delete(headerKey(hash)); err != nil {
		return err
	}
	if err := batch.Delete(headerLevelKey(level, hash)); err != nil {
		return err
	}
	if err := batch.Delete(applyMetaKey(hash)); err != nil {
		return err
	}
	if err := batch.Delete(contextHeadKey(hash)); err != nil {
		return err
	}
	return batch.Delete(levelKey(level))
}

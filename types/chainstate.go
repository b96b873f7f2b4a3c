package types

import (
	"errors"
	"fmt"
)

// ChainState is the mutable singleton per chain id: the current head and
// the checkpoint level below which history may be pruned. It is mutated
// exclusively by the apply pipeline as part of an atomic commit; everybody
// else works from snapshot copies.
type ChainState struct {
	ChainID    ChainID   `cbor:"1,keyasint"`
	HeadHash   BlockHash `cbor:"2,keyasint"`
	HeadLevel  int64     `cbor:"3,keyasint"`
	Checkpoint int64     `cbor:"4,keyasint"`
}

// ValidateBasic performs stateless structural checks on the chain state.
func (cs ChainState) ValidateBasic() error {
	if cs.ChainID == "" {
		return errors.New("empty chain id")
	}
	if cs.HeadLevel < 0 {
		return fmt.Errorf("negative head level %d", cs.HeadLevel)
	}
	if cs.Checkpoint < 0 || cs.Checkpoint > cs.HeadLevel {
		return fmt.Errorf("checkpoint %d outside [0, %d]", cs.Checkpoint, cs.HeadLevel)
	}
	if cs.HeadHash.IsZero() {
		return errors.New("zero head hash")
	}
	return nil
}

// Branch is a peer's claimed head plus enough sampled ancestry to compare
// against local history. History is ordered newest-first.
type Branch struct {
	Head    *BlockHeader `cbor:"1,keyasint"`
	History []BlockHash  `cbor:"2,keyasint"`
}

// MaxBranchHistory bounds how much ancestry a single advertisement may
// carry. Anything longer is a protocol violation.
const MaxBranchHistory = 256

// ValidateBasic performs stateless structural checks on a branch
// advertisement.
func (b *Branch) ValidateBasic() error {
	if b.Head == nil {
		return errors.New("branch without head")
	}
	if err := b.Head.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid branch head: %w", err)
	}
	if len(b.History) > MaxBranchHistory {
		return fmt.Errorf("branch history too long: %d > %d", len(b.History), MaxBranchHistory)
	}
	return nil
}

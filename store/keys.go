package store

import (
	"fmt"

	"github.com/google/orderedcode"

	"github.com/stela-net/stela/types"
)

// Key prefixes. These are unique across everything written to the node's
// database; changing them invalidates existing databases.
const (
	prefixHeader      = int64(0)
	prefixOperations  = int64(1)
	prefixApplyMeta   = int64(2)
	prefixContextHead = int64(3)
	prefixChainState  = int64(4)
	prefixLevel       = int64(5)
	prefixHeaderLevel = int64(6)
)

func headerKey(hash types.BlockHash) []byte {
	key, err := orderedcode.Append(nil, prefixHeader, string(hash.Bytes()))
	if err != nil {
		panic(err)
	}
	return key
}

func operationsKey(hash types.BlockHash, pass uint8) []byte {
	key, err := orderedcode.Append(nil, prefixOperations, string(hash.Bytes()), int64(pass))
	if err != nil {
		panic(err)
	}
	return key
}

func applyMetaKey(hash types.BlockHash) []byte {
	key, err := orderedcode.Append(nil, prefixApplyMeta, string(hash.Bytes()))
	if err != nil {
		panic(err)
	}
	return key
}

func contextHeadKey(hash types.BlockHash) []byte {
	key, err := orderedcode.Append(nil, prefixContextHead, string(hash.Bytes()))
	if err != nil {
		panic(err)
	}
	return key
}

func chainStateKey(chainID types.ChainID) []byte {
	key, err := orderedcode.Append(nil, prefixChainState, string(chainID))
	if err != nil {
		panic(err)
	}
	return key
}

func levelKey(level int64) []byte {
	key, err := orderedcode.Append(nil, prefixLevel, level)
	if err != nil {
		panic(err)
	}
	return key
}

func decodeLevelKey(key []byte) (int64, error) {
	var prefix, level int64
	remaining, err := orderedcode.Parse(string(key), &prefix, &level)
	if err != nil {
		return 0, err
	}
	if len(remaining) != 0 {
		return 0, fmt.Errorf("expected complete key but got remainder: %q", remaining)
	}
	if prefix != prefixLevel {
		return 0, fmt.Errorf("incorrect prefix: expected %v, got %v", prefixLevel, prefix)
	}
	return level, nil
}

func headerLevelKey(level int64, hash types.BlockHash) []byte {
	key, err := orderedcode.Append(nil, prefixHeaderLevel, level, string(hash.Bytes()))
	if err != nil {
		panic(err)
	}
	return key
}

// headerLevelKeyUpper is the exclusive upper bound for iterating all
// header index entries at one level.
func headerLevelKeyUpper(level int64) []byte {
	key, err := orderedcode.Append(nil, prefixHeaderLevel, level+1)
	if err != nil {
		panic(err)
	}
	return key
}

func decodeHeaderLevelKey(key []byte) (int64, types.BlockHash, error) {
	var (
		prefix, level int64
		raw           string
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &level, &raw)
	if err != nil {
		return 0, types.BlockHash{}, err
	}
	if len(remaining) != 0 {
		return 0, types.BlockHash{}, fmt.Errorf("expected complete key but got remainder: %q", remaining)
	}
	if prefix != prefixHeaderLevel {
		return 0, types.BlockHash{}, fmt.Errorf("incorrect prefix: expected %v, got %v", prefixHeaderLevel, prefix)
	}
	hash, err := types.BlockHashFromBytes([]byte(raw))
	return level, hash, err
}

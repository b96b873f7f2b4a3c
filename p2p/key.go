package p2p

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/stela-net/stela/crypto"
)

// ID is a hex-encoded digest of a node's public key, identifying it on
// the network independently of its address.
type ID string

// IDFromPubKey derives the node ID for a public key.
func IDFromPubKey(pubKey crypto.PubKey) ID {
	return ID(hex.EncodeToString(pubKey.Address()))
}

// NodeKey is the persistent identity of a node: its signing key and the
// proof-of-work stamp attached to it. The stamp is generated once and
// reused for the lifetime of the identity.
type NodeKey struct {
	PrivKey crypto.PrivKey `json:"priv_key"`
	Stamp   crypto.Stamp   `json:"stamp"`
}

// ID returns the node's ID.
func (nk NodeKey) ID() ID {
	return IDFromPubKey(nk.PubKey())
}

// PubKey returns the node's public key.
func (nk NodeKey) PubKey() crypto.PubKey {
	return nk.PrivKey.PubKey()
}

// GenNodeKey generates a fresh identity with a stamp satisfying the given
// proof-of-work difficulty. The stamp search can take a while at high
// difficulties and honors context cancellation.
func GenNodeKey(ctx context.Context, difficulty uint) (NodeKey, error) {
	privKey := crypto.GenPrivKey()
	stamp, err := crypto.GenerateStamp(ctx, privKey.PubKey(), difficulty)
	if err != nil {
		return NodeKey{}, fmt.Errorf("generating proof-of-work stamp: %w", err)
	}
	return NodeKey{PrivKey: privKey, Stamp: stamp}, nil
}

// LoadNodeKey loads a node key from a JSON file.
func LoadNodeKey(path string) (NodeKey, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return NodeKey{}, err
	}
	var nk NodeKey
	if err := json.Unmarshal(bz, &nk); err != nil {
		return NodeKey{}, fmt.Errorf("decoding node key at %s: %w", path, err)
	}
	if len(nk.PrivKey) != crypto.PrivKeySize {
		return NodeKey{}, fmt.Errorf("invalid private key size in %s", path)
	}
	return nk, nil
}

// LoadOrGenNodeKey loads a node key if the file exists, generating and
// persisting a fresh one otherwise.
func LoadOrGenNodeKey(ctx context.Context, path string, difficulty uint) (NodeKey, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadNodeKey(path)
	}

	nk, err := GenNodeKey(ctx, difficulty)
	if err != nil {
		return NodeKey{}, err
	}

	bz, err := json.MarshalIndent(nk, "", "  ")
	if err != nil {
		return NodeKey{}, err
	}
	if err := os.WriteFile(path, bz, 0600); err != nil {
		return NodeKey{}, fmt.Errorf("writing node key to %s: %w", path, err)
	}
	return nk, nil
}

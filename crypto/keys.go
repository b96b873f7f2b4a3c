package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"golang.org/x/crypto/blake2b"
)

const (
	// PubKeySize is the size, in bytes, of public keys.
	PubKeySize = ed25519.PublicKeySize
	// PrivKeySize is the size, in bytes, of private keys, including the
	// seed and the public half.
	PrivKeySize = ed25519.PrivateKeySize
	// SignatureSize is the size, in bytes, of signatures.
	SignatureSize = ed25519.SignatureSize

	// AddressSize is the size, in bytes, of a public key address digest.
	AddressSize = 20
)

// PubKey is an ed25519 public key identifying a node on the network.
type PubKey []byte

// PrivKey is an ed25519 private key.
type PrivKey []byte

// GenPrivKey generates a new ed25519 private key from crypto/rand.
func GenPrivKey() PrivKey {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("generating ed25519 key: %v", err))
	}
	return PrivKey(priv)
}

// PubKey returns the public half of the key.
func (privKey PrivKey) PubKey() PubKey {
	if len(privKey) != PrivKeySize {
		panic("invalid ed25519 private key size")
	}
	return PubKey(ed25519.PrivateKey(privKey).Public().(ed25519.PublicKey))
}

// Sign produces a signature on the given message.
func (privKey PrivKey) Sign(msg []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(privKey), msg)
}

// VerifySignature reports whether sig is a valid signature of msg under the
// public key.
func (pubKey PubKey) VerifySignature(msg, sig []byte) bool {
	if len(pubKey) != PubKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig)
}

// Address returns a short digest of the public key, used as the node
// identifier on the wire and in logs.
func (pubKey PubKey) Address() []byte {
	sum := blake2b.Sum256(pubKey)
	return sum[:AddressSize]
}

func (pubKey PubKey) String() string {
	return hex.EncodeToString(pubKey.Address())
}

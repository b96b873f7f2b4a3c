package p2p

import (
	"errors"
	"fmt"

	"github.com/stela-net/stela/crypto"
	"github.com/stela-net/stela/types"
)

// Message is the closed set of protocol messages exchanged after the
// handshake. Every consumer switches over the concrete types
// exhaustively; an unknown tag on the wire is skipped, not fatal, so
// newer peers can extend the protocol.
type Message interface {
	ValidateBasic() error
	messageTag() byte
}

// Wire tags. These are protocol constants; changing them breaks
// compatibility with deployed nodes.
const (
	tagGetCurrentBranch byte = 0x10
	tagCurrentBranch    byte = 0x11
	tagGetBlockHeaders  byte = 0x20
	tagBlockHeader      byte = 0x21
	tagGetOperations    byte = 0x30
	tagOperations       byte = 0x31
	tagPeerAdvertise    byte = 0x40
)

// maxHashesPerRequest bounds a single fetch request.
const maxHashesPerRequest = 64

// GetCurrentBranch asks a peer for its current branch on a chain.
type GetCurrentBranch struct {
	ChainID types.ChainID `cbor:"1,keyasint"`
}

func (m *GetCurrentBranch) messageTag() byte { return tagGetCurrentBranch }

func (m *GetCurrentBranch) ValidateBasic() error {
	if m.ChainID == "" {
		return errors.New("empty chain id")
	}
	return nil
}

// CurrentBranch advertises a peer's head and sampled ancestry.
type CurrentBranch struct {
	ChainID types.ChainID `cbor:"1,keyasint"`
	Branch  types.Branch  `cbor:"2,keyasint"`
}

func (m *CurrentBranch) messageTag() byte { return tagCurrentBranch }

func (m *CurrentBranch) ValidateBasic() error {
	if m.ChainID == "" {
		return errors.New("empty chain id")
	}
	return m.Branch.ValidateBasic()
}

// GetBlockHeaders requests block headers by hash.
type GetBlockHeaders struct {
	Hashes []types.BlockHash `cbor:"1,keyasint"`
}

func (m *GetBlockHeaders) messageTag() byte { return tagGetBlockHeaders }

func (m *GetBlockHeaders) ValidateBasic() error {
	if len(m.Hashes) == 0 {
		return errors.New("empty header request")
	}
	if len(m.Hashes) > maxHashesPerRequest {
		return fmt.Errorf("header request too large: %d > %d", len(m.Hashes), maxHashesPerRequest)
	}
	return nil
}

// BlockHeaderMsg delivers one block header.
type BlockHeaderMsg struct {
	Header *types.BlockHeader `cbor:"1,keyasint"`
}

func (m *BlockHeaderMsg) messageTag() byte { return tagBlockHeader }

func (m *BlockHeaderMsg) ValidateBasic() error {
	if m.Header == nil {
		return errors.New("nil header")
	}
	return m.Header.ValidateBasic()
}

// GetOperations requests the operations of specific validation passes of
// one block.
type GetOperations struct {
	Block  types.BlockHash `cbor:"1,keyasint"`
	Passes []uint8         `cbor:"2,keyasint"`
}

func (m *GetOperations) messageTag() byte { return tagGetOperations }

func (m *GetOperations) ValidateBasic() error {
	if m.Block.IsZero() {
		return errors.New("zero block hash")
	}
	if len(m.Passes) == 0 {
		return errors.New("empty operations request")
	}
	if len(m.Passes) > maxHashesPerRequest {
		return fmt.Errorf("operations request too large: %d > %d", len(m.Passes), maxHashesPerRequest)
	}
	return nil
}

// OperationsMsg delivers the operations of one (block, pass) pair.
type OperationsMsg struct {
	Operations *types.OperationsList `cbor:"1,keyasint"`
}

func (m *OperationsMsg) messageTag() byte { return tagOperations }

func (m *OperationsMsg) ValidateBasic() error {
	if m.Operations == nil {
		return errors.New("nil operations")
	}
	return m.Operations.ValidateBasic()
}

// PeerAdvertise shares known peer addresses, also used when nacking a
// connection to point the rejected dialer elsewhere.
type PeerAdvertise struct {
	Addrs []string `cbor:"1,keyasint"`
}

func (m *PeerAdvertise) messageTag() byte { return tagPeerAdvertise }

func (m *PeerAdvertise) ValidateBasic() error {
	if len(m.Addrs) > maxHashesPerRequest {
		return fmt.Errorf("peer advertisement too large: %d", len(m.Addrs))
	}
	return nil
}

// Envelope pairs an inbound message with the session it arrived on.
type Envelope struct {
	From ID
	Msg  Message
}

// errUnknownTag marks wire messages this node does not understand.
var errUnknownTag = errors.New("unknown message tag")

// EncodeMessage produces tag-prefixed canonical CBOR.
func EncodeMessage(msg Message) ([]byte, error) {
	bz, err := types.MarshalCBOR(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", msg, err)
	}
	return append([]byte{msg.messageTag()}, bz...), nil
}

// DecodeMessage parses a tag-prefixed frame back into a Message. It
// returns errUnknownTag for tags this node does not know.
func DecodeMessage(bz []byte) (Message, error) {
	if len(bz) == 0 {
		return nil, errors.New("empty message")
	}

	var msg Message
	switch bz[0] {
	case tagGetCurrentBranch:
		msg = new(GetCurrentBranch)
	case tagCurrentBranch:
		msg = new(CurrentBranch)
	case tagGetBlockHeaders:
		msg = new(GetBlockHeaders)
	case tagBlockHeader:
		msg = new(BlockHeaderMsg)
	case tagGetOperations:
		msg = new(GetOperations)
	case tagOperations:
		msg = new(OperationsMsg)
	case tagPeerAdvertise:
		msg = new(PeerAdvertise)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", errUnknownTag, bz[0])
	}

	if err := types.UnmarshalCBOR(bz[1:], msg); err != nil {
		return nil, fmt.Errorf("decoding message 0x%02x: %w", bz[0], err)
	}
	return msg, nil
}

// Handshake-layer messages. These are exchanged during session
// establishment and never appear inside the encrypted message stream's
// tagged union.

// ConnectionMessage is the first, plaintext message on a fresh transport:
// the identity material plus the ephemeral key the session keys are
// derived from. The proof-of-work stamp throttles cheap connection spam.
type ConnectionMessage struct {
	Port      uint16        `cbor:"1,keyasint"`
	PubKey    []byte        `cbor:"2,keyasint"`
	Stamp     crypto.Stamp  `cbor:"3,keyasint"`
	Ephemeral [32]byte      `cbor:"4,keyasint"`
	Nonce     [24]byte      `cbor:"5,keyasint"`
	Version   uint16        `cbor:"6,keyasint"`
	ChainID   types.ChainID `cbor:"7,keyasint"`
}

// MetadataMessage is the first encrypted exchange: capabilities of the
// session.
type MetadataMessage struct {
	DisableOperations bool `cbor:"1,keyasint"`
	Private           bool `cbor:"2,keyasint"`
}

// AckMessage completes the handshake. A non-empty NackReason refuses the
// session; PotentialPeers may point the rejected dialer at alternatives.
type AckMessage struct {
	Sig            []byte   `cbor:"1,keyasint"`
	NackReason     string   `cbor:"2,keyasint,omitempty"`
	PotentialPeers []string `cbor:"3,keyasint,omitempty"`
}

func encodeMetadata(m MetadataMessage) ([]byte, error) {
	return types.MarshalCBOR(m)
}

func decodeMetadata(bz []byte, m *MetadataMessage) error {
	return types.UnmarshalCBOR(bz, m)
}

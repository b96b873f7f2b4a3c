package p2p

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/stela-net/stela/crypto"
	"github.com/stela-net/stela/types"
)

// ProtocolVersion is the p2p protocol version this node speaks. Peers
// with a different version are rejected during the handshake.
const ProtocolVersion uint16 = 1

// maxFrameSize bounds the plaintext of a single encrypted frame.
const maxFrameSize = 8 << 20 // 8 MB

const lenPrefixSize = 4

// SecretConnection is an authenticated encrypted session over a raw
// transport. The handshake exchanges plaintext connection messages
// (identity key, proof-of-work stamp, ephemeral key), derives one
// chacha20-poly1305 key per direction via HKDF over the ECDH shared
// secret and the handshake transcript, and completes with signed
// acknowledgements proving possession of the advertised identity keys.
//
// All frames after the connection message are sealed. Nonces are strictly
// increasing per-direction counters, so replayed or reordered ciphertext
// fails authentication.
type SecretConnection struct {
	conn net.Conn

	remoteID     ID
	remotePubKey crypto.PubKey
	remotePort   uint16

	sendAead  cipher.AEAD
	recvAead  cipher.AEAD
	sendNonce uint64
	recvNonce uint64
}

// HandshakeOptions parameterize MakeSecretConnection.
type HandshakeOptions struct {
	NodeKey    NodeKey
	ListenPort uint16
	ChainID    types.ChainID
	Difficulty uint
	Timeout    time.Duration
}

// MakeSecretConnection runs the handshake over conn. incoming is true
// when the transport was accepted rather than dialed; it only affects
// key-direction assignment, the message flow is symmetric.
func MakeSecretConnection(conn net.Conn, incoming bool, opts HandshakeOptions) (*SecretConnection, error) {
	if opts.Timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(opts.Timeout)); err != nil {
			return nil, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	// ephemeral X25519 keypair for this session only
	var ephPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	localMsg := ConnectionMessage{
		Port:    opts.ListenPort,
		PubKey:  opts.NodeKey.PubKey(),
		Stamp:   opts.NodeKey.Stamp,
		Version: ProtocolVersion,
		ChainID: opts.ChainID,
	}
	copy(localMsg.Ephemeral[:], ephPub)
	if _, err := io.ReadFull(rand.Reader, localMsg.Nonce[:]); err != nil {
		return nil, err
	}

	localRaw, err := types.MarshalCBOR(localMsg)
	if err != nil {
		return nil, err
	}
	if err := writePlainFrame(conn, localRaw); err != nil {
		return nil, fmt.Errorf("sending connection message: %w", err)
	}
	remoteRaw, err := readPlainFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("reading connection message: %w", err)
	}

	var remoteMsg ConnectionMessage
	if err := types.UnmarshalCBOR(remoteRaw, &remoteMsg); err != nil {
		return nil, ErrRejected{Reason: "malformed connection message", Err: err}
	}
	if remoteMsg.Version != ProtocolVersion {
		return nil, ErrRejected{Reason: fmt.Sprintf("unsupported protocol version %d", remoteMsg.Version)}
	}
	if remoteMsg.ChainID != opts.ChainID {
		return nil, ErrRejected{Reason: fmt.Sprintf("wrong network %q", remoteMsg.ChainID)}
	}
	if len(remoteMsg.PubKey) != crypto.PubKeySize {
		return nil, ErrRejected{Reason: "invalid public key size"}
	}
	remotePubKey := crypto.PubKey(remoteMsg.PubKey)
	if !crypto.CheckStamp(remotePubKey, remoteMsg.Stamp, opts.Difficulty) {
		return nil, ErrRejected{Reason: "proof-of-work stamp below difficulty"}
	}
	if bytes.Equal(remotePubKey, opts.NodeKey.PubKey()) {
		return nil, ErrRejected{Reason: "self connection"}
	}

	shared, err := curve25519.X25519(ephPriv[:], remoteMsg.Ephemeral[:])
	if err != nil {
		return nil, ErrRejected{Reason: "low-order ephemeral key", Err: err}
	}

	// the transcript binds the session keys to both connection messages,
	// ordered dialer-first so both sides derive identically
	dialerRaw, accepterRaw := localRaw, remoteRaw
	if incoming {
		dialerRaw, accepterRaw = remoteRaw, localRaw
	}
	transcript, _ := blake2b.New256(nil)
	transcript.Write(dialerRaw)
	transcript.Write(accepterRaw)

	kdf := hkdf.New(sha256.New, shared, transcript.Sum(nil), []byte("stela-session-keys"))
	keyMaterial := make([]byte, 96)
	if _, err := io.ReadFull(kdf, keyMaterial); err != nil {
		return nil, err
	}
	dialerKey, accepterKey, challenge := keyMaterial[0:32], keyMaterial[32:64], keyMaterial[64:96]

	sendKey, recvKey := dialerKey, accepterKey
	if incoming {
		sendKey, recvKey = accepterKey, dialerKey
	}
	sendAead, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, err
	}
	recvAead, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, err
	}

	sc := &SecretConnection{
		conn:         conn,
		remoteID:     IDFromPubKey(remotePubKey),
		remotePubKey: remotePubKey,
		remotePort:   remoteMsg.Port,
		sendAead:     sendAead,
		recvAead:     recvAead,
	}

	// prove possession of the identity key the connection message claimed
	ack := AckMessage{Sig: opts.NodeKey.PrivKey.Sign(challenge)}
	ackRaw, err := types.MarshalCBOR(ack)
	if err != nil {
		return nil, err
	}
	if err := sc.WriteFrame(ackRaw); err != nil {
		return nil, fmt.Errorf("sending ack: %w", err)
	}
	remoteAckRaw, err := sc.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("reading ack: %w", err)
	}
	var remoteAck AckMessage
	if err := types.UnmarshalCBOR(remoteAckRaw, &remoteAck); err != nil {
		return nil, ErrRejected{Reason: "malformed ack", Err: err}
	}
	if remoteAck.NackReason != "" {
		return nil, ErrRejected{Reason: fmt.Sprintf("nack from peer: %s", remoteAck.NackReason)}
	}
	if !remotePubKey.VerifySignature(challenge, remoteAck.Sig) {
		return nil, ErrRejected{Reason: "challenge signature does not verify"}
	}

	return sc, nil
}

// RemoteID returns the authenticated identity of the peer.
func (sc *SecretConnection) RemoteID() ID { return sc.remoteID }

// RemotePubKey returns the authenticated public key of the peer.
func (sc *SecretConnection) RemotePubKey() crypto.PubKey { return sc.remotePubKey }

// RemotePort returns the listen port the peer advertised for dial-backs.
func (sc *SecretConnection) RemotePort() uint16 { return sc.remotePort }

// WriteFrame seals and writes one frame.
func (sc *SecretConnection) WriteFrame(plaintext []byte) error {
	if len(plaintext) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(plaintext), maxFrameSize)
	}

	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], sc.sendNonce)
	sc.sendNonce++

	sealed := sc.sendAead.Seal(nil, nonce[:], plaintext, nil)

	var lenBuf [lenPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	if _, err := sc.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := sc.conn.Write(sealed)
	return err
}

// ReadFrame reads and opens one frame.
func (sc *SecretConnection) ReadFrame() ([]byte, error) {
	var lenBuf [lenPrefixSize]byte
	if _, err := io.ReadFull(sc.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxFrameSize+uint32(sc.recvAead.Overhead()) {
		return nil, fmt.Errorf("frame too large: %d bytes", size)
	}

	sealed := pool.Get(int(size))
	defer pool.Put(sealed)
	if _, err := io.ReadFull(sc.conn, sealed); err != nil {
		return nil, err
	}

	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], sc.recvNonce)
	sc.recvNonce++

	plaintext, err := sc.recvAead.Open(nil, nonce[:], sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("opening frame: %w", err)
	}
	return plaintext, nil
}

// SetReadDeadline sets the read deadline on the underlying transport.
func (sc *SecretConnection) SetReadDeadline(t time.Time) error {
	return sc.conn.SetReadDeadline(t)
}

// Close closes the underlying transport.
func (sc *SecretConnection) Close() error { return sc.conn.Close() }

func writePlainFrame(conn net.Conn, bz []byte) error {
	var lenBuf [lenPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(bz)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(bz)
	return err
}

func readPlainFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [lenPrefixSize]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("connection message too large: %d bytes", size)
	}
	bz := make([]byte, size)
	if _, err := io.ReadFull(conn, bz); err != nil {
		return nil, err
	}
	return bz, nil
}

package p2p

import (
	"fmt"
)

// ErrProtocolViolation is a malformed, out-of-order or inconsistent peer
// message. It is session-local: it terminates the offending peer session
// and penalizes its trust score, and never propagates beyond it.
type ErrProtocolViolation struct {
	PeerID ID
	Reason string
}

func (e ErrProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation by peer %s: %s", e.PeerID, e.Reason)
}

// ErrRejected is returned when a handshake is refused before a session is
// established.
type ErrRejected struct {
	Reason string
	Err    error
}

func (e ErrRejected) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake rejected: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake rejected: %s", e.Reason)
}

func (e ErrRejected) Unwrap() error { return e.Err }

// ErrPeerBanned is returned when a connection is refused because the
// identity is in its ban cool-down window.
type ErrPeerBanned struct {
	PeerID ID
}

func (e ErrPeerBanned) Error() string {
	return fmt.Sprintf("peer %s is banned", e.PeerID)
}

// ErrConnectionLimit is returned when an inbound connection is refused
// because the high-water mark of connected peers has been reached.
type ErrConnectionLimit struct {
	Have int
	Max  int
}

func (e ErrConnectionLimit) Error() string {
	return fmt.Sprintf("connection limit reached (%d/%d)", e.Have, e.Max)
}

// ErrRequestCapExceeded is returned by Peer.SendRequest when the per-peer
// outstanding-request cap is reached. The caller should pick another peer
// or try again after responses drain.
type ErrRequestCapExceeded struct {
	PeerID ID
	Cap    int
}

func (e ErrRequestCapExceeded) Error() string {
	return fmt.Sprintf("peer %s has %d outstanding requests", e.PeerID, e.Cap)
}

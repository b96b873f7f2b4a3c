package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/stela-net/stela/libs/log"
	"github.com/stela-net/stela/libs/service"
	"github.com/stela-net/stela/types"
)

// SwitchOptions parameterize a Switch.
type SwitchOptions struct {
	// ListenAddr is the tcp address to accept peers on. Empty disables
	// listening (dial-only node).
	ListenAddr string
	// ExternalPort is the port advertised to peers for dial-backs.
	ExternalPort uint16

	ChainID types.ChainID

	// PowDifficulty is the proof-of-work difficulty required of peer
	// identity stamps.
	PowDifficulty uint

	// LowWaterMark and HighWaterMark band the number of connected peers.
	// Above the high mark new inbound connections are rejected until the
	// count falls below the low mark again.
	LowWaterMark  int
	HighWaterMark int

	// BanDuration is the cool-down before a banned identity may connect
	// again.
	BanDuration time.Duration

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration

	PeerOptions PeerOptions
}

// Switch owns the transport: it accepts and dials connections, runs the
// handshake, enforces the connection water marks and the ban list, and
// hands authenticated sessions to their own Peer services. Inbound
// messages and lifecycle events from all peers funnel into two shared
// channels consumed by the chain manager.
type Switch struct {
	service.BaseService
	logger log.Logger

	nodeKey NodeKey
	opts    SwitchOptions
	metrics *Metrics

	listener net.Listener
	group    *taskgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc

	inbound chan Envelope
	events  chan PeerEvent

	mtx       sync.Mutex
	peers     map[ID]*Peer
	banned    map[ID]time.Time
	saturated bool // above high water mark, draining to low
}

// NewSwitch creates a Switch.
func NewSwitch(logger log.Logger, nodeKey NodeKey, opts SwitchOptions, metrics *Metrics) *Switch {
	sw := &Switch{
		logger:  logger,
		nodeKey: nodeKey,
		opts:    opts,
		metrics: metrics,
		inbound: make(chan Envelope, 1024),
		events:  make(chan PeerEvent, 256),
		peers:   make(map[ID]*Peer),
		banned:  make(map[ID]time.Time),
	}
	sw.BaseService = *service.NewBaseService(logger, "Switch", sw)
	return sw
}

// Inbound returns the channel of messages from all connected peers.
func (sw *Switch) Inbound() <-chan Envelope { return sw.inbound }

// Events returns the channel of peer lifecycle events.
func (sw *Switch) Events() <-chan PeerEvent { return sw.events }

func (sw *Switch) OnStart(ctx context.Context) error {
	sw.ctx, sw.cancel = context.WithCancel(ctx)
	sw.group = taskgroup.New(nil)

	if sw.opts.ListenAddr != "" {
		ln, err := net.Listen("tcp", sw.opts.ListenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", sw.opts.ListenAddr, err)
		}
		sw.listener = ln
		sw.logger.Info("p2p listener started", "addr", ln.Addr())

		sw.group.Go(func() error {
			sw.acceptLoop()
			return nil
		})
	}
	return nil
}

func (sw *Switch) OnStop() {
	sw.cancel()
	if sw.listener != nil {
		sw.listener.Close()
	}

	sw.mtx.Lock()
	peers := make([]*Peer, 0, len(sw.peers))
	for _, p := range sw.peers {
		peers = append(peers, p)
	}
	sw.mtx.Unlock()

	for _, p := range peers {
		if err := p.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
			sw.logger.Error("error stopping peer", "peer", p.ID(), "err", err)
		}
	}
	_ = sw.group.Wait()
}

// ListenAddr returns the bound listener address, useful with port 0.
func (sw *Switch) ListenAddr() net.Addr {
	if sw.listener == nil {
		return nil
	}
	return sw.listener.Addr()
}

// NumPeers returns the number of connected peers.
func (sw *Switch) NumPeers() int {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	return len(sw.peers)
}

// GetPeer returns a connected peer by id, or nil.
func (sw *Switch) GetPeer(id ID) *Peer {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	return sw.peers[id]
}

// Peers returns a snapshot of all connected peers.
func (sw *Switch) Peers() []*Peer {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	peers := make([]*Peer, 0, len(sw.peers))
	for _, p := range sw.peers {
		peers = append(peers, p)
	}
	return peers
}

// Broadcast queues a message to every connected peer, dropping peers that
// fail to accept it.
func (sw *Switch) Broadcast(msg Message) {
	for _, p := range sw.Peers() {
		if err := p.Send(msg); err != nil {
			sw.logger.Debug("broadcast send failed", "peer", p.ID(), "err", err)
		}
	}
}

// BanPeer closes the peer's session and refuses its identity for the
// configured cool-down.
func (sw *Switch) BanPeer(id ID, reason error) {
	sw.mtx.Lock()
	sw.banned[id] = time.Now().Add(sw.opts.BanDuration)
	p := sw.peers[id]
	sw.mtx.Unlock()

	sw.metrics.PeersBanned.Add(1)
	if p != nil {
		p.Ban(reason)
	}
}

// StopPeerForError closes a peer session in response to an error.
func (sw *Switch) StopPeerForError(id ID, reason error) {
	if p := sw.GetPeer(id); p != nil {
		p.StopForError(reason)
	}
}

// IsBanned reports whether an identity is within its ban cool-down.
func (sw *Switch) IsBanned(id ID) bool {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()
	until, ok := sw.banned[id]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(sw.banned, id)
		return false
	}
	return true
}

// DialPeer connects to a peer address and runs the handshake.
func (sw *Switch) DialPeer(addr string) error {
	dialer := net.Dialer{Timeout: sw.opts.DialTimeout}
	conn, err := dialer.DialContext(sw.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	return sw.addConn(conn, addr, true)
}

func (sw *Switch) acceptLoop() {
	for {
		conn, err := sw.listener.Accept()
		if err != nil {
			if sw.ctx.Err() == nil {
				sw.logger.Error("failed to accept connection", "err", err)
			}
			return
		}

		if !sw.acceptable() {
			sw.metrics.ConnectionsRejected.Add(1)
			sw.logger.Debug("rejecting inbound connection; above high water mark",
				"peers", sw.NumPeers())
			conn.Close()
			continue
		}

		sw.group.Go(func() error {
			if err := sw.addConn(conn, conn.RemoteAddr().String(), false); err != nil {
				sw.logger.Debug("inbound handshake failed", "addr", conn.RemoteAddr(), "err", err)
			}
			return nil
		})
	}
}

// acceptable applies the low/high water band with hysteresis.
func (sw *Switch) acceptable() bool {
	sw.mtx.Lock()
	defer sw.mtx.Unlock()

	n := len(sw.peers)
	if sw.saturated {
		if n < sw.opts.LowWaterMark {
			sw.saturated = false
			return true
		}
		return false
	}
	if n >= sw.opts.HighWaterMark {
		sw.saturated = true
		return false
	}
	return true
}

func (sw *Switch) addConn(conn net.Conn, addr string, outgoing bool) error {
	sc, err := MakeSecretConnection(conn, !outgoing, HandshakeOptions{
		NodeKey:    sw.nodeKey,
		ListenPort: sw.opts.ExternalPort,
		ChainID:    sw.opts.ChainID,
		Difficulty: sw.opts.PowDifficulty,
		Timeout:    sw.opts.HandshakeTimeout,
	})
	if err != nil {
		conn.Close()
		sw.metrics.HandshakesFailed.Add(1)
		return err
	}

	id := sc.RemoteID()
	if sw.IsBanned(id) {
		sc.Close()
		return ErrPeerBanned{PeerID: id}
	}

	p := newPeer(sw.logger, sc, addr, outgoing, sw.opts.PeerOptions, sw.inbound, sw.events)

	sw.mtx.Lock()
	if _, dup := sw.peers[id]; dup {
		sw.mtx.Unlock()
		sc.Close()
		return fmt.Errorf("already connected to peer %s", id)
	}
	sw.peers[id] = p
	sw.mtx.Unlock()

	if err := p.Start(sw.ctx); err != nil {
		sw.removePeer(id)
		sc.Close()
		return fmt.Errorf("starting peer %s: %w", id, err)
	}

	sw.metrics.Peers.Set(float64(sw.NumPeers()))
	sw.emit(PeerEvent{PeerID: id, Type: PeerEventUp})

	// reap the entry once the session ends
	sw.group.Go(func() error {
		p.Wait()
		sw.removePeer(id)
		sw.metrics.Peers.Set(float64(sw.NumPeers()))
		return nil
	})
	return nil
}

func (sw *Switch) removePeer(id ID) {
	sw.mtx.Lock()
	delete(sw.peers, id)
	sw.mtx.Unlock()
}

func (sw *Switch) emit(ev PeerEvent) {
	select {
	case sw.events <- ev:
	default:
		sw.logger.Error("dropping peer event; channel full", "type", ev.Type)
	}
}

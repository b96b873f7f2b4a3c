package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/stela-net/stela/libs/log"
	"github.com/stela-net/stela/libs/service"
)

// State is the lifecycle state of a peer session.
type State string

const (
	StateConnecting    State = "connecting"
	StateHandshaking   State = "handshaking"
	StateBootstrapping State = "bootstrapping"
	StateSynced        State = "synced"
	StateClosing       State = "closing"
	StateClosed        State = "closed"
	StateBanned        State = "banned"
)

// PeerEventType classifies lifecycle events emitted to the chain manager.
type PeerEventType string

const (
	PeerEventUp     PeerEventType = "up"
	PeerEventDown   PeerEventType = "down"
	PeerEventBanned PeerEventType = "banned"
)

// PeerEvent notifies the chain manager of a session lifecycle change.
type PeerEvent struct {
	PeerID ID
	Type   PeerEventType
	Err    error
}

// PeerOptions parameterize a peer session.
type PeerOptions struct {
	// InactivityTimeout closes the session when no message arrives for
	// this long.
	InactivityTimeout time.Duration
	// SendTimeout bounds how long Send blocks when the send queue is
	// full before reporting the peer as stalled.
	SendTimeout time.Duration
	// RequestCap is the maximum number of outstanding fetch requests on
	// this session.
	RequestCap int
}

const sendQueueCapacity = 64

// Peer owns one connected, authenticated session. It deframes inbound
// messages and forwards them as Envelopes, and serializes outbound
// messages onto the wire. All session state is owned by the peer's own
// goroutines; the chain manager sees only snapshots.
type Peer struct {
	service.BaseService
	logger log.Logger

	sc      *SecretConnection
	opts    PeerOptions
	id      ID
	addr    string
	outgoing bool

	metadata MetadataMessage // remote capabilities, set during OnStart

	inbound chan<- Envelope
	events  chan<- PeerEvent

	sendCh chan Message

	stateMtx sync.Mutex
	state    State

	// in-flight fetch requests, tracked per request kind so unsolicited
	// responses cannot drain the budget of a different request
	reqMtx      sync.Mutex
	outstanding [numRequestKinds]int

	stopOnce sync.Once
	stopErr  error
}

func newPeer(
	logger log.Logger,
	sc *SecretConnection,
	addr string,
	outgoing bool,
	opts PeerOptions,
	inbound chan<- Envelope,
	events chan<- PeerEvent,
) *Peer {
	p := &Peer{
		logger:   logger.With("peer", sc.RemoteID()),
		sc:       sc,
		opts:     opts,
		id:       sc.RemoteID(),
		addr:     addr,
		outgoing: outgoing,
		inbound:  inbound,
		events:   events,
		sendCh:   make(chan Message, sendQueueCapacity),
		state:    StateHandshaking,
	}
	p.BaseService = *service.NewBaseService(p.logger, "Peer", p)
	return p
}

// ID returns the authenticated identity of the remote peer.
func (p *Peer) ID() ID { return p.id }

// Addr returns the remote network address.
func (p *Peer) Addr() string { return p.addr }

// IsOutgoing reports whether this node dialed the connection.
func (p *Peer) IsOutgoing() bool { return p.outgoing }

// State returns the session state.
func (p *Peer) State() State {
	p.stateMtx.Lock()
	defer p.stateMtx.Unlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.stateMtx.Lock()
	defer p.stateMtx.Unlock()
	// terminal states stay terminal
	if p.state == StateClosed || p.state == StateBanned {
		return
	}
	p.state = s
}

// MarkSynced transitions the session out of bootstrapping once the
// peer's advertised branch has been reconciled against local state.
func (p *Peer) MarkSynced() { p.setState(StateSynced) }

// MarkBootstrapping reverts a synced peer, used when it advertises a new
// branch that needs reconciling.
func (p *Peer) MarkBootstrapping() { p.setState(StateBootstrapping) }

func (p *Peer) OnStart(ctx context.Context) error {
	// metadata is the first encrypted exchange of the session
	local := MetadataMessage{}
	bz, err := encodeMetadata(local)
	if err != nil {
		return err
	}
	if err := p.sc.WriteFrame(bz); err != nil {
		return fmt.Errorf("sending metadata: %w", err)
	}

	if err := p.sc.SetReadDeadline(time.Now().Add(p.opts.InactivityTimeout)); err != nil {
		return err
	}
	remoteRaw, err := p.sc.ReadFrame()
	if err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}
	if err := decodeMetadata(remoteRaw, &p.metadata); err != nil {
		return ErrRejected{Reason: "malformed metadata", Err: err}
	}

	p.setState(StateBootstrapping)

	go p.sendLoop()
	go p.recvLoop()
	return nil
}

func (p *Peer) OnStop() {
	p.setState(StateClosing)
	p.sc.Close()
	p.setState(StateClosed)
}

// StopForError stops the session, recording the error that caused it and
// emitting a down event.
func (p *Peer) StopForError(err error) {
	p.stopOnce.Do(func() {
		p.stopErr = err
		if err != nil {
			p.logger.Error("stopping peer for error", "err", err)
		}
		if stopErr := p.Stop(); stopErr != nil && !errors.Is(stopErr, service.ErrAlreadyStopped) {
			p.logger.Error("error stopping peer", "err", stopErr)
		}
		p.emit(PeerEvent{PeerID: p.id, Type: PeerEventDown, Err: err})
	})
}

// Ban marks the session banned and closes it.
func (p *Peer) Ban(reason error) {
	p.stopOnce.Do(func() {
		p.stopErr = reason
		p.stateMtx.Lock()
		p.state = StateBanned
		p.stateMtx.Unlock()

		if stopErr := p.Stop(); stopErr != nil && !errors.Is(stopErr, service.ErrAlreadyStopped) {
			p.logger.Error("error stopping banned peer", "err", stopErr)
		}
		p.emit(PeerEvent{PeerID: p.id, Type: PeerEventBanned, Err: reason})
	})
}

// Send queues a message for delivery. It fails if the peer's send queue
// stays full for SendTimeout, which indicates a stalled connection.
func (p *Peer) Send(msg Message) error {
	select {
	case p.sendCh <- msg:
		return nil
	case <-p.Quit():
		return fmt.Errorf("peer %s is stopped", p.id)
	case <-time.After(p.opts.SendTimeout):
		return fmt.Errorf("send queue of peer %s is full", p.id)
	}
}

// requestKind buckets the fetch requests a session can have in flight.
type requestKind int

const (
	reqBranch requestKind = iota
	reqHeaders
	reqOperations
	numRequestKinds
)

// requestKindOf classifies an outbound fetch request.
func requestKindOf(msg Message) (requestKind, bool) {
	switch msg.(type) {
	case *GetCurrentBranch:
		return reqBranch, true
	case *GetBlockHeaders:
		return reqHeaders, true
	case *GetOperations:
		return reqOperations, true
	}
	return 0, false
}

// responseKindOf classifies an inbound message as the answer to a fetch
// request kind.
func responseKindOf(msg Message) (requestKind, bool) {
	switch msg.(type) {
	case *CurrentBranch:
		return reqBranch, true
	case *BlockHeaderMsg:
		return reqHeaders, true
	case *OperationsMsg:
		return reqOperations, true
	}
	return 0, false
}

// SendRequest queues a fetch request, enforcing the per-peer
// outstanding-request cap.
func (p *Peer) SendRequest(msg Message) error {
	kind, ok := requestKindOf(msg)
	if !ok {
		return p.Send(msg)
	}

	p.reqMtx.Lock()
	total := 0
	for _, n := range p.outstanding {
		total += n
	}
	if total >= p.opts.RequestCap {
		p.reqMtx.Unlock()
		return ErrRequestCapExceeded{PeerID: p.id, Cap: p.opts.RequestCap}
	}
	p.outstanding[kind]++
	p.reqMtx.Unlock()

	if err := p.Send(msg); err != nil {
		p.reqMtx.Lock()
		p.outstanding[kind]--
		p.reqMtx.Unlock()
		return err
	}
	return nil
}

// drainRequest releases one outstanding request of the answered kind, if
// any. Responses nobody asked for do not touch the budget.
func (p *Peer) drainRequest(msg Message) {
	kind, ok := responseKindOf(msg)
	if !ok {
		return
	}
	p.reqMtx.Lock()
	if p.outstanding[kind] > 0 {
		p.outstanding[kind]--
	}
	p.reqMtx.Unlock()
}

// Outstanding returns the number of in-flight fetch requests.
func (p *Peer) Outstanding() int {
	p.reqMtx.Lock()
	defer p.reqMtx.Unlock()
	total := 0
	for _, n := range p.outstanding {
		total += n
	}
	return total
}

func (p *Peer) sendLoop() {
	for {
		select {
		case msg := <-p.sendCh:
			bz, err := EncodeMessage(msg)
			if err != nil {
				p.logger.Error("failed to encode outbound message", "err", err)
				continue
			}
			if err := p.sc.WriteFrame(bz); err != nil {
				p.StopForError(err)
				return
			}
		case <-p.Quit():
			return
		}
	}
}

func (p *Peer) recvLoop() {
	for {
		if err := p.sc.SetReadDeadline(time.Now().Add(p.opts.InactivityTimeout)); err != nil {
			p.StopForError(err)
			return
		}

		frame, err := p.sc.ReadFrame()
		if err != nil {
			if p.State() == StateClosing || p.State() == StateClosed {
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				p.StopForError(fmt.Errorf("peer inactive for %v", p.opts.InactivityTimeout))
			} else {
				p.StopForError(err)
			}
			return
		}

		msg, err := DecodeMessage(frame)
		if err != nil {
			if errors.Is(err, errUnknownTag) {
				// newer peers may speak messages we do not know; skip
				p.logger.Debug("ignoring message with unsupported tag", "err", err)
				continue
			}
			p.StopForError(ErrProtocolViolation{PeerID: p.id, Reason: err.Error()})
			return
		}
		if err := msg.ValidateBasic(); err != nil {
			p.StopForError(ErrProtocolViolation{PeerID: p.id, Reason: err.Error()})
			return
		}

		p.drainRequest(msg)

		select {
		case p.inbound <- Envelope{From: p.id, Msg: msg}:
		case <-p.Quit():
			return
		}
	}
}

func (p *Peer) emit(ev PeerEvent) {
	select {
	case p.events <- ev:
	default:
		p.logger.Error("dropping peer event; channel full", "type", ev.Type)
	}
}

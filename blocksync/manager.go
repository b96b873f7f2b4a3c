package blocksync

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/stela-net/stela/libs/log"
	"github.com/stela-net/stela/libs/service"
	"github.com/stela-net/stela/p2p"
	"github.com/stela-net/stela/store"
	"github.com/stela-net/stela/types"
)

// Network is the slice of the p2p layer the chain manager drives. It is
// satisfied by *p2p.Switch via SwitchNetwork and by fakes in tests.
type Network interface {
	Peer(id p2p.ID) PeerClient
	Peers() []PeerClient
	BanPeer(id p2p.ID, reason error)
	StopPeerForError(id p2p.ID, reason error)
	Broadcast(msg p2p.Message)
}

// PeerClient is one connected peer session as seen by the manager.
type PeerClient interface {
	ID() p2p.ID
	Send(msg p2p.Message) error
	SendRequest(msg p2p.Message) error
	MarkSynced()
	MarkBootstrapping()
}

// Observer sees every inbound envelope before it is processed. It is the
// hook for the deterministic-replay log and must not block.
type Observer interface {
	Observe(env p2p.Envelope)
}

// Options parameterize a Manager.
type Options struct {
	// MaxTrackedBlocks caps the missing-block index. Advertisements that
	// would grow it further are deferred until entries drain.
	MaxTrackedBlocks int
	// SyncLookback bounds how far back an ancestor search walks a peer's
	// advertised history.
	SyncLookback int
	// FetchTimeout is the per-request latency budget before a fetch is
	// reassigned.
	FetchTimeout time.Duration
	// RetryInterval is the scheduling tick.
	RetryInterval time.Duration

	// InitialScore is the neutral trust score of a new peer. Scores only
	// ever go down.
	InitialScore int
	// BanThreshold bans a peer when its score reaches it.
	BanThreshold int
	// ViolationPenalty is charged for protocol violations.
	ViolationPenalty int
	// MismatchPenalty is charged for operations that do not match the
	// header's declared hash.
	MismatchPenalty int
	// InvalidBlockPenalty is charged when the validation engine rejects
	// a block this peer contributed.
	InvalidBlockPenalty int

	// KnownInvalidCacheSize bounds the quarantine of rejected block
	// hashes.
	KnownInvalidCacheSize int
}

// DefaultOptions returns the options used in production.
func DefaultOptions() Options {
	return Options{
		MaxTrackedBlocks:      2048,
		SyncLookback:          200,
		FetchTimeout:          10 * time.Second,
		RetryInterval:         500 * time.Millisecond,
		InitialScore:          100,
		BanThreshold:          0,
		ViolationPenalty:      25,
		MismatchPenalty:       25,
		InvalidBlockPenalty:   50,
		KnownInvalidCacheSize: 512,
	}
}

// HeadUpdate reports a committed head advance back into the manager.
type HeadUpdate struct {
	State types.ChainState
}

// InvalidBlock reports a validation rejection back into the manager.
type InvalidBlock struct {
	Hash types.BlockHash
	Err  error
}

// Manager is the single source of truth for what block is needed next and
// from whom. All of its mutable state (missing-block index, pending
// blocks, peer scores) is owned by one event-loop goroutine; peers and
// the dispatcher talk to it exclusively through channels, so there is no
// locking anywhere in it.
type Manager struct {
	service.BaseService
	logger log.Logger

	chainID types.ChainID
	opts    Options
	bs      *store.BlockStore
	network Network
	metrics *Metrics

	observer Observer // optional replay hook

	inbound <-chan p2p.Envelope
	events  <-chan p2p.PeerEvent

	readyCh   chan *types.Block
	headCh    chan HeadUpdate
	invalidCh chan InvalidBlock

	// state below belongs to the run loop goroutine only

	state types.ChainState

	peers   map[p2p.ID]*peerState
	missing map[types.BlockHash]*missingBlock
	pending map[types.BlockHash]*pendingBlock
	// blocks handed to the dispatcher but not yet committed; a pending
	// block is deliverable once its predecessor is the head or in here
	queued map[types.BlockHash]struct{}
	// peers that contributed data for a block, for penalty attribution
	// on validation failure
	origins map[types.BlockHash]map[p2p.ID]struct{}

	knownInvalid *lru.Cache

	deliveryQueue []*types.Block
}

// NewManager creates a chain manager. The initial chain state must
// already be durable (SaveGenesis on a fresh database).
func NewManager(
	logger log.Logger,
	chainID types.ChainID,
	bs *store.BlockStore,
	network Network,
	inbound <-chan p2p.Envelope,
	events <-chan p2p.PeerEvent,
	opts Options,
	metrics *Metrics,
) (*Manager, error) {
	state, ok := bs.LoadChainState(chainID)
	if !ok {
		return nil, ErrUninitializedChain{ChainID: chainID}
	}

	knownInvalid, err := lru.New(opts.KnownInvalidCacheSize)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		logger:       logger,
		chainID:      chainID,
		opts:         opts,
		bs:           bs,
		network:      network,
		metrics:      metrics,
		inbound:      inbound,
		events:       events,
		readyCh:      make(chan *types.Block, 16),
		headCh:       make(chan HeadUpdate, 16),
		invalidCh:    make(chan InvalidBlock, 16),
		state:        state,
		peers:        make(map[p2p.ID]*peerState),
		missing:      make(map[types.BlockHash]*missingBlock),
		pending:      make(map[types.BlockHash]*pendingBlock),
		queued:       make(map[types.BlockHash]struct{}),
		origins:      make(map[types.BlockHash]map[p2p.ID]struct{}),
		knownInvalid: knownInvalid,
	}
	m.BaseService = *service.NewBaseService(logger, "Manager", m)
	return m, nil
}

// SetObserver installs the replay observer. Must be called before Start.
func (m *Manager) SetObserver(obs Observer) { m.observer = obs }

// Ready returns the channel of blocks ready for validation, delivered in
// strict ancestor-before-descendant order.
func (m *Manager) Ready() <-chan *types.Block { return m.readyCh }

// OnHeadAdvanced feeds a committed head advance into the manager. Called
// by the dispatcher after every successful commit.
func (m *Manager) OnHeadAdvanced(state types.ChainState) {
	select {
	case m.headCh <- HeadUpdate{State: state}:
	case <-m.Quit():
	}
}

// OnValidationFailed feeds a validation rejection into the manager.
func (m *Manager) OnValidationFailed(hash types.BlockHash, err error) {
	select {
	case m.invalidCh <- InvalidBlock{Hash: hash, Err: err}:
	case <-m.Quit():
	}
}

// Head returns the chain state snapshot the manager currently works from.
// Only safe to call before Start or after Stop; live consumers use the
// dispatcher's notifications instead.
func (m *Manager) Head() types.ChainState { return m.state }

func (m *Manager) OnStart(ctx context.Context) error {
	// recover blocks fully fetched before the last shutdown
	ready, err := m.bs.ReadyAbove(m.state)
	if err != nil {
		return err
	}
	for _, block := range ready {
		hash := block.Header.Hash()
		m.queued[hash] = struct{}{}
		m.deliveryQueue = append(m.deliveryQueue, block)
	}
	if len(ready) > 0 {
		m.logger.Info("recovered fetched blocks from storage", "count", len(ready))
	}

	go m.run(ctx)
	return nil
}

func (m *Manager) OnStop() {}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.RetryInterval)
	defer ticker.Stop()

	for {
		m.flushDeliveries()

		select {
		case env := <-m.inbound:
			if m.observer != nil {
				m.observer.Observe(env)
			}
			m.handleEnvelope(env)

		case ev := <-m.events:
			m.handlePeerEvent(ev)

		case update := <-m.headCh:
			m.handleHeadAdvanced(update.State)

		case inv := <-m.invalidCh:
			m.handleValidationFailed(inv)

		case <-ticker.C:
			m.scheduleFetches()

		case <-m.Quit():
			return
		case <-ctx.Done():
			return
		}
	}
}

// flushDeliveries pushes deliverable blocks to the dispatcher without
// ever blocking the event loop.
func (m *Manager) flushDeliveries() {
	for len(m.deliveryQueue) > 0 {
		select {
		case m.readyCh <- m.deliveryQueue[0]:
			m.deliveryQueue = m.deliveryQueue[1:]
		default:
			return
		}
	}
}

func (m *Manager) handleEnvelope(env p2p.Envelope) {
	switch msg := env.Msg.(type) {
	case *p2p.CurrentBranch:
		m.onBranchAdvertised(env.From, msg)
	case *p2p.BlockHeaderMsg:
		m.onHeaderReceived(env.From, msg.Header)
	case *p2p.OperationsMsg:
		m.onOperationsReceived(env.From, msg.Operations)
	case *p2p.GetCurrentBranch:
		m.serveCurrentBranch(env.From, msg)
	case *p2p.GetBlockHeaders:
		m.serveBlockHeaders(env.From, msg)
	case *p2p.GetOperations:
		m.serveOperations(env.From, msg)
	case *p2p.PeerAdvertise:
		m.logger.Debug("received peer advertisement", "peer", env.From, "addrs", len(msg.Addrs))
	}
}

func (m *Manager) handlePeerEvent(ev p2p.PeerEvent) {
	switch ev.Type {
	case p2p.PeerEventUp:
		m.addPeer(ev.PeerID)

	case p2p.PeerEventDown, p2p.PeerEventBanned:
		m.removePeer(ev.PeerID)
	}
	m.metrics.Peers.Set(float64(len(m.peers)))
}

// handleHeadAdvanced refreshes the state snapshot, drops bookkeeping the
// new head supersedes and re-advertises the branch to peers.
func (m *Manager) handleHeadAdvanced(state types.ChainState) {
	m.state = state
	delete(m.queued, state.HeadHash)
	delete(m.origins, state.HeadHash)
	delete(m.missing, state.HeadHash)
	delete(m.pending, state.HeadHash)

	m.metrics.HeadLevel.Set(float64(state.HeadLevel))
	m.metrics.MissingBlocks.Set(float64(len(m.missing)))

	// anything the canonical chain has passed is no longer worth fetching
	for hash, mb := range m.missing {
		if (mb.level > 0 && mb.level <= state.HeadLevel) || m.bs.HasApplied(hash) {
			delete(m.missing, hash)
		}
	}

	m.broadcastBranch()
	m.refreshSyncedPeers()
}

func (m *Manager) handleValidationFailed(inv InvalidBlock) {
	m.knownInvalid.Add(inv.Hash, time.Now())
	m.metrics.InvalidBlocks.Add(1)
	delete(m.queued, inv.Hash)
	delete(m.pending, inv.Hash)

	contributors := m.origins[inv.Hash]
	delete(m.origins, inv.Hash)
	for id := range contributors {
		m.penalize(id, m.opts.InvalidBlockPenalty, inv.Err)
	}

	dropped := m.dropDescendantsOf(inv.Hash)
	m.logger.Error("block rejected by validation engine",
		"block", inv.Hash, "err", inv.Err,
		"peers_penalized", len(contributors), "descendants_dropped", dropped)
}

// dropDescendantsOf unwinds the delivery pipeline behind a rejected
// block: everything queued on top of it can no longer extend the chain,
// so it must not reach the dispatcher (and anything already past the
// queue is discarded there). Returns the number of blocks dropped.
func (m *Manager) dropDescendantsOf(hash types.BlockHash) int {
	dead := map[types.BlockHash]struct{}{hash: {}}
	for changed := true; changed; {
		changed = false
		for h := range m.queued {
			if _, ok := dead[h]; ok {
				continue
			}
			header := m.bs.LoadHeader(h)
			if header == nil {
				continue
			}
			if _, ok := dead[header.Predecessor]; ok {
				dead[h] = struct{}{}
				changed = true
			}
		}
	}

	dropped := 0
	for h := range dead {
		if h == hash {
			continue
		}
		if _, ok := m.queued[h]; ok {
			delete(m.queued, h)
			delete(m.origins, h)
			dropped++
		}
	}

	remaining := m.deliveryQueue[:0]
	for _, block := range m.deliveryQueue {
		if _, ok := dead[block.Header.Hash()]; ok {
			continue
		}
		remaining = append(remaining, block)
	}
	m.deliveryQueue = remaining
	return dropped
}

// broadcastBranch re-advertises our current branch to all peers.
func (m *Manager) broadcastBranch() {
	branch, err := m.currentBranch()
	if err != nil {
		m.logger.Error("failed to assemble current branch", "err", err)
		return
	}
	m.network.Broadcast(&p2p.CurrentBranch{ChainID: m.chainID, Branch: *branch})
}

// refreshSyncedPeers flips peers to synced when nothing known-missing is
// attributable solely to them anymore.
func (m *Manager) refreshSyncedPeers() {
	for id, ps := range m.peers {
		if ps.synced {
			continue
		}
		if !m.peerHasMissing(id) && ps.headLevel <= m.state.HeadLevel {
			ps.synced = true
			if pc := m.network.Peer(id); pc != nil {
				pc.MarkSynced()
			}
		}
	}
}

func (m *Manager) peerHasMissing(id p2p.ID) bool {
	for _, mb := range m.missing {
		if _, ok := mb.advertisers[id]; ok {
			return true
		}
	}
	return false
}

package blocksync

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/stela-net/stela/p2p"
	"github.com/stela-net/stela/store"
	"github.com/stela-net/stela/types"
)

// onBranchAdvertised walks the advertised branch from its head backwards
// until it reaches a block we already have, and registers every block on
// the way as missing. Re-advertising a block already tracked only adds
// the peer as an alternative source.
func (m *Manager) onBranchAdvertised(from p2p.ID, msg *p2p.CurrentBranch) {
	ps, ok := m.peers[from]
	if !ok {
		return
	}
	if msg.ChainID != m.chainID {
		m.violation(from, fmt.Sprintf("branch for foreign chain %q", msg.ChainID))
		return
	}
	if err := msg.Branch.ValidateBasic(); err != nil {
		m.violation(from, fmt.Sprintf("malformed branch: %v", err))
		return
	}

	head := msg.Branch.Head
	if head.Level > ps.headLevel {
		ps.headLevel = head.Level
	}
	if head.Level <= m.state.HeadLevel {
		// nothing to fetch; a peer at or behind our head is reconciled
		// as soon as nothing missing is attributed to it
		if !ps.synced && !m.peerHasMissing(from) {
			ps.synced = true
			if pc := m.network.Peer(from); pc != nil {
				pc.MarkSynced()
			}
		}
		return
	}
	if ps.synced {
		ps.synced = false
		if pc := m.network.Peer(from); pc != nil {
			pc.MarkBootstrapping()
		}
	}

	headHash := head.Hash()
	if m.knownInvalid.Contains(headHash) {
		m.penalize(from, m.opts.InvalidBlockPenalty, errors.New("advertised known-invalid block"))
		return
	}

	m.registerHeader(from, head)

	// register the history chain, newest first, until a known block or
	// the lookback bound
	lookback := m.opts.SyncLookback
	if len(msg.Branch.History) < lookback {
		lookback = len(msg.Branch.History)
	}
	for i := 0; i < lookback; i++ {
		hash := msg.Branch.History[i]
		if m.haveBlock(hash) {
			return
		}
		if m.knownInvalid.Contains(hash) {
			m.penalize(from, m.opts.InvalidBlockPenalty, errors.New("advertised known-invalid block"))
			return
		}
		m.trackMissing(from, hash, 0, stageHeader)
	}
}

// registerHeader records an advertised head header, which arrives with
// the branch and therefore skips the header-fetch stage.
func (m *Manager) registerHeader(from p2p.ID, header *types.BlockHeader) {
	hash := header.Hash()
	if m.haveBlock(hash) {
		return
	}
	if _, ok := m.pending[hash]; ok {
		m.addOrigin(hash, from)
		if mb, ok := m.missing[hash]; ok {
			mb.advertisers[from] = struct{}{}
		}
		return
	}
	m.acceptHeader(from, header)
}

// onHeaderReceived handles a header answering an earlier fetch. Headers
// we never asked for, and headers answering the wrong request, are
// protocol violations.
func (m *Manager) onHeaderReceived(from p2p.ID, header *types.BlockHeader) {
	if _, ok := m.peers[from]; !ok {
		return
	}
	hash := header.Hash()

	mb, ok := m.missing[hash]
	if !ok {
		if m.haveBlock(hash) || m.pending[hash] != nil {
			// duplicate answer after reassignment, harmless
			return
		}
		m.violation(from, "unsolicited block header")
		return
	}
	if mb.stage != stageHeader {
		m.violation(from, "header for block already past header stage")
		return
	}
	if header.ChainID != m.chainID {
		m.violation(from, "header for foreign chain")
		return
	}
	if err := header.ValidateBasic(); err != nil {
		m.violation(from, fmt.Sprintf("malformed header: %v", err))
		return
	}
	if mb.level != 0 && header.Level != mb.level {
		m.violation(from, "header level does not match advertisement")
		return
	}

	delete(m.missing, hash)
	m.acceptHeader(from, header)
}

// acceptHeader moves a validated header to pending and queues its
// operations for fetching. The predecessor is registered as missing if we
// do not have it yet. Nothing is persisted here; headers and operations
// only become durable once the block connects to the chain and is
// delivered.
func (m *Manager) acceptHeader(from p2p.ID, header *types.BlockHeader) {
	hash := header.Hash()

	// levels are dense: a header must sit exactly one above a known
	// predecessor
	if predLevel, ok := m.predecessorLevel(header.Predecessor); ok && header.Level != predLevel+1 {
		m.violation(from, fmt.Sprintf("header at level %d on predecessor at level %d",
			header.Level, predLevel))
		return
	}

	if len(m.pending) >= m.opts.MaxTrackedBlocks {
		// keep it fetchable for when the pipeline drains
		m.metrics.TrackingDeferred.Add(1)
		m.trackMissing(from, hash, header.Level, stageHeader)
		return
	}

	pb := &pendingBlock{
		header: header,
		ops:    make([]*types.OperationsList, header.ValidationPasses),
	}
	m.pending[hash] = pb
	m.addOrigin(hash, from)
	m.metrics.HeadersReceived.Add(1)

	if header.ValidationPasses == 0 {
		m.completePending(hash, pb)
	} else {
		// load any passes already durable from a previous run
		for pass := uint8(0); pass < header.ValidationPasses; pass++ {
			if ops := m.bs.LoadOperations(hash, pass); ops != nil {
				pb.ops[pass] = ops
			}
		}
		if pb.complete() {
			m.completePending(hash, pb)
		} else {
			m.trackMissing(from, hash, header.Level, stageOperations)
		}
	}

	if !header.IsGenesis() && !m.haveBlock(header.Predecessor) {
		if m.pending[header.Predecessor] == nil {
			m.trackMissing(from, header.Predecessor, header.Level-1, stageHeader)
		}
	}
}

// onOperationsReceived handles an operations list answering a fetch. The
// list hash must match the header's declared hash for that pass; a
// mismatch is charged to the sender and the pass stays missing.
func (m *Manager) onOperationsReceived(from p2p.ID, ops *types.OperationsList) {
	if _, ok := m.peers[from]; !ok {
		return
	}
	if err := ops.ValidateBasic(); err != nil {
		m.violation(from, fmt.Sprintf("malformed operations: %v", err))
		return
	}

	pb, ok := m.pending[ops.Block]
	if !ok {
		if m.haveBlock(ops.Block) {
			return
		}
		m.violation(from, "unsolicited operations")
		return
	}
	if int(ops.Pass) >= len(pb.ops) {
		m.violation(from, "operations pass out of range")
		return
	}
	if pb.ops[ops.Pass] != nil {
		// duplicate answer after reassignment, harmless
		return
	}

	declared := pb.header.OperationsHashes[ops.Pass]
	got := ops.Hash()
	if !bytes.Equal(declared.Bytes(), got.Bytes()) {
		m.penalize(from, m.opts.MismatchPenalty,
			fmt.Errorf("operations hash mismatch for block %v pass %d", ops.Block, ops.Pass))
		// release the in-flight claim so the pass is refetched elsewhere
		if mb, ok := m.missing[ops.Block]; ok && mb.inFlight == from {
			mb.inFlight = ""
		}
		return
	}

	pb.ops[ops.Pass] = ops
	m.addOrigin(ops.Block, from)
	m.metrics.OperationsReceived.Add(1)

	if pb.complete() {
		delete(m.missing, ops.Block)
		m.completePending(ops.Block, pb)
	}
}

// completePending moves a fully fetched block into the delivery queue if
// it is deliverable, and cascades to successors waiting on it.
func (m *Manager) completePending(hash types.BlockHash, pb *pendingBlock) {
	pb.fetched = true
	if !m.deliverable(pb.header) {
		return
	}
	m.deliver(hash, pb)

	// committing order is ancestor first; anything pending on this block
	// may now flow too
	m.cascadeFrom(hash)
}

// deliver persists a connected, fully fetched block and hands it to the
// dispatcher. Durability here is what makes restart recovery work: a
// delivered-but-uncommitted block is re-derived from storage on the next
// start instead of refetched.
func (m *Manager) deliver(hash types.BlockHash, pb *pendingBlock) {
	if err := m.bs.SaveHeader(pb.header); err != nil {
		m.logger.Error("failed to persist header", "block", hash, "err", err)
		return
	}
	for _, ops := range pb.ops {
		if ops == nil {
			continue
		}
		if err := m.bs.SaveOperations(ops); err != nil {
			m.logger.Error("failed to persist operations",
				"block", hash, "pass", ops.Pass, "err", err)
			return
		}
	}

	block := &types.Block{Header: pb.header, Operations: pb.ops}
	delete(m.pending, hash)
	m.queued[hash] = struct{}{}
	m.deliveryQueue = append(m.deliveryQueue, block)
	m.metrics.BlocksDelivered.Add(1)
}

func (m *Manager) cascadeFrom(hash types.BlockHash) {
	for {
		advanced := false
		for h, pb := range m.pending {
			if !pb.fetched {
				continue
			}
			if pb.header.Predecessor == hash || m.deliverable(pb.header) {
				m.deliver(h, pb)
				hash = h
				advanced = true
				break
			}
		}
		if !advanced {
			return
		}
	}
}

// deliverable reports whether a block's predecessor has been committed or
// already sits in the dispatcher's queue ahead of it.
func (m *Manager) deliverable(header *types.BlockHeader) bool {
	if header.IsGenesis() {
		return false
	}
	pred := header.Predecessor
	if pred == m.state.HeadHash {
		return true
	}
	if _, ok := m.queued[pred]; ok {
		return true
	}
	// committed deeper in history
	return m.bs.HasApplied(pred)
}

// haveBlock reports whether a block is already durable and applied, or
// queued for application.
func (m *Manager) haveBlock(hash types.BlockHash) bool {
	if hash == m.state.HeadHash {
		return true
	}
	if _, ok := m.queued[hash]; ok {
		return true
	}
	return m.bs.HasApplied(hash)
}

// predecessorLevel looks up the level of a block we already know about,
// in the pending set or in storage.
func (m *Manager) predecessorLevel(pred types.BlockHash) (int64, bool) {
	if pb, ok := m.pending[pred]; ok {
		return pb.header.Level, true
	}
	if header := m.bs.LoadHeader(pred); header != nil {
		return header.Level, true
	}
	return 0, false
}

// trackMissing registers a block as missing, or adds the peer as an
// alternative source if it is tracked already. At most one request per
// block is ever in flight.
func (m *Manager) trackMissing(from p2p.ID, hash types.BlockHash, level int64, stage fetchStage) {
	if mb, ok := m.missing[hash]; ok {
		mb.advertisers[from] = struct{}{}
		if stage == stageOperations && mb.stage == stageHeader {
			mb.stage = stageOperations
			mb.inFlight = ""
		}
		return
	}
	if len(m.missing) >= m.opts.MaxTrackedBlocks {
		m.metrics.TrackingDeferred.Add(1)
		return
	}
	m.missing[hash] = &missingBlock{
		advertisers: map[p2p.ID]struct{}{from: {}},
		stage:       stage,
		level:       level,
	}
	m.metrics.MissingBlocks.Set(float64(len(m.missing)))
}

func (m *Manager) addOrigin(hash types.BlockHash, from p2p.ID) {
	set, ok := m.origins[hash]
	if !ok {
		set = make(map[p2p.ID]struct{})
		m.origins[hash] = set
	}
	set[from] = struct{}{}
}

// serveCurrentBranch answers a branch request from our durable state.
func (m *Manager) serveCurrentBranch(from p2p.ID, msg *p2p.GetCurrentBranch) {
	if msg.ChainID != m.chainID {
		m.violation(from, "branch request for foreign chain")
		return
	}
	branch, err := m.currentBranch()
	if err != nil {
		m.logger.Error("failed to assemble current branch", "err", err)
		return
	}
	m.sendTo(from, &p2p.CurrentBranch{ChainID: m.chainID, Branch: *branch})
}

// currentBranch assembles head plus a sampled history, newest first.
func (m *Manager) currentBranch() (*types.Branch, error) {
	head := m.bs.LoadHeader(m.state.HeadHash)
	if head == nil {
		return nil, fmt.Errorf("head header %v: %w", m.state.HeadHash, store.ErrNotFound)
	}
	history := make([]types.BlockHash, 0, types.MaxBranchHistory)
	step := int64(1)
	level := m.state.HeadLevel - 1
	for level >= 0 && len(history) < types.MaxBranchHistory {
		hash, ok := m.bs.HashAtLevel(level)
		if !ok {
			break // pruned below this level
		}
		history = append(history, hash)
		level -= step
		// densely sample recent history, exponentially sparser further back
		if len(history) > 16 {
			step *= 2
		}
	}
	return &types.Branch{Head: head, History: history}, nil
}

func (m *Manager) serveBlockHeaders(from p2p.ID, msg *p2p.GetBlockHeaders) {
	if err := msg.ValidateBasic(); err != nil {
		m.violation(from, fmt.Sprintf("malformed header request: %v", err))
		return
	}
	for _, hash := range msg.Hashes {
		header := m.bs.LoadHeader(hash)
		if header == nil {
			continue // absent blocks are silently skipped
		}
		m.sendTo(from, &p2p.BlockHeaderMsg{Header: header})
	}
}

func (m *Manager) serveOperations(from p2p.ID, msg *p2p.GetOperations) {
	if err := msg.ValidateBasic(); err != nil {
		m.violation(from, fmt.Sprintf("malformed operations request: %v", err))
		return
	}
	header := m.bs.LoadHeader(msg.Block)
	if header == nil {
		return
	}
	passes := msg.Passes
	if len(passes) == 0 {
		for pass := uint8(0); pass < header.ValidationPasses; pass++ {
			passes = append(passes, pass)
		}
	}
	for _, pass := range passes {
		if pass >= header.ValidationPasses {
			continue
		}
		ops := m.bs.LoadOperations(msg.Block, pass)
		if ops == nil {
			continue
		}
		m.sendTo(from, &p2p.OperationsMsg{Operations: ops})
	}
}

func (m *Manager) sendTo(id p2p.ID, msg p2p.Message) {
	pc := m.network.Peer(id)
	if pc == nil {
		return
	}
	if err := pc.Send(msg); err != nil {
		m.logger.Debug("failed to send to peer", "peer", id, "err", err)
	}
}

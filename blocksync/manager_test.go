package blocksync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/stela-net/stela/libs/log"
	"github.com/stela-net/stela/p2p"
	"github.com/stela-net/stela/store"
	"github.com/stela-net/stela/types"
)

const testChainID = types.ChainID("stela-test")

type fakePeer struct {
	mtx      sync.Mutex
	id       p2p.ID
	sent     []p2p.Message
	requests []p2p.Message
	state    string
	atCap    bool
}

func (p *fakePeer) ID() p2p.ID { return p.id }

func (p *fakePeer) Send(msg p2p.Message) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePeer) SendRequest(msg p2p.Message) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.atCap {
		return p2p.ErrRequestCapExceeded{PeerID: p.id, Cap: 0}
	}
	p.requests = append(p.requests, msg)
	return nil
}

func (p *fakePeer) MarkSynced()        { p.mtx.Lock(); p.state = "synced"; p.mtx.Unlock() }
func (p *fakePeer) MarkBootstrapping() { p.mtx.Lock(); p.state = "bootstrapping"; p.mtx.Unlock() }

func (p *fakePeer) sentRequests() []p2p.Message {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]p2p.Message(nil), p.requests...)
}

// fetchRequests filters out the branch request every new peer gets.
func (p *fakePeer) fetchRequests() []p2p.Message {
	var out []p2p.Message
	for _, msg := range p.sentRequests() {
		if _, ok := msg.(*p2p.GetCurrentBranch); ok {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func (p *fakePeer) sentMsgs() []p2p.Message {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]p2p.Message(nil), p.sent...)
}

type fakeNetwork struct {
	mtx        sync.Mutex
	peers      map[p2p.ID]*fakePeer
	banned     map[p2p.ID]error
	stopped    map[p2p.ID]error
	broadcasts []p2p.Message
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		peers:   make(map[p2p.ID]*fakePeer),
		banned:  make(map[p2p.ID]error),
		stopped: make(map[p2p.ID]error),
	}
}

func (n *fakeNetwork) addPeer(id p2p.ID) *fakePeer {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	fp := &fakePeer{id: id}
	n.peers[id] = fp
	return fp
}

func (n *fakeNetwork) Peer(id p2p.ID) PeerClient {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	fp, ok := n.peers[id]
	if !ok {
		return nil
	}
	return fp
}

func (n *fakeNetwork) Peers() []PeerClient {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	out := make([]PeerClient, 0, len(n.peers))
	for _, fp := range n.peers {
		out = append(out, fp)
	}
	return out
}

func (n *fakeNetwork) BanPeer(id p2p.ID, reason error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.banned[id] = reason
	delete(n.peers, id)
}

func (n *fakeNetwork) StopPeerForError(id p2p.ID, reason error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.stopped[id] = reason
	delete(n.peers, id)
}

func (n *fakeNetwork) Broadcast(msg p2p.Message) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.broadcasts = append(n.broadcasts, msg)
}

// makeChain builds a linear chain of n blocks above genesis, one
// validation pass each.
func makeChain(t *testing.T, genesis *types.BlockHeader, n int) []*types.Block {
	t.Helper()
	return buildChain(genesis, n)
}

func buildChain(genesis *types.BlockHeader, n int) []*types.Block {
	blocks := make([]*types.Block, 0, n)
	pred := genesis.Hash()
	for i := 1; i <= n; i++ {
		ops := &types.OperationsList{
			Pass:       0,
			Operations: [][]byte{{byte(i)}},
		}
		header := &types.BlockHeader{
			ChainID:          testChainID,
			Level:            int64(i),
			Predecessor:      pred,
			Timestamp:        time.Unix(int64(1_700_000_000+i), 0).UTC(),
			ValidationPasses: 1,
			OperationsHashes: []types.OperationsHash{ops.Hash()},
			Fitness:          types.Fitness{{byte(i)}},
		}
		ops.Block = header.Hash()
		blocks = append(blocks, &types.Block{
			Header:     header,
			Operations: []*types.OperationsList{ops},
		})
		pred = header.Hash()
	}
	return blocks
}

func setupManager(t *testing.T) (*Manager, *fakeNetwork, *store.BlockStore, *types.BlockHeader) {
	t.Helper()
	bs := store.NewBlockStore(dbm.NewMemDB())
	genesis := types.MakeGenesisHeader(testChainID, time.Unix(1_700_000_000, 0))
	require.NoError(t, bs.SaveGenesis(genesis, types.ContextHash{1}))

	network := newFakeNetwork()
	m, err := NewManager(
		log.NewTestingLogger(t), testChainID, bs, network,
		nil, nil, DefaultOptions(), NopMetrics(),
	)
	require.NoError(t, err)
	return m, network, bs, genesis
}

// branchFor advertises blocks[last] as head with the rest as history,
// newest first.
func branchFor(blocks []*types.Block) *p2p.CurrentBranch {
	head := blocks[len(blocks)-1].Header
	history := make([]types.BlockHash, 0, len(blocks)-1)
	for i := len(blocks) - 2; i >= 0; i-- {
		history = append(history, blocks[i].Header.Hash())
	}
	return &p2p.CurrentBranch{
		ChainID: testChainID,
		Branch:  types.Branch{Head: head, History: history},
	}
}

func TestManagerRequiresInitializedChain(t *testing.T) {
	bs := store.NewBlockStore(dbm.NewMemDB())
	_, err := NewManager(
		log.NewTestingLogger(t), testChainID, bs, newFakeNetwork(),
		nil, nil, DefaultOptions(), NopMetrics(),
	)
	require.Error(t, err)
	var uninit ErrUninitializedChain
	require.ErrorAs(t, err, &uninit)
}

func TestBranchAdvertisementTracksMissing(t *testing.T) {
	m, network, _, genesis := setupManager(t)
	blocks := makeChain(t, genesis, 3)

	fp := network.addPeer("peer1")
	m.addPeer(fp.id)

	m.onBranchAdvertised(fp.id, branchFor(blocks))

	// head header arrived with the branch; it is pending with its
	// operations outstanding
	headHash := blocks[2].Header.Hash()
	require.Contains(t, m.pending, headHash)
	require.Contains(t, m.missing, headHash)
	assert.Equal(t, stageOperations, m.missing[headHash].stage)

	// history blocks still need their headers
	for _, b := range blocks[:2] {
		hash := b.Header.Hash()
		require.Contains(t, m.missing, hash)
		assert.Equal(t, stageHeader, m.missing[hash].stage)
	}

	// the scheduler assigns every idle entry to the only peer
	m.scheduleFetches()
	require.Len(t, fp.fetchRequests(), 3)
	for _, mb := range m.missing {
		assert.Equal(t, fp.id, mb.inFlight)
	}
}

func TestBranchReAdvertisementIsIdempotent(t *testing.T) {
	m, network, _, genesis := setupManager(t)
	blocks := makeChain(t, genesis, 2)

	fp1 := network.addPeer("peer1")
	fp2 := network.addPeer("peer2")
	m.addPeer(fp1.id)
	m.addPeer(fp2.id)

	m.onBranchAdvertised(fp1.id, branchFor(blocks))
	tracked := len(m.missing)

	// one request in flight per block
	m.scheduleFetches()
	sent := len(fp1.fetchRequests()) + len(fp2.fetchRequests())
	require.Equal(t, tracked, sent)

	// the second advertiser only becomes an alternative source
	m.onBranchAdvertised(fp2.id, branchFor(blocks))
	require.Len(t, m.missing, tracked)
	m.scheduleFetches()
	assert.Equal(t, sent, len(fp1.fetchRequests())+len(fp2.fetchRequests()),
		"re-advertisement must not trigger duplicate fetches")

	for _, mb := range m.missing {
		assert.Contains(t, mb.advertisers, fp2.id)
	}
}

func TestFetchedBlocksDeliverAncestorFirst(t *testing.T) {
	m, network, _, genesis := setupManager(t)
	blocks := makeChain(t, genesis, 3)

	fp := network.addPeer("peer1")
	m.addPeer(fp.id)
	m.onBranchAdvertised(fp.id, branchFor(blocks))

	// complete blocks newest-first; nothing may deliver until the oldest
	// is in
	m.onOperationsReceived(fp.id, blocks[2].Operations[0])
	require.Empty(t, m.deliveryQueue)

	m.onHeaderReceived(fp.id, blocks[1].Header)
	m.onOperationsReceived(fp.id, blocks[1].Operations[0])
	require.Empty(t, m.deliveryQueue)

	m.onHeaderReceived(fp.id, blocks[0].Header)
	m.onOperationsReceived(fp.id, blocks[0].Operations[0])

	require.Len(t, m.deliveryQueue, 3)
	for i, b := range m.deliveryQueue {
		assert.Equal(t, int64(i+1), b.Header.Level)
	}
	assert.Empty(t, m.pending)
}

func TestUnsolicitedHeaderIsViolation(t *testing.T) {
	m, network, _, genesis := setupManager(t)
	blocks := makeChain(t, genesis, 1)

	fp := network.addPeer("peer1")
	m.addPeer(fp.id)
	before := m.peers[fp.id].score

	m.onHeaderReceived(fp.id, blocks[0].Header)

	require.Contains(t, network.stopped, fp.id)
	var violation p2p.ErrProtocolViolation
	require.ErrorAs(t, network.stopped[fp.id], &violation)
	assert.Less(t, m.peers[fp.id].score, before)
}

func TestOperationsHashMismatchPenalized(t *testing.T) {
	m, network, _, genesis := setupManager(t)
	blocks := makeChain(t, genesis, 1)

	fp := network.addPeer("peer1")
	m.addPeer(fp.id)
	m.onBranchAdvertised(fp.id, branchFor(blocks))
	m.scheduleFetches()

	hash := blocks[0].Header.Hash()
	before := m.peers[fp.id].score

	bogus := &types.OperationsList{
		Block:      hash,
		Pass:       0,
		Operations: [][]byte{[]byte("not what the header declared")},
	}
	m.onOperationsReceived(fp.id, bogus)

	assert.Less(t, m.peers[fp.id].score, before)
	require.Contains(t, m.missing, hash, "pass must stay missing after a mismatch")
	assert.Equal(t, p2p.ID(""), m.missing[hash].inFlight,
		"mismatch must release the in-flight claim for refetch")
	require.Nil(t, m.pending[hash].ops[0])

	// the genuine operations still complete the block
	m.onOperationsReceived(fp.id, blocks[0].Operations[0])
	require.Len(t, m.deliveryQueue, 1)
}

func TestFetchTimeoutReassignsToOtherPeer(t *testing.T) {
	m, network, _, genesis := setupManager(t)
	m.opts.FetchTimeout = time.Nanosecond
	blocks := makeChain(t, genesis, 1)

	fp1 := network.addPeer("peer1")
	fp2 := network.addPeer("peer2")
	m.addPeer(fp1.id)
	m.addPeer(fp2.id)

	m.onBranchAdvertised(fp1.id, branchFor(blocks))
	m.scheduleFetches()

	hash := blocks[0].Header.Hash()
	first := m.missing[hash].inFlight
	require.NotEmpty(t, first)

	time.Sleep(time.Millisecond)
	m.scheduleFetches()

	second := m.missing[hash].inFlight
	require.NotEmpty(t, second)
	assert.NotEqual(t, first, second, "timed-out fetch must move to a different peer")
	assert.Equal(t, 2, m.missing[hash].attempts)
}

func TestPeerDownReleasesInFlight(t *testing.T) {
	m, network, _, genesis := setupManager(t)
	blocks := makeChain(t, genesis, 2)

	fp1 := network.addPeer("peer1")
	fp2 := network.addPeer("peer2")
	m.addPeer(fp1.id)
	m.addPeer(fp2.id)

	m.onBranchAdvertised(fp1.id, branchFor(blocks))
	m.onBranchAdvertised(fp2.id, branchFor(blocks))
	m.scheduleFetches()

	network.StopPeerForError(fp1.id, errors.New("test"))
	m.removePeer(fp1.id)

	for _, mb := range m.missing {
		assert.NotEqual(t, fp1.id, mb.inFlight)
	}

	m.scheduleFetches()
	for _, mb := range m.missing {
		assert.Equal(t, fp2.id, mb.inFlight)
	}
}

func TestValidationFailurePenalizesOrigins(t *testing.T) {
	m, network, _, genesis := setupManager(t)
	blocks := makeChain(t, genesis, 1)

	fp := network.addPeer("peer1")
	m.addPeer(fp.id)
	m.onBranchAdvertised(fp.id, branchFor(blocks))
	m.onOperationsReceived(fp.id, blocks[0].Operations[0])

	hash := blocks[0].Header.Hash()
	require.Len(t, m.deliveryQueue, 1)
	before := m.peers[fp.id].score

	m.handleValidationFailed(InvalidBlock{Hash: hash, Err: errors.New("bad protocol data")})

	assert.Less(t, m.peers[fp.id].score, before)
	assert.True(t, m.knownInvalid.Contains(hash))
	assert.NotContains(t, m.queued, hash)

	// re-advertising the quarantined block is penalized, not re-tracked;
	// the second offense exhausts the peer's trust
	m.onBranchAdvertised(fp.id, branchFor(blocks))
	assert.NotContains(t, m.missing, hash)
	require.Contains(t, network.banned, fp.id)
}

func TestScoreExhaustionBansPeer(t *testing.T) {
	m, network, _, genesis := setupManager(t)
	blocks := makeChain(t, genesis, 1)

	fp := network.addPeer("peer1")
	m.addPeer(fp.id)

	// violations only ever lower the score until the ban threshold
	for i := 0; i < 10; i++ {
		if _, ok := m.peers[fp.id]; !ok {
			break
		}
		m.onHeaderReceived(fp.id, blocks[0].Header)
		network.addPeer(fp.id) // reconnect for the next round
	}

	require.Contains(t, network.banned, fp.id)
	assert.NotContains(t, m.peers, fp.id)
}

func TestHeadAdvanceDropsStaleMissing(t *testing.T) {
	m, network, bs, genesis := setupManager(t)
	blocks := makeChain(t, genesis, 3)

	fp := network.addPeer("peer1")
	m.addPeer(fp.id)
	m.onBranchAdvertised(fp.id, branchFor(blocks))
	require.NotEmpty(t, m.missing)

	// commit the first two blocks out of band
	state := m.Head()
	for _, b := range blocks[:2] {
		require.NoError(t, bs.SaveHeader(b.Header))
		require.NoError(t, bs.SaveOperations(b.Operations[0]))
		state = types.ChainState{
			ChainID:   testChainID,
			HeadHash:  b.Header.Hash(),
			HeadLevel: b.Header.Level,
		}
		meta := store.ApplyMeta{Level: b.Header.Level, AppliedAt: time.Now()}
		require.NoError(t, bs.Commit(b, meta, types.ContextHash{byte(b.Header.Level)}, state))
	}

	m.handleHeadAdvanced(state)

	for hash, mb := range m.missing {
		assert.Greater(t, mb.level, int64(0), "level-less entries may stay")
		assert.Greater(t, mb.level, state.HeadLevel, "passed block %v still tracked", hash)
	}
	require.NotEmpty(t, network.broadcasts, "head advance must re-advertise the branch")
	cb, ok := network.broadcasts[len(network.broadcasts)-1].(*p2p.CurrentBranch)
	require.True(t, ok)
	assert.Equal(t, int64(2), cb.Branch.Head.Level)
}

func TestServeBranchHeadersAndOperations(t *testing.T) {
	m, network, bs, genesis := setupManager(t)
	blocks := makeChain(t, genesis, 2)

	state := m.Head()
	for _, b := range blocks {
		require.NoError(t, bs.SaveHeader(b.Header))
		require.NoError(t, bs.SaveOperations(b.Operations[0]))
		state = types.ChainState{
			ChainID:   testChainID,
			HeadHash:  b.Header.Hash(),
			HeadLevel: b.Header.Level,
		}
		meta := store.ApplyMeta{Level: b.Header.Level, AppliedAt: time.Now()}
		require.NoError(t, bs.Commit(b, meta, types.ContextHash{byte(b.Header.Level)}, state))
	}
	m.handleHeadAdvanced(state)

	fp := network.addPeer("peer1")
	m.addPeer(fp.id)

	m.serveCurrentBranch(fp.id, &p2p.GetCurrentBranch{ChainID: testChainID})
	m.serveBlockHeaders(fp.id, &p2p.GetBlockHeaders{Hashes: []types.BlockHash{
		blocks[0].Header.Hash(),
		{0xff}, // unknown, silently skipped
	}})
	m.serveOperations(fp.id, &p2p.GetOperations{Block: blocks[1].Header.Hash()})

	msgs := fp.sentMsgs()
	require.Len(t, msgs, 3)

	branch, ok := msgs[0].(*p2p.CurrentBranch)
	require.True(t, ok)
	assert.Equal(t, int64(2), branch.Branch.Head.Level)
	assert.NotEmpty(t, branch.Branch.History)

	header, ok := msgs[1].(*p2p.BlockHeaderMsg)
	require.True(t, ok)
	assert.Equal(t, blocks[0].Header.Hash(), header.Header.Hash())

	ops, ok := msgs[2].(*p2p.OperationsMsg)
	require.True(t, ok)
	assert.Equal(t, blocks[1].Header.Hash(), ops.Operations.Block)
}

func TestTrackingCapDefersAdvertisements(t *testing.T) {
	m, network, _, genesis := setupManager(t)
	m.opts.MaxTrackedBlocks = 2
	blocks := makeChain(t, genesis, 5)

	fp := network.addPeer("peer1")
	m.addPeer(fp.id)
	m.onBranchAdvertised(fp.id, branchFor(blocks))

	assert.LessOrEqual(t, len(m.missing), 2)
}

func TestRequestCapLeavesFetchIdle(t *testing.T) {
	m, network, _, genesis := setupManager(t)
	blocks := makeChain(t, genesis, 1)

	fp := network.addPeer("peer1")
	fp.atCap = true
	m.addPeer(fp.id)
	m.onBranchAdvertised(fp.id, branchFor(blocks))

	m.scheduleFetches()
	hash := blocks[0].Header.Hash()
	assert.Equal(t, p2p.ID(""), m.missing[hash].inFlight,
		"saturated peer must not be charged with the fetch")

	fp.atCap = false
	m.scheduleFetches()
	assert.Equal(t, fp.id, m.missing[hash].inFlight)
}

func TestManagerRunLoopDeliversViaReady(t *testing.T) {
	defer leaktest.Check(t)()

	bs := store.NewBlockStore(dbm.NewMemDB())
	genesis := types.MakeGenesisHeader(testChainID, time.Unix(1_700_000_000, 0))
	require.NoError(t, bs.SaveGenesis(genesis, types.ContextHash{1}))

	network := newFakeNetwork()
	inbound := make(chan p2p.Envelope, 16)
	events := make(chan p2p.PeerEvent, 16)
	m, err := NewManager(
		log.NewTestingLogger(t), testChainID, bs, network,
		inbound, events, DefaultOptions(), NopMetrics(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Stop(); m.Wait() }()

	blocks := makeChain(t, genesis, 1)
	fp := network.addPeer("peer1")
	events <- p2p.PeerEvent{PeerID: fp.id, Type: p2p.PeerEventUp}
	inbound <- p2p.Envelope{From: fp.id, Msg: branchFor(blocks)}
	inbound <- p2p.Envelope{From: fp.id, Msg: &p2p.OperationsMsg{Operations: blocks[0].Operations[0]}}

	select {
	case b := <-m.Ready():
		assert.Equal(t, int64(1), b.Header.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestManagerRecoversFetchedBlocksOnStart(t *testing.T) {
	defer leaktest.Check(t)()

	bs := store.NewBlockStore(dbm.NewMemDB())
	genesis := types.MakeGenesisHeader(testChainID, time.Unix(1_700_000_000, 0))
	require.NoError(t, bs.SaveGenesis(genesis, types.ContextHash{1}))

	// a block fully fetched before the last shutdown, never applied
	blocks := makeChain(t, genesis, 1)
	require.NoError(t, bs.SaveHeader(blocks[0].Header))
	require.NoError(t, bs.SaveOperations(blocks[0].Operations[0]))

	m, err := NewManager(
		log.NewTestingLogger(t), testChainID, bs, newFakeNetwork(),
		make(chan p2p.Envelope), make(chan p2p.PeerEvent),
		DefaultOptions(), NopMetrics(),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Stop(); m.Wait() }()

	select {
	case b := <-m.Ready():
		assert.Equal(t, blocks[0].Header.Hash(), b.Header.Hash())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recovered block")
	}
}

func TestValidationFailureDropsQueuedDescendants(t *testing.T) {
	m, network, _, genesis := setupManager(t)
	blocks := makeChain(t, genesis, 3)

	fp := network.addPeer("peer1")
	m.addPeer(fp.id)
	m.onBranchAdvertised(fp.id, branchFor(blocks))
	m.onOperationsReceived(fp.id, blocks[2].Operations[0])
	m.onHeaderReceived(fp.id, blocks[1].Header)
	m.onOperationsReceived(fp.id, blocks[1].Operations[0])
	m.onHeaderReceived(fp.id, blocks[0].Header)
	m.onOperationsReceived(fp.id, blocks[0].Operations[0])
	require.Len(t, m.deliveryQueue, 3)

	// rejecting the oldest leaves its descendants unable to extend the
	// chain; none of them may reach the dispatcher
	m.handleValidationFailed(InvalidBlock{
		Hash: blocks[0].Header.Hash(),
		Err:  errors.New("bad protocol data"),
	})

	assert.Empty(t, m.deliveryQueue)
	assert.Empty(t, m.queued)
}

func TestLevelSkipHeaderIsViolation(t *testing.T) {
	m, network, _, genesis := setupManager(t)

	// claims to extend genesis but sits four levels above it
	ops := &types.OperationsList{Pass: 0, Operations: [][]byte{{1}}}
	header := &types.BlockHeader{
		ChainID:          testChainID,
		Level:            5,
		Predecessor:      genesis.Hash(),
		Timestamp:        time.Unix(1_700_000_005, 0).UTC(),
		ValidationPasses: 1,
		OperationsHashes: []types.OperationsHash{ops.Hash()},
		Fitness:          types.Fitness{{5}},
	}

	fp := network.addPeer("peer1")
	m.addPeer(fp.id)
	m.onBranchAdvertised(fp.id, &p2p.CurrentBranch{
		ChainID: testChainID,
		Branch:  types.Branch{Head: header},
	})

	require.Contains(t, network.stopped, fp.id)
	var violation p2p.ErrProtocolViolation
	require.ErrorAs(t, network.stopped[fp.id], &violation)
	assert.NotContains(t, m.pending, header.Hash())
	assert.NotContains(t, m.queued, header.Hash())
}

func TestEqualHeightAdvertisementMarksPeerSynced(t *testing.T) {
	m, network, bs, genesis := setupManager(t)
	blocks := makeChain(t, genesis, 1)

	// commit the block out of band so our head sits at level 1
	require.NoError(t, bs.SaveHeader(blocks[0].Header))
	require.NoError(t, bs.SaveOperations(blocks[0].Operations[0]))
	state := types.ChainState{
		ChainID:   testChainID,
		HeadHash:  blocks[0].Header.Hash(),
		HeadLevel: 1,
	}
	meta := store.ApplyMeta{Level: 1, AppliedAt: time.Now()}
	require.NoError(t, bs.Commit(blocks[0], meta, types.ContextHash{1}, state))
	m.handleHeadAdvanced(state)

	// peers at exactly our height have nothing to offer and count as
	// synced right away
	for _, id := range []p2p.ID{"peer1", "peer2"} {
		fp := network.addPeer(id)
		m.addPeer(fp.id)
		m.onBranchAdvertised(fp.id, branchFor(blocks))

		assert.Empty(t, fp.fetchRequests(), "nothing to fetch from a peer at our height")
		assert.Equal(t, "synced", fp.state)
		assert.True(t, m.peers[fp.id].synced)
	}
}

func TestTrackingCapBoundsPendingHeaders(t *testing.T) {
	m, network, bs, genesis := setupManager(t)
	m.opts.MaxTrackedBlocks = 2

	fp := network.addPeer("peer1")
	m.addPeer(fp.id)

	heads := make([]*types.BlockHeader, 3)
	for i := range heads {
		ops := &types.OperationsList{Pass: 0, Operations: [][]byte{{byte(i + 1)}}}
		heads[i] = &types.BlockHeader{
			ChainID:          testChainID,
			Level:            1,
			Predecessor:      genesis.Hash(),
			Timestamp:        time.Unix(int64(1_700_000_001+i), 0).UTC(),
			ValidationPasses: 1,
			OperationsHashes: []types.OperationsHash{ops.Hash()},
			Fitness:          types.Fitness{{byte(i + 1)}},
		}
		m.onBranchAdvertised(fp.id, &p2p.CurrentBranch{
			ChainID: testChainID,
			Branch:  types.Branch{Head: heads[i]},
		})
	}

	require.Len(t, m.pending, 2)
	assert.NotContains(t, m.pending, heads[2].Hash())

	// headers stay in memory until the block connects and is delivered
	for _, h := range heads {
		assert.Nil(t, bs.LoadHeader(h.Hash()))
	}
}

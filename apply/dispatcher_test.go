package apply

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/stela-net/stela/libs/log"
	"github.com/stela-net/stela/proxy"
	"github.com/stela-net/stela/store"
	"github.com/stela-net/stela/types"
)

const testChainID = types.ChainID("stela-test")

type stubApp struct {
	mtx         sync.Mutex
	applied     []types.BlockHash
	reclaims    int
	rejectLevel int64
}

func (a *stubApp) Info() proxy.EngineInfo {
	return proxy.EngineInfo{Version: "stub", ProtocolVersion: 1}
}

func (a *stubApp) ApplyBlock(req proxy.ApplyRequest) (*proxy.ApplyResult, *proxy.ValidationError) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	hash := req.Header.Hash()
	if a.rejectLevel != 0 && req.Header.Level == a.rejectLevel {
		return nil, &proxy.ValidationError{Block: hash, Reason: "rejected by test"}
	}
	a.applied = append(a.applied, hash)
	return &proxy.ApplyResult{
		ContextHash:      types.ContextHash{byte(req.Header.Level)},
		OperationResults: [][]byte{[]byte("ok")},
	}, nil
}

func (a *stubApp) Reclaim() {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.reclaims++
}

func (a *stubApp) setRejectLevel(level int64) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.rejectLevel = level
}

func (a *stubApp) appliedCount() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.applied)
}

func (a *stubApp) reclaimCount() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return a.reclaims
}

type fakeChain struct {
	ready   chan *types.Block
	heads   chan types.ChainState
	invalid chan types.BlockHash
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		ready:   make(chan *types.Block, 16),
		heads:   make(chan types.ChainState, 16),
		invalid: make(chan types.BlockHash, 16),
	}
}

func (c *fakeChain) Ready() <-chan *types.Block                       { return c.ready }
func (c *fakeChain) OnHeadAdvanced(state types.ChainState)            { c.heads <- state }
func (c *fakeChain) OnValidationFailed(hash types.BlockHash, _ error) { c.invalid <- hash }

func (c *fakeChain) waitHead(t *testing.T) types.ChainState {
	t.Helper()
	select {
	case state := <-c.heads:
		return state
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for head advance")
		return types.ChainState{}
	}
}

// makeChain builds and persists a linear chain of n fetched blocks above
// genesis, the way they would arrive from the sync manager.
func makeChain(t *testing.T, bs *store.BlockStore, genesis *types.BlockHeader, n int) []*types.Block {
	t.Helper()
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
		require.NoError(t, bs.SaveHeader(header))
		require.NoError(t, bs.SaveOperations(ops))
		blocks = append(blocks, &types.Block{
			Header:     header,
			Operations: []*types.OperationsList{ops},
		})
		pred = header.Hash()
	}
	return blocks
}

func setup(t *testing.T, app *stubApp, opts Options) (*Dispatcher, *fakeChain, *store.BlockStore, *types.BlockHeader) {
	t.Helper()
	bs := store.NewBlockStore(dbm.NewMemDB())
	genesis := types.MakeGenesisHeader(testChainID, time.Unix(1_700_000_000, 0))
	require.NoError(t, bs.SaveGenesis(genesis, types.ContextHash{0xaa}))

	chain := newFakeChain()
	d, err := NewDispatcher(
		log.NewTestingLogger(t), testChainID, bs,
		proxy.NewLocalEngine(app), chain, opts, NopMetrics(),
	)
	require.NoError(t, err)
	return d, chain, bs, genesis
}

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = d.Stop()
		d.Wait()
	})
}

func TestDispatcherAppliesChainInOrder(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	app := &stubApp{}
	d, chain, bs, genesis := setup(t, app, DefaultOptions())
	blocks := makeChain(t, bs, genesis, 3)
	startDispatcher(t, d)

	for _, b := range blocks {
		chain.ready <- b
	}

	var state types.ChainState
	for i := 0; i < 3; i++ {
		state = chain.waitHead(t)
		assert.Equal(t, int64(i+1), state.HeadLevel)
	}

	stored, ok := bs.LoadChainState(testChainID)
	require.True(t, ok)
	assert.Equal(t, state, stored)

	for _, b := range blocks {
		hash := b.Header.Hash()
		assert.True(t, bs.HasApplied(hash))

		meta, ok := bs.LoadApplyMeta(hash)
		require.True(t, ok)
		assert.Equal(t, b.Header.Level, meta.Level)
		assert.NotEmpty(t, meta.Results)

		ctxHash, ok := bs.LoadContextHead(hash)
		require.True(t, ok)
		assert.Equal(t, types.ContextHash{byte(b.Header.Level)}, ctxHash)
	}
}

func TestDispatcherReportsValidationFailure(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	app := &stubApp{rejectLevel: 2}
	d, chain, bs, genesis := setup(t, app, DefaultOptions())
	blocks := makeChain(t, bs, genesis, 2)
	startDispatcher(t, d)

	chain.ready <- blocks[0]
	chain.ready <- blocks[1]

	state := chain.waitHead(t)
	assert.Equal(t, int64(1), state.HeadLevel)

	select {
	case hash := <-chain.invalid:
		assert.Equal(t, blocks[1].Header.Hash(), hash)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for validation failure")
	}

	// the rejected block left no trace in the canonical chain
	stored, ok := bs.LoadChainState(testChainID)
	require.True(t, ok)
	assert.Equal(t, int64(1), stored.HeadLevel)
	assert.False(t, bs.HasApplied(blocks[1].Header.Hash()))
}

func TestDispatcherSkipsAlreadyApplied(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	bs := store.NewBlockStore(dbm.NewMemDB())
	genesis := types.MakeGenesisHeader(testChainID, time.Unix(1_700_000_000, 0))
	require.NoError(t, bs.SaveGenesis(genesis, types.ContextHash{0xaa}))
	blocks := makeChain(t, bs, genesis, 2)

	// block 1 was committed before the restart
	state := types.ChainState{
		ChainID:   testChainID,
		HeadHash:  blocks[0].Header.Hash(),
		HeadLevel: 1,
	}
	meta := store.ApplyMeta{Level: 1, AppliedAt: time.Now()}
	require.NoError(t, bs.Commit(blocks[0], meta, types.ContextHash{1}, state))

	// a fresh dispatcher resumes from the durable state
	app := &stubApp{}
	chain := newFakeChain()
	d, err := NewDispatcher(
		log.NewTestingLogger(t), testChainID, bs,
		proxy.NewLocalEngine(app), chain, DefaultOptions(), NopMetrics(),
	)
	require.NoError(t, err)
	startDispatcher(t, d)

	// the recovery path may redeliver block 1; applying it twice must
	// not call the engine again
	chain.ready <- blocks[0]
	chain.ready <- blocks[1]

	got := chain.waitHead(t)
	assert.Equal(t, int64(2), got.HeadLevel)
	assert.Equal(t, 1, app.appliedCount())
}

func TestDispatcherReclaimCadence(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	opts := DefaultOptions()
	opts.ReclaimEvery = 2
	app := &stubApp{}
	d, chain, bs, genesis := setup(t, app, opts)
	blocks := makeChain(t, bs, genesis, 4)
	startDispatcher(t, d)

	for _, b := range blocks {
		chain.ready <- b
	}
	for i := 0; i < 4; i++ {
		chain.waitHead(t)
	}

	assert.Equal(t, 2, app.reclaimCount())
}

func TestDispatcherAdvancesCheckpoint(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	opts := DefaultOptions()
	opts.CheckpointLag = 1
	app := &stubApp{}
	d, chain, bs, genesis := setup(t, app, opts)
	blocks := makeChain(t, bs, genesis, 3)
	startDispatcher(t, d)

	for _, b := range blocks {
		chain.ready <- b
	}
	var state types.ChainState
	for i := 0; i < 3; i++ {
		state = chain.waitHead(t)
	}
	assert.Equal(t, int64(2), state.Checkpoint)
}

// failEngine loses every apply call at the transport level.
type failEngine struct{}

func (failEngine) Info(context.Context) (proxy.EngineInfo, error) {
	return proxy.EngineInfo{Version: "fail"}, nil
}

func (failEngine) ApplyBlock(context.Context, proxy.ApplyRequest) (*proxy.ApplyResult, error) {
	return nil, proxy.ErrEngineUnavailable
}

func (failEngine) Reclaim(context.Context) error { return nil }
func (failEngine) Close() error                  { return nil }

func TestDispatcherHaltsOnEngineFailure(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	bs := store.NewBlockStore(dbm.NewMemDB())
	genesis := types.MakeGenesisHeader(testChainID, time.Unix(1_700_000_000, 0))
	require.NoError(t, bs.SaveGenesis(genesis, types.ContextHash{0xaa}))
	blocks := makeChain(t, bs, genesis, 1)

	chain := newFakeChain()
	d, err := NewDispatcher(
		log.NewTestingLogger(t), testChainID, bs,
		failEngine{}, chain, DefaultOptions(), NopMetrics(),
	)
	require.NoError(t, err)
	startDispatcher(t, d)

	chain.ready <- blocks[0]

	select {
	case err := <-d.Err():
		require.ErrorIs(t, err, proxy.ErrEngineUnavailable)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fatal error")
	}

	stored, ok := bs.LoadChainState(testChainID)
	require.True(t, ok)
	assert.Equal(t, int64(0), stored.HeadLevel, "head must not move past a failed engine call")
}

func TestDispatcherPrunesRetentionWindow(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	opts := DefaultOptions()
	opts.CheckpointLag = 1
	opts.RetainBlocks = 2
	app := &stubApp{}
	d, chain, bs, genesis := setup(t, app, opts)
	blocks := makeChain(t, bs, genesis, 4)
	startDispatcher(t, d)

	for _, b := range blocks {
		chain.ready <- b
	}
	for i := 0; i < 4; i++ {
		chain.waitHead(t)
	}

	// pruning runs after the head notification
	require.Eventually(t, func() bool {
		return bs.LoadHeader(blocks[0].Header.Hash()) == nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.Nil(t, bs.LoadHeader(genesis.Hash()))
	assert.NotNil(t, bs.LoadHeader(blocks[1].Header.Hash()))
	assert.NotNil(t, bs.LoadHeader(blocks[3].Header.Hash()))

	_, ok := bs.HashAtLevel(1)
	assert.False(t, ok)
	state, ok := bs.LoadChainState(testChainID)
	require.True(t, ok)
	assert.Equal(t, int64(4), state.HeadLevel)
	assert.True(t, bs.HasApplied(blocks[3].Header.Hash()))
}

func TestDispatcherDiscardsSuccessorsOfRejectedBlock(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	app := &stubApp{rejectLevel: 1}
	d, chain, bs, genesis := setup(t, app, DefaultOptions())
	blocks := makeChain(t, bs, genesis, 2)
	startDispatcher(t, d)

	// block 2 is already in flight when block 1 is rejected; it no
	// longer extends the head and must be dropped, not treated as fatal
	chain.ready <- blocks[0]
	chain.ready <- blocks[1]

	select {
	case hash := <-chain.invalid:
		assert.Equal(t, blocks[0].Header.Hash(), hash)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for validation failure")
	}

	select {
	case err := <-d.Err():
		t.Fatalf("dispatcher reported fatal error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// the pipeline keeps working once a valid chain arrives
	app.setRejectLevel(0)
	chain.ready <- blocks[0]
	chain.ready <- blocks[1]

	var state types.ChainState
	for i := 0; i < 2; i++ {
		state = chain.waitHead(t)
	}
	assert.Equal(t, int64(2), state.HeadLevel)
	assert.True(t, bs.HasApplied(blocks[1].Header.Hash()))
}

func TestDispatcherDiscardsLevelSkipBlock(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	app := &stubApp{}
	d, chain, bs, genesis := setup(t, app, DefaultOptions())
	blocks := makeChain(t, bs, genesis, 1)

	// claims to extend genesis but sits four levels above it
	ops := &types.OperationsList{Pass: 0, Operations: [][]byte{{0x99}}}
	skip := &types.BlockHeader{
		ChainID:          testChainID,
		Level:            5,
		Predecessor:      genesis.Hash(),
		Timestamp:        time.Unix(1_700_000_050, 0).UTC(),
		ValidationPasses: 1,
		OperationsHashes: []types.OperationsHash{ops.Hash()},
		Fitness:          types.Fitness{{0x99}},
	}
	ops.Block = skip.Hash()
	require.NoError(t, bs.SaveHeader(skip))
	require.NoError(t, bs.SaveOperations(ops))
	startDispatcher(t, d)

	chain.ready <- &types.Block{Header: skip, Operations: []*types.OperationsList{ops}}
	chain.ready <- blocks[0]

	state := chain.waitHead(t)
	assert.Equal(t, int64(1), state.HeadLevel)
	assert.False(t, bs.HasApplied(skip.Hash()))
	assert.Equal(t, 1, app.appliedCount())
}

package apply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/stela-net/stela/libs/log"
	"github.com/stela-net/stela/libs/service"
	"github.com/stela-net/stela/proxy"
	"github.com/stela-net/stela/store"
	"github.com/stela-net/stela/types"
)

// Chain is the slice of the sync manager the dispatcher reports to.
type Chain interface {
	// Ready yields fully fetched blocks in ancestor-first order.
	Ready() <-chan *types.Block
	// OnHeadAdvanced is called after every durable commit.
	OnHeadAdvanced(state types.ChainState)
	// OnValidationFailed is called when the engine rejects a block.
	OnValidationFailed(hash types.BlockHash, err error)
}

// Options parameterize a Dispatcher.
type Options struct {
	// ReclaimEvery is the number of engine calls between memory reclaim
	// requests to the engine runtime.
	ReclaimEvery int
	// CheckpointLag is how far the checkpoint trails the head. History
	// below the checkpoint becomes prunable.
	CheckpointLag int64
	// Prevalidators sizes the worker pool that checks operations hashes
	// before the engine is involved.
	Prevalidators int
	// ApplyTimeout bounds one engine call.
	ApplyTimeout time.Duration
	// RetainBlocks keeps at least this many recent blocks when pruning.
	// Zero disables pruning and retains all history.
	RetainBlocks int64
}

// DefaultOptions returns the options used in production.
func DefaultOptions() Options {
	return Options{
		ReclaimEvery:  2000,
		CheckpointLag: 100,
		Prevalidators: 4,
		ApplyTimeout:  30 * time.Second,
	}
}

// Dispatcher drains the manager's ready queue and applies blocks through
// the validation engine, one at a time. It is the only writer of the
// chain state: prevalidation fans out to a worker pool, but the engine
// call and the commit are strictly serialized, so the head only ever
// moves by exactly one block per committed application.
type Dispatcher struct {
	service.BaseService
	logger log.Logger

	chainID types.ChainID
	opts    Options
	bs      *store.BlockStore
	engine  proxy.Engine
	chain   Chain
	metrics *Metrics

	pool *workerpool.WorkerPool

	state             types.ChainState
	callsSinceReclaim int

	errOnce sync.Once
	errCh   chan error
}

// NewDispatcher creates a dispatcher resuming from the durable chain
// state.
func NewDispatcher(
	logger log.Logger,
	chainID types.ChainID,
	bs *store.BlockStore,
	engine proxy.Engine,
	chain Chain,
	opts Options,
	metrics *Metrics,
) (*Dispatcher, error) {
	state, ok := bs.LoadChainState(chainID)
	if !ok {
		return nil, fmt.Errorf("no chain state for %q", chainID)
	}

	d := &Dispatcher{
		logger:  logger,
		chainID: chainID,
		opts:    opts,
		bs:      bs,
		engine:  engine,
		chain:   chain,
		metrics: metrics,
		state:   state,
		errCh:   make(chan error, 1),
	}
	d.BaseService = *service.NewBaseService(logger, "Dispatcher", d)
	return d, nil
}

// Err yields the fatal error that halted the dispatcher, if any. A
// receive from it means the chain is no longer advancing and the node
// should shut down.
func (d *Dispatcher) Err() <-chan error { return d.errCh }

func (d *Dispatcher) OnStart(ctx context.Context) error {
	info, err := d.engine.Info(ctx)
	if err != nil {
		return fmt.Errorf("validation engine handshake: %w", err)
	}
	d.logger.Info("validation engine connected",
		"version", info.Version, "protocol", info.ProtocolVersion)

	d.pool = workerpool.New(d.opts.Prevalidators)
	go d.run(ctx)
	return nil
}

func (d *Dispatcher) OnStop() {
	d.pool.StopWait()
	if err := d.engine.Close(); err != nil {
		d.logger.Error("failed to close engine connection", "err", err)
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case block := <-d.chain.Ready():
			if err := d.applyBlock(ctx, block); err != nil {
				d.fatal(err)
				return
			}
		case <-d.Quit():
			return
		case <-ctx.Done():
			return
		}
	}
}

// applyBlock runs the full pipeline for one block: prevalidation, the
// engine call, the atomic commit and the head notification. A non-nil
// return is fatal for the dispatcher.
func (d *Dispatcher) applyBlock(ctx context.Context, block *types.Block) error {
	hash := block.Header.Hash()

	// reapplying is a no-op; the commit is already durable
	if d.bs.HasApplied(hash) {
		d.logger.Debug("skipping already applied block", "block", hash)
		return nil
	}
	// a block queued behind a predecessor the engine later rejected no
	// longer extends anything; drop it rather than halt the chain
	if block.Header.Predecessor != d.state.HeadHash {
		d.logger.Info("discarding block that no longer extends the head",
			"block", hash, "level", block.Header.Level,
			"head", d.state.HeadHash, "head_level", d.state.HeadLevel)
		return nil
	}
	if block.Header.Level != d.state.HeadLevel+1 {
		d.logger.Error("discarding block with inconsistent level",
			"block", hash, "level", block.Header.Level, "head_level", d.state.HeadLevel)
		return nil
	}

	if err := d.prevalidate(block); err != nil {
		d.rejected(hash, err)
		return nil
	}

	predContext, ok := d.bs.LoadContextHead(block.Header.Predecessor)
	if !ok {
		return fmt.Errorf("no context head for predecessor %v of block %v",
			block.Header.Predecessor, hash)
	}

	start := time.Now()
	callCtx := ctx
	if d.opts.ApplyTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.opts.ApplyTimeout)
		defer cancel()
	}
	res, err := d.engine.ApplyBlock(callCtx, proxy.ApplyRequest{
		ChainID:            d.chainID,
		Header:             block.Header,
		Operations:         block.Operations,
		PredecessorContext: predContext,
	})
	d.countEngineCall(ctx)
	if err != nil {
		var verr *proxy.ValidationError
		if errors.As(err, &verr) {
			d.rejected(hash, verr)
			return nil
		}
		return fmt.Errorf("engine call for block %v: %w", hash, err)
	}

	newState := types.ChainState{
		ChainID:    d.chainID,
		HeadHash:   hash,
		HeadLevel:  block.Header.Level,
		Checkpoint: d.state.Checkpoint,
	}
	if cp := block.Header.Level - d.opts.CheckpointLag; cp > newState.Checkpoint {
		newState.Checkpoint = cp
	}

	meta := store.ApplyMeta{
		Level:     block.Header.Level,
		AppliedAt: time.Now().UTC(),
		Results:   res.OperationResults,
	}
	if err := d.bs.Commit(block, meta, res.ContextHash, newState); err != nil {
		return fmt.Errorf("committing block %v: %w", hash, err)
	}

	d.state = newState
	d.metrics.BlocksApplied.Add(1)
	d.metrics.ApplySeconds.Observe(time.Since(start).Seconds())
	d.logger.Info("applied block",
		"block", hash,
		"level", block.Header.Level,
		"context", res.ContextHash,
		"took", time.Since(start))

	d.chain.OnHeadAdvanced(newState)
	d.maybePrune(newState)
	return nil
}

// maybePrune drops history that fell out of the retention window. Prune
// failures are logged and retried on the next commit; stale history never
// affects correctness.
func (d *Dispatcher) maybePrune(state types.ChainState) {
	if d.opts.RetainBlocks <= 0 {
		return
	}
	target := state.HeadLevel - d.opts.RetainBlocks
	if target > state.Checkpoint {
		target = state.Checkpoint
	}
	if target <= 0 {
		return
	}
	pruned, err := d.bs.PruneBelow(target, state)
	if err != nil {
		d.logger.Error("failed to prune block history", "below", target, "err", err)
		return
	}
	if pruned > 0 {
		d.metrics.BlocksPruned.Add(float64(pruned))
		d.logger.Debug("pruned block history", "below", target, "blocks", pruned)
	}
}

// prevalidate re-checks the block's internal consistency on the worker
// pool before paying for an engine call. The manager already verified
// the operations hashes on receipt; this catches corruption between
// receipt and application.
func (d *Dispatcher) prevalidate(block *types.Block) error {
	if err := block.Header.ValidateBasic(); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	if len(block.Operations) != int(block.Header.ValidationPasses) {
		return fmt.Errorf("block carries %d operations passes, header declares %d",
			len(block.Operations), block.Header.ValidationPasses)
	}

	var (
		mtx    sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	for i, ops := range block.Operations {
		i, ops := i, ops
		wg.Add(1)
		d.pool.Submit(func() {
			defer wg.Done()
			var err error
			switch {
			case ops == nil:
				err = fmt.Errorf("pass %d absent", i)
			case ops.Hash() != block.Header.OperationsHashes[i]:
				err = fmt.Errorf("pass %d does not match declared hash", i)
			}
			if err != nil {
				mtx.Lock()
				result = multierror.Append(result, err)
				mtx.Unlock()
			}
		})
	}
	wg.Wait()
	return result.ErrorOrNil()
}

func (d *Dispatcher) rejected(hash types.BlockHash, err error) {
	d.metrics.ValidationFailures.Add(1)
	d.logger.Error("block failed validation", "block", hash, "err", err)
	d.chain.OnValidationFailed(hash, err)
}

// countEngineCall asks the engine to reclaim runtime memory every
// ReclaimEvery calls.
func (d *Dispatcher) countEngineCall(ctx context.Context) {
	if d.opts.ReclaimEvery <= 0 {
		return
	}
	d.callsSinceReclaim++
	if d.callsSinceReclaim < d.opts.ReclaimEvery {
		return
	}
	d.callsSinceReclaim = 0
	if err := d.engine.Reclaim(ctx); err != nil {
		d.logger.Error("engine reclaim failed", "err", err)
		return
	}
	d.metrics.Reclaims.Add(1)
}

func (d *Dispatcher) fatal(err error) {
	d.logger.Error("dispatcher halted", "err", err)
	d.errOnce.Do(func() { d.errCh <- err })
}

package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/stela-net/stela/types"
)

// Engine is the call boundary to the external validation engine: the
// native runtime that knows the protocol's signature and state-transition
// rules. Calls are synchronous and may be long-running. The engine owns
// the context snapshot chain; this node only ever references context
// hashes, never their contents.
type Engine interface {
	// Info returns static information about the engine and the protocol
	// version it implements.
	Info(ctx context.Context) (EngineInfo, error)

	// ApplyBlock validates the block against the context snapshot of its
	// predecessor. A *ValidationError return means the engine judged the
	// block invalid; any other error means the call itself failed.
	ApplyBlock(ctx context.Context, req ApplyRequest) (*ApplyResult, error)

	// Reclaim asks the engine's runtime to reclaim memory. The dispatcher
	// issues this periodically to bound native memory growth.
	Reclaim(ctx context.Context) error

	// Close releases the connection to the engine.
	Close() error
}

// ApplyRequest carries everything the engine needs to validate one block.
type ApplyRequest struct {
	ChainID            types.ChainID           `cbor:"1,keyasint"`
	Header             *types.BlockHeader      `cbor:"2,keyasint"`
	Operations         []*types.OperationsList `cbor:"3,keyasint"`
	PredecessorContext types.ContextHash       `cbor:"4,keyasint"`
}

// ApplyResult is the engine's output for an accepted block.
type ApplyResult struct {
	ContextHash      types.ContextHash `cbor:"1,keyasint"`
	OperationResults [][]byte          `cbor:"2,keyasint"`
}

// EngineInfo describes the engine behind the boundary.
type EngineInfo struct {
	Version         string `cbor:"1,keyasint"`
	ProtocolVersion uint64 `cbor:"2,keyasint"`
}

// ValidationError is returned by ApplyBlock when the engine rejects the
// block as invalid. It is recoverable at the chain level: the block is
// quarantined and the originating peer penalized, the chain state is
// unaffected.
type ValidationError struct {
	Block  types.BlockHash
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("block %v rejected: %s", e.Block, e.Reason)
}

// ErrEngineUnavailable is returned once the bounded restart-and-retry
// policy of a remote engine is exhausted. It is fatal for the chain's
// synchronization.
var ErrEngineUnavailable = errors.New("validation engine unavailable")

// EngineCreator creates connections to a validation engine.
type EngineCreator interface {
	// NewEngine returns a fresh engine connection.
	NewEngine() (Engine, error)
}

// NewLocalEngineCreator returns an EngineCreator for an in-process
// application, useful for tests and for networks whose validation logic
// is linked into the node.
func NewLocalEngineCreator(app Application) EngineCreator {
	return &localEngineCreator{app: app}
}

type localEngineCreator struct {
	app Application
}

func (c *localEngineCreator) NewEngine() (Engine, error) {
	return NewLocalEngine(c.app), nil
}

// NewRemoteEngineCreator returns an EngineCreator that dials an external
// engine process over the given transport ("tcp" or "unix"). maxRetries
// bounds the restart-and-retry policy applied to each call.
func NewRemoteEngineCreator(addr, transport string, maxRetries int) EngineCreator {
	return &remoteEngineCreator{
		addr:       addr,
		transport:  transport,
		maxRetries: maxRetries,
	}
}

type remoteEngineCreator struct {
	addr       string
	transport  string
	maxRetries int
}

func (c *remoteEngineCreator) NewEngine() (Engine, error) {
	return NewRemoteEngine(c.addr, c.transport, c.maxRetries), nil
}

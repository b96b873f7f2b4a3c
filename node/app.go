package node

import (
	"golang.org/x/crypto/blake2b"

	"github.com/stela-net/stela/proxy"
	"github.com/stela-net/stela/types"
)

// passthroughApp is the built-in validation engine used when no external
// engine is configured. It accepts every structurally complete block and
// threads a deterministic context hash, so a relay-only node still
// maintains a well formed commit chain.
type passthroughApp struct{}

var _ proxy.Application = passthroughApp{}

func (passthroughApp) Info() proxy.EngineInfo {
	return proxy.EngineInfo{Version: "passthrough", ProtocolVersion: 0}
}

func (passthroughApp) ApplyBlock(req proxy.ApplyRequest) (*proxy.ApplyResult, *proxy.ValidationError) {
	hash := req.Header.Hash()
	// context evolves as a hash chain over applied blocks
	h, _ := blake2b.New256(nil)
	h.Write(req.PredecessorContext.Bytes())
	h.Write(hash.Bytes())
	var ctxHash types.ContextHash
	copy(ctxHash[:], h.Sum(nil))
	return &proxy.ApplyResult{ContextHash: ctxHash}, nil
}

func (passthroughApp) Reclaim() {}

package blocksync

import (
	"errors"
	"time"

	wr "github.com/mroth/weightedrand"

	"github.com/stela-net/stela/p2p"
	"github.com/stela-net/stela/types"
)

type fetchStage int

const (
	stageHeader fetchStage = iota
	stageOperations
)

// missingBlock is one entry in the missing-block index. At most one
// request for it is in flight at any time.
type missingBlock struct {
	advertisers map[p2p.ID]struct{}
	stage       fetchStage
	level       int64 // 0 when unknown

	inFlight    p2p.ID
	requestedAt time.Time
	attempts    int
	lastTried   p2p.ID
}

// pendingBlock is a block whose header is durable and whose operations
// passes are still being assembled.
type pendingBlock struct {
	header  *types.BlockHeader
	ops     []*types.OperationsList
	fetched bool
}

func (pb *pendingBlock) complete() bool {
	for _, ops := range pb.ops {
		if ops == nil {
			return false
		}
	}
	return true
}

// scheduleFetches runs on every retry tick. It times out stale in-flight
// requests and assigns a source peer to every idle missing entry.
func (m *Manager) scheduleFetches() {
	now := time.Now()

	for hash, mb := range m.missing {
		if mb.inFlight != "" {
			if now.Sub(mb.requestedAt) < m.opts.FetchTimeout {
				continue
			}
			// fetch timed out; free the slot and try another peer
			m.metrics.FetchTimeouts.Add(1)
			m.logger.Debug("fetch timed out",
				"block", hash, "peer", mb.inFlight, "attempt", mb.attempts)
			mb.lastTried = mb.inFlight
			mb.inFlight = ""
		}
		m.assignFetch(hash, mb)
	}
}

// assignFetch picks a source and sends the request for one missing block.
// The entry stays idle if no peer can take it right now.
func (m *Manager) assignFetch(hash types.BlockHash, mb *missingBlock) {
	id, pc := m.pickPeer(mb)
	if pc == nil {
		return
	}

	var msg p2p.Message
	switch mb.stage {
	case stageHeader:
		msg = &p2p.GetBlockHeaders{Hashes: []types.BlockHash{hash}}
	case stageOperations:
		msg = &p2p.GetOperations{Block: hash, Passes: m.missingPasses(hash)}
	}

	if err := m.sendRequest(pc, msg); err != nil {
		// at request cap or stopped; leave idle for the next tick
		return
	}
	mb.inFlight = id
	mb.requestedAt = time.Now()
	mb.attempts++
	m.metrics.FetchesSent.Add(1)
}

func (m *Manager) sendRequest(pc PeerClient, msg p2p.Message) error {
	err := pc.SendRequest(msg)
	if err != nil {
		var capErr p2p.ErrRequestCapExceeded
		if !errors.As(err, &capErr) {
			m.logger.Debug("request send failed", "peer", pc.ID(), "err", err)
		}
	}
	return err
}

// missingPasses lists the operation passes still absent for a pending
// block, so refetches do not redownload passes we already hold.
func (m *Manager) missingPasses(hash types.BlockHash) []uint8 {
	pb, ok := m.pending[hash]
	if !ok {
		return nil
	}
	var passes []uint8
	for i, ops := range pb.ops {
		if ops == nil {
			passes = append(passes, uint8(i))
		}
	}
	return passes
}

// pickPeer selects a source for a fetch, weighted by trust score.
// Advertisers are preferred; if none is usable any connected peer may be
// asked. The peer that just timed out is skipped when an alternative
// exists.
func (m *Manager) pickPeer(mb *missingBlock) (p2p.ID, PeerClient) {
	candidates := m.candidates(mb, true)
	if len(candidates) == 0 {
		candidates = m.candidates(mb, false)
	}
	if len(candidates) == 0 {
		return "", nil
	}
	if len(candidates) == 1 {
		id := candidates[0]
		return id, m.network.Peer(id)
	}

	choices := make([]wr.Choice, 0, len(candidates))
	for _, id := range candidates {
		score := m.peers[id].score
		if score < 1 {
			score = 1
		}
		choices = append(choices, wr.NewChoice(id, uint(score)))
	}
	chooser, err := wr.NewChooser(choices...)
	if err != nil {
		id := candidates[0]
		return id, m.network.Peer(id)
	}
	id := chooser.Pick().(p2p.ID)
	return id, m.network.Peer(id)
}

func (m *Manager) candidates(mb *missingBlock, advertisersOnly bool) []p2p.ID {
	var out []p2p.ID
	for id := range m.peers {
		if advertisersOnly {
			if _, ok := mb.advertisers[id]; !ok {
				continue
			}
		}
		if id == mb.lastTried && len(m.peers) > 1 {
			continue
		}
		if m.network.Peer(id) == nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

package blocksync

import (
	"github.com/stela-net/stela/p2p"
)

// peerState is the manager's bookkeeping for one connected peer. Trust
// scores start neutral and only ever decrease; good behavior is the
// absence of penalties, not a reward.
type peerState struct {
	score     int
	headLevel int64
	synced    bool
}

func (m *Manager) addPeer(id p2p.ID) {
	if _, ok := m.peers[id]; ok {
		return
	}
	m.peers[id] = &peerState{score: m.opts.InitialScore}
	m.logger.Info("peer available for sync", "peer", id)

	// ask where they are
	pc := m.network.Peer(id)
	if pc == nil {
		return
	}
	if err := pc.SendRequest(&p2p.GetCurrentBranch{ChainID: m.chainID}); err != nil {
		m.logger.Debug("failed to request branch", "peer", id, "err", err)
	}
}

// removePeer drops a peer's bookkeeping and releases its in-flight
// fetches so the next tick reassigns them.
func (m *Manager) removePeer(id p2p.ID) {
	if _, ok := m.peers[id]; !ok {
		return
	}
	delete(m.peers, id)

	for hash, mb := range m.missing {
		delete(mb.advertisers, id)
		if mb.inFlight == id {
			mb.inFlight = ""
		}
		// nobody left to vouch for it and nothing durable yet
		if len(mb.advertisers) == 0 && mb.stage == stageHeader {
			delete(m.missing, hash)
		}
	}
	m.logger.Info("peer removed from sync", "peer", id)
}

// violation charges a peer for a protocol violation and disconnects it.
func (m *Manager) violation(id p2p.ID, reason string) {
	err := p2p.ErrProtocolViolation{PeerID: id, Reason: reason}
	m.metrics.ProtocolViolations.Add(1)
	m.penalize(id, m.opts.ViolationPenalty, err)
	m.network.StopPeerForError(id, err)
}

// penalize lowers a peer's trust score, banning it at the threshold.
// Scores never increase.
func (m *Manager) penalize(id p2p.ID, penalty int, reason error) {
	ps, ok := m.peers[id]
	if !ok {
		return
	}
	ps.score -= penalty
	m.logger.Debug("peer penalized", "peer", id, "penalty", penalty, "score", ps.score, "reason", reason)
	if ps.score <= m.opts.BanThreshold {
		m.logger.Info("peer trust exhausted, banning", "peer", id, "score", ps.score)
		m.network.BanPeer(id, reason)
		delete(m.peers, id)
	}
}

package blocksync

import (
	"fmt"

	"github.com/stela-net/stela/p2p"
	"github.com/stela-net/stela/types"
)

// ErrUninitializedChain is returned when no chain state exists for the
// configured chain. Run genesis initialization first.
type ErrUninitializedChain struct {
	ChainID types.ChainID
}

func (e ErrUninitializedChain) Error() string {
	return fmt.Sprintf("no chain state for %q, database not initialized", e.ChainID)
}

// SwitchNetwork adapts a *p2p.Switch to the Network interface.
type SwitchNetwork struct {
	Switch *p2p.Switch
}

var _ Network = SwitchNetwork{}

func (n SwitchNetwork) Peer(id p2p.ID) PeerClient {
	p := n.Switch.GetPeer(id)
	if p == nil {
		return nil
	}
	return p
}

func (n SwitchNetwork) Peers() []PeerClient {
	ps := n.Switch.Peers()
	out := make([]PeerClient, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}

func (n SwitchNetwork) BanPeer(id p2p.ID, reason error)          { n.Switch.BanPeer(id, reason) }
func (n SwitchNetwork) StopPeerForError(id p2p.ID, reason error) { n.Switch.StopPeerForError(id, reason) }
func (n SwitchNetwork) Broadcast(msg p2p.Message)                { n.Switch.Broadcast(msg) }

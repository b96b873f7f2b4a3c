package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built software's version.
	Version = StelaSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// StelaSemVer is the current semantic version of the node software.
	StelaSemVer = "0.4.1"
)

// Protocol versions a wire-level behavior independently of the software
// release that ships it.
type Protocol uint64

// Uint64 returns the Protocol version as a uint64.
func (p Protocol) Uint64() uint64 {
	return uint64(p)
}

var (
	// P2PProtocol versions the peer handshake and message set.
	P2PProtocol Protocol = 1

	// BlockProtocol versions the block data structures and the apply
	// semantics.
	BlockProtocol Protocol = 1
)

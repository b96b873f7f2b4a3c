package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stela-net/stela/version"
)

var verbose bool

// VersionCmd prints the software version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version info",
	RunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			values, err := json.MarshalIndent(struct {
				Stela         string `json:"stela"`
				BlockProtocol uint64 `json:"block_protocol"`
				P2PProtocol   uint64 `json:"p2p_protocol"`
			}{
				Stela:         version.Version,
				BlockProtocol: version.BlockProtocol.Uint64(),
				P2PProtocol:   version.P2PProtocol.Uint64(),
			}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(values))
		} else {
			fmt.Println(version.Version)
		}
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show protocol versions")
}

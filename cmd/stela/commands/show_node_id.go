package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stela-net/stela/config"
	"github.com/stela-net/stela/p2p"
)

// MakeShowNodeIDCommand returns the command that prints this node's ID.
func MakeShowNodeIDCommand(conf *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show-node-id",
		Short: "Show this node's ID",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeKey, err := p2p.LoadNodeKey(conf.NodeKeyFile())
			if err != nil {
				return fmt.Errorf("loading node key: %w", err)
			}
			fmt.Println(nodeKey.ID())
			return nil
		},
	}
}

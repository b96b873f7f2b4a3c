package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stela-net/stela/config"
	"github.com/stela-net/stela/libs/log"
	"github.com/stela-net/stela/node"
)

// MakeRunNodeCommand returns the command that starts a full node and
// blocks until it is shut down by a signal or a fatal error.
func MakeRunNodeCommand(conf *config.Config, logPtr *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the node",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := *logPtr
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			n, err := node.New(ctx, conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}
			logger.Info("started node", "node_id", n.NodeID(), "chain_id", conf.ChainID)

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				if err := n.Stop(); err != nil && err != context.Canceled {
					logger.Error("error during shutdown", "err", err)
				}
			case <-n.Quit():
				// the node stops itself on a fatal apply error
			}
			n.Wait()
			return nil
		},
	}

	cmd.Flags().String("moniker", conf.Moniker, "node name")
	cmd.Flags().String("p2p.laddr", conf.P2P.ListenAddr, "p2p listen address")
	cmd.Flags().String("p2p.persistent-peers", conf.P2P.PersistentPeers,
		"comma-delimited ID@host:port persistent peers")
	cmd.Flags().String("apply.engine-addr", conf.Apply.EngineAddr,
		"validation engine address, empty for the built-in passthrough engine")
	cmd.Flags().String("db-backend", conf.DBBackend, "database backend: goleveldb | memdb")
	return cmd
}

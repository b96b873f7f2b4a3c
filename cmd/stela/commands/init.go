package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stela-net/stela/config"
	"github.com/stela-net/stela/libs/log"
	"github.com/stela-net/stela/p2p"
)

// MakeInitFilesCommand returns the command to initialize the node's
// home directory: the config file and the node key. Generating the key
// runs the proof-of-work stamp search and can take a while at the
// default difficulty.
func MakeInitFilesCommand(conf *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the home directory with a config file and node key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFiles(cmd, conf, *logger)
		},
	}
}

func initFiles(cmd *cobra.Command, conf *config.Config, logger log.Logger) error {
	if err := config.EnsureRoot(conf.RootDir); err != nil {
		return err
	}

	configFile := conf.ConfigFile()
	if _, err := os.Stat(configFile); err == nil {
		logger.Info("found config file, skipping", "path", configFile)
	} else {
		if err := config.WriteConfigFile(configFile, conf); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
		logger.Info("generated config file", "path", configFile)
	}

	nodeKeyFile := conf.NodeKeyFile()
	if _, err := os.Stat(nodeKeyFile); err == nil {
		logger.Info("found node key, skipping", "path", nodeKeyFile)
		return nil
	}
	logger.Info("generating node key, this may take a while",
		"difficulty", conf.P2P.PowDifficulty)
	nodeKey, err := p2p.LoadOrGenNodeKey(cmd.Context(), nodeKeyFile, uint(conf.P2P.PowDifficulty))
	if err != nil {
		return fmt.Errorf("generating node key: %w", err)
	}
	logger.Info("generated node key", "path", nodeKeyFile, "id", nodeKey.ID())
	return nil
}

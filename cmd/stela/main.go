package main

import (
	"context"
	"os"

	"github.com/stela-net/stela/cmd/stela/commands"
	"github.com/stela-net/stela/config"
	"github.com/stela-net/stela/libs/log"
)

func main() {
	conf := config.DefaultConfig()
	logger := log.MustNewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)

	rcmd := commands.RootCommand(conf, &logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, &logger),
		commands.MakeRunNodeCommand(conf, &logger),
		commands.MakeShowNodeIDCommand(conf),
		commands.VersionCmd,
	)

	if err := rcmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(2)
	}
}

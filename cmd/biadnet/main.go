package main

import (
	"context"
	"os"

	"github.com/biadnet/biadnet/cmd/biadnet/commands"
	"github.com/biadnet/biadnet/config"
	"github.com/biadnet/biadnet/libs/cli"
	"github.com/biadnet/biadnet/libs/log"
)

func main() {
	ctx := context.Background()

	conf := config.DefaultConfig()
	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.MakeShowTipCommand(conf),
		commands.MakeVersionCommand(),
		commands.NewRunNodeCmd(conf, logger),
	)

	if err := cli.RunWithTrace(ctx, rcmd); err != nil {
		os.Exit(1)
	}
}

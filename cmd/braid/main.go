package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendermint/braid/cmd/braid/commands"
	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/libs/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf := config.DefaultConfig()
	logger, err := log.NewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.MakeRunNodeCommand(conf, logger),
		commands.MakeReplayCommand(conf, logger),
		commands.MakeShowNodeIDCommand(conf),
		commands.VersionCmd,
	)

	if err := rcmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/internal/p2p"
	"github.com/tendermint/braid/libs/log"
	tmos "github.com/tendermint/braid/libs/os"
)

// MakeInitFilesCommand returns the command that writes the default config
// file and node key, keeping those that already exist.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a braid home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFiles(conf, logger)
		},
	}
}

func initFiles(conf *config.Config, logger log.Logger) error {
	nodeKeyFile := conf.NodeKeyFile()
	if tmos.FileExists(nodeKeyFile) {
		logger.Info("Found node key", "path", nodeKeyFile)
	} else {
		if err := tmos.EnsureDir(filepath.Dir(nodeKeyFile), 0700); err != nil {
			return err
		}
		nodeKey, err := p2p.GenNodeKey()
		if err != nil {
			return err
		}
		if err := nodeKey.SaveAs(nodeKeyFile); err != nil {
			return err
		}
		logger.Info("Generated node key", "path", nodeKeyFile, "nodeID", nodeKey.ID)
	}

	configFile := filepath.Join(conf.RootDir, "config", "config.toml")
	if tmos.FileExists(configFile) {
		logger.Info("Found config file", "path", configFile)
		return nil
	}
	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return err
	}
	logger.Info("Generated config file", "path", configFile)
	return nil
}

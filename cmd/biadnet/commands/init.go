package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/biadnet/biadnet/config"
	"github.com/biadnet/biadnet/internal/chaindb"
	"github.com/biadnet/biadnet/libs/log"
	tmos "github.com/biadnet/biadnet/libs/os"
)

// MakeInitFilesCommand returns the command that writes a default config file
// and a header database holding the genesis header of the network.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initializes a biadnet home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFiles(conf, logger)
		},
	}
}

func initFiles(conf *config.Config, logger log.Logger) error {
	if err := config.EnsureRoot(conf.RootDir); err != nil {
		return err
	}

	configFile := filepath.Join(conf.RootDir, "config", "config.toml")
	if tmos.FileExists(configFile) {
		logger.Info("Found config file", "path", configFile)
	} else {
		if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
			return err
		}
		logger.Info("Generated config file", "path", configFile)
	}

	chain, closeDB, err := openChainDB(conf)
	if err != nil {
		return err
	}
	defer closeDB()

	tip := chain.Tip()
	logger.Info("Header database ready",
		"network", chain.Params().Name,
		"height", tip.Height,
		"hash", tip.Hash())
	return nil
}

// openChainDB opens the header database the node uses. An empty database is
// initialised with the genesis header of the configured network.
func openChainDB(conf *config.Config) (*chaindb.ChainDB, func(), error) {
	params, err := conf.ChainParams()
	if err != nil {
		return nil, nil, err
	}
	db, err := config.DefaultDBProvider(&config.DBContext{ID: "headers", Config: conf})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open header database: %w", err)
	}
	chain, err := chaindb.NewChainDB(db, params, chaindb.NopMetrics())
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return chain, func() { db.Close() }, nil
}

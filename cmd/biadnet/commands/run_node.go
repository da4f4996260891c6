package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/biadnet/biadnet/config"
	"github.com/biadnet/biadnet/libs/log"
	"github.com/biadnet/biadnet/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a biadnet node
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("moniker", conf.Moniker, "node name")

	// p2p flags
	cmd.Flags().Int("p2p.min-connections", conf.P2P.MinConnections, "number of outbound sessions to keep open")
	cmd.Flags().String("p2p.initial-peers", conf.P2P.InitialPeers, "comma-delimited host:port peers dialed at startup")
	cmd.Flags().Bool("p2p.dns-seed", conf.P2P.DNSSeed, "query the DNS seeds of the network for peer addresses")
	cmd.Flags().Duration("p2p.failed-peer-cooldown", conf.P2P.FailedPeerCooldown, "skip addresses that failed within this window")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "serve prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus-listen-addr",
		conf.Instrumentation.PrometheusListenAddr, "prometheus metrics listen address")

	addDBFlags(cmd, conf)
}

func addDBFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String(
		"db-backend",
		conf.DBBackend,
		"database backend: goleveldb | cleveldb | boltdb | rocksdb | badgerdb | memdb")
	cmd.Flags().String(
		"db-dir",
		conf.DBPath,
		"database directory")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
func NewRunNodeCmd(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the biadnet node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			n, err := node.NewDefault(ctx, conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("started node", "node", n.String())

			n.Wait()
			if err := n.Err(); err != nil {
				return err
			}
			logger.Info("node stopped")
			return nil
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}

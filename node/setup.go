package node

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	dbm "github.com/tendermint/tm-db"

	"github.com/biadnet/biadnet/config"
	"github.com/biadnet/biadnet/internal/chaindb"
	"github.com/biadnet/biadnet/internal/content"
	"github.com/biadnet/biadnet/internal/engine"
	"github.com/biadnet/biadnet/internal/p2p"
	"github.com/biadnet/biadnet/libs/log"
)

// database IDs, which are also their directory names under db-dir
const (
	headersDBID  = "headers"
	contentDBID  = "content"
	addrBookDBID = "addrbook"
)

// metricsProvider bundles the metrics of every component.
type metricsProvider struct {
	chaindb *chaindb.Metrics
	content *content.Metrics
	engine  *engine.Metrics
	p2p     *p2p.Metrics
}

// defaultMetricsProvider returns Prometheus metrics when they are enabled,
// and no-op metrics otherwise.
func defaultMetricsProvider(cfg *config.InstrumentationConfig, network string) *metricsProvider {
	if cfg.Prometheus {
		return &metricsProvider{
			chaindb: chaindb.PrometheusMetrics(cfg.Namespace, "network", network),
			content: content.PrometheusMetrics(cfg.Namespace, "network", network),
			engine:  engine.PrometheusMetrics(cfg.Namespace, "network", network),
			p2p:     p2p.PrometheusMetrics(cfg.Namespace, "network", network),
		}
	}
	return &metricsProvider{
		chaindb: chaindb.NopMetrics(),
		content: content.NopMetrics(),
		engine:  engine.NopMetrics(),
		p2p:     p2p.NopMetrics(),
	}
}

type dbs struct {
	headers  dbm.DB
	content  dbm.DB
	addrBook dbm.DB
}

func (d *dbs) close() error {
	var first error
	for _, db := range []dbm.DB{d.headers, d.content, d.addrBook} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func initDBs(cfg *config.Config, dbProvider config.DBProvider) (*dbs, error) {
	d := &dbs{}
	var err error
	if d.headers, err = dbProvider(&config.DBContext{ID: headersDBID, Config: cfg}); err != nil {
		return nil, err
	}
	if d.content, err = dbProvider(&config.DBContext{ID: contentDBID, Config: cfg}); err != nil {
		_ = d.close()
		return nil, err
	}
	if d.addrBook, err = dbProvider(&config.DBContext{ID: addrBookDBID, Config: cfg}); err != nil {
		_ = d.close()
		return nil, err
	}
	return d, nil
}

// createSeeder returns the DNS seeder of the network, or nil when DNS seeding
// is disabled.
func createSeeder(cfg *config.P2PConfig, params *chaincfg.Params, logger log.Logger) (p2p.Seeder, error) {
	if !cfg.DNSSeed {
		return nil, nil
	}
	seeder, err := p2p.NewDNSSeeder(logger, params, cfg.DNSTimeout, nil)
	if err != nil {
		return nil, err
	}
	return seeder, nil
}

// resolveInitialPeers resolves the configured initial peers. A peer that
// does not resolve is logged and skipped.
func resolveInitialPeers(
	ctx context.Context,
	cfg *config.P2PConfig,
	params *chaincfg.Params,
	logger log.Logger,
) ([]p2p.PeerAddress, error) {
	hostports, err := cfg.InitialPeerAddrs(params.DefaultPort)
	if err != nil {
		return nil, err
	}
	if len(hostports) == 0 {
		return nil, nil
	}

	if cfg.DNSTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DNSTimeout)
		defer cancel()
	}

	var peers []p2p.PeerAddress
	for _, hostport := range hostports {
		addrs, err := p2p.ResolvePeerAddresses(ctx, hostport, p2p.SourceConfig)
		if err != nil {
			logger.Error("failed to resolve initial peer", "peer", hostport, "err", err)
			continue
		}
		peers = append(peers, addrs...)
	}
	return peers, nil
}

func createEngine(
	cfg *config.P2PConfig,
	params *chaincfg.Params,
	headers engine.HeaderSink,
	addrs engine.AddressSink,
	metrics *engine.Metrics,
	logger log.Logger,
) (*engine.Engine, error) {
	e, err := engine.NewEngine(logger, headers, addrs, engine.Options{
		Params:           params,
		ProtocolVersion:  cfg.ProtocolVersion,
		UserAgent:        cfg.UserAgent,
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	return e, nil
}

func logNodeStartupInfo(logger log.Logger, cfg *config.Config, params *chaincfg.Params, chain *chaindb.ChainDB, store *content.Store) {
	tip := chain.Tip()
	logger.Info("starting node",
		"moniker", cfg.Moniker,
		"network", params.Name,
		"trunk_height", tip.Height,
		"trunk_tip", tip.Hash(),
	)
	if pos, ok := store.Tip(); ok {
		logger.Info("content store",
			"height", pos.Height,
			"entries", store.Len(),
		)
	}
}

// Package node composes the components of a biadnet node into one service.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/biadnet/biadnet/config"
	"github.com/biadnet/biadnet/internal/chaindb"
	"github.com/biadnet/biadnet/internal/chainsync"
	"github.com/biadnet/biadnet/internal/content"
	"github.com/biadnet/biadnet/internal/engine"
	"github.com/biadnet/biadnet/internal/headersync"
	"github.com/biadnet/biadnet/internal/p2p"
	"github.com/biadnet/biadnet/libs/log"
	"github.com/biadnet/biadnet/libs/service"
)

// Node is the highest level interface to a full biadnet node.
// It includes all configuration information and running services.
type Node struct {
	service.BaseService
	logger log.Logger
	config *config.Config
	params *chaincfg.Params

	dbs          *dbs
	chainDB      *chaindb.ChainDB
	trunk        *chaindb.ChainDBTrunk
	store        *content.Store
	driver       *chainsync.Driver
	synchronizer *headersync.Synchronizer
	addrBook     *p2p.AddrBook
	engine       *engine.Engine
	connManager  *p2p.ConnManager

	prometheusSrv *http.Server

	mtx sync.Mutex
	err error
}

// NewDefault constructs a node using the default database provider and the
// DNS seeds of the configured network.
func NewDefault(ctx context.Context, cfg *config.Config, logger log.Logger) (*Node, error) {
	params, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}
	seeder, err := createSeeder(cfg.P2P, params, logger.With("module", "dnsseed"))
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, logger, config.DefaultDBProvider, seeder)
}

// New constructs a node. seeder may be nil, in which case the node only
// knows the initial peers and the addresses it learns from them.
func New(
	ctx context.Context,
	cfg *config.Config,
	logger log.Logger,
	dbProvider config.DBProvider,
	seeder p2p.Seeder,
) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	params, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}
	metrics := defaultMetricsProvider(cfg.Instrumentation, params.Name)

	dbs, err := initDBs(cfg, dbProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to open databases: %w", err)
	}
	n, err := newNode(ctx, cfg, logger, params, dbs, seeder, metrics)
	if err != nil {
		if cerr := dbs.close(); cerr != nil {
			logger.Error("failed to close databases", "err", cerr)
		}
		return nil, err
	}
	return n, nil
}

func newNode(
	ctx context.Context,
	cfg *config.Config,
	logger log.Logger,
	params *chaincfg.Params,
	dbs *dbs,
	seeder p2p.Seeder,
	metrics *metricsProvider,
) (*Node, error) {
	chainDB, err := chaindb.NewChainDB(dbs.headers, params, metrics.chaindb)
	if err != nil {
		return nil, fmt.Errorf("failed to open header database: %w", err)
	}
	trunk := chaindb.NewTrunk(chainDB)

	store, err := content.NewStore(dbs.content, trunk, content.WithMetrics(metrics.content))
	if err != nil {
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}
	driver := chainsync.NewDriver(logger.With("module", "chainsync"), store)
	synchronizer := headersync.NewSynchronizer(logger.With("module", "headersync"), chainDB, driver)

	addrBook, err := p2p.NewAddrBook(dbs.addrBook, p2p.AddrBookOptions{
		MaxAddresses:       cfg.P2P.MaxAddresses,
		FailedPeerCooldown: cfg.P2P.FailedPeerCooldown,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open address book: %w", err)
	}

	eng, err := createEngine(cfg.P2P, params, synchronizer, addrBook, metrics.engine, logger.With("module", "engine"))
	if err != nil {
		return nil, err
	}

	initialPeers, err := resolveInitialPeers(ctx, cfg.P2P, params, logger.With("module", "p2p"))
	if err != nil {
		return nil, err
	}
	connManager, err := p2p.NewConnManager(
		logger.With("module", "p2p"),
		eng,
		addrBook,
		seeder,
		p2p.ConnManagerOptions{
			MinConnections: cfg.P2P.MinConnections,
			InitialPeers:   initialPeers,
			RetryInterval:  cfg.P2P.RetryInterval,
		},
		metrics.p2p,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	n := &Node{
		logger:       logger,
		config:       cfg,
		params:       params,
		dbs:          dbs,
		chainDB:      chainDB,
		trunk:        trunk,
		store:        store,
		driver:       driver,
		synchronizer: synchronizer,
		addrBook:     addrBook,
		engine:       eng,
		connManager:  connManager,
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// OnStart starts the Node. It implements service.Service. On failure
// everything started so far is stopped and the databases are closed.
func (n *Node) OnStart(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			n.shutdownPrometheus()
			if cerr := n.dbs.close(); cerr != nil {
				n.logger.Error("problem closing databases", "err", cerr)
			}
		}
	}()

	// bring the content store back onto the trunk before any header arrives
	if err := n.driver.Resync(n.trunk); err != nil {
		return fmt.Errorf("failed to resync content store: %w", err)
	}
	logNodeStartupInfo(n.logger, n.config, n.params, n.chainDB, n.store)

	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	if err := n.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	if err := n.connManager.Start(ctx); err != nil {
		n.engine.Stop()
		return fmt.Errorf("failed to start connection manager: %w", err)
	}

	go n.watch(ctx)
	return nil
}

// OnStop stops the Node. It implements service.Service.
func (n *Node) OnStop() {
	n.logger.Info("Stopping Node")

	n.connManager.Stop()
	<-n.connManager.Done()
	n.engine.Stop()

	n.shutdownPrometheus()

	if err := n.dbs.close(); err != nil {
		n.logger.Error("problem closing databases", "err", err)
	}
}

func (n *Node) shutdownPrometheus() {
	if n.prometheusSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.prometheusSrv.Shutdown(ctx); err != nil {
		// Error from closing listeners, or context timeout:
		n.logger.Error("Prometheus HTTP server Shutdown", "err", err)
	}
	n.prometheusSrv = nil
}

// watch stops the node on either terminal failure: the connection manager
// running out of peers, or the content store failing.
func (n *Node) watch(ctx context.Context) {
	var err error
	select {
	case <-n.connManager.Done():
		err = n.connManager.Err()
	case <-n.driver.Failed():
		err = n.driver.Err()
	case <-ctx.Done():
		return
	}
	if err == nil {
		return
	}

	n.mtx.Lock()
	n.err = err
	n.mtx.Unlock()

	n.logger.Error("node failed", "err", err)
	n.Stop()
}

// Err returns the failure that stopped the node, if any.
func (n *Node) Err() error {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return n.err
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			// Error starting or closing listener:
			n.logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

// ChainDB returns the header database.
func (n *Node) ChainDB() *chaindb.ChainDB { return n.chainDB }

// Trunk returns the read-only view of the trunk.
func (n *Node) Trunk() chaindb.Trunk { return n.trunk }

// ContentStore returns the content store.
func (n *Node) ContentStore() *content.Store { return n.store }

// AddrBook returns the address book.
func (n *Node) AddrBook() *p2p.AddrBook { return n.addrBook }

// ConnManager returns the connection manager.
func (n *Node) ConnManager() *p2p.ConnManager { return n.connManager }

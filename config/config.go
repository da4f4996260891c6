package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/biadnet/biadnet/version"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// NetworkMainNet is the Bitcoin main network.
	NetworkMainNet = "mainnet"
	// NetworkTestNet3 is the Bitcoin test network (version 3).
	NetworkTestNet3 = "testnet3"
	// NetworkRegTest is the Bitcoin regression test network.
	NetworkRegTest = "regtest"
	// NetworkSimNet is the btcd simulation network.
	NetworkSimNet = "simnet"

	// DefaultMinConnections is the number of outbound sessions a node
	// keeps open.
	DefaultMinConnections = 3
	// DefaultProtocolVersion is the highest wire protocol version the
	// node speaks.
	DefaultProtocolVersion = version.P2PProtocol
	// DefaultUserAgentName and DefaultUserAgentVersion make up the user
	// agent advertised in version messages.
	DefaultUserAgentName    = "biadnet"
	DefaultUserAgentVersion = version.BiadnetSemVer
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultBiadnetDir = ".biadnet"
	defaultConfigDir  = "config"
	defaultDataDir    = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a biadnet node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	P2P             *P2PConfig             `mapstructure:"p2p"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a biadnet node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		P2P:             DefaultP2PConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		P2P:             TestP2PConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.P2P.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [p2p] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a biadnet node
type BaseConfig struct { //nolint: maligned
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Bitcoin network whose header chain is followed:
	// mainnet | testnet3 | regtest | simnet
	Network string `mapstructure:"network"`

	// Database backend: goleveldb | cleveldb | boltdb | rocksdb | badgerdb | memdb
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`
}

// DefaultBaseConfig returns a default base configuration for a biadnet node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:   defaultMoniker,
		Network:   NetworkMainNet,
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a biadnet node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Network = NetworkRegTest
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ChainParams returns the btcd parameters of the configured network.
func (cfg BaseConfig) ChainParams() (*chaincfg.Params, error) {
	switch cfg.Network {
	case NetworkMainNet:
		return &chaincfg.MainNetParams, nil
	case NetworkTestNet3:
		return &chaincfg.TestNet3Params, nil
	case NetworkRegTest:
		return &chaincfg.RegressionNetParams, nil
	case NetworkSimNet:
		return &chaincfg.SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log format (must be 'plain' or 'json')")
	}

	if _, err := cfg.ChainParams(); err != nil {
		return err
	}

	return nil
}

// DefaultLogLevel is the log level used unless the config overrides it.
const DefaultLogLevel = "info"

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the configuration options for the peer-to-peer networking layer
type P2PConfig struct { //nolint: maligned
	RootDir string `mapstructure:"home"`

	// Number of outbound sessions the connection manager keeps open.
	MinConnections int `mapstructure:"min-connections"`

	// Comma separated list of host:port pairs dialed at startup, in
	// addition to the minimum connections.
	InitialPeers string `mapstructure:"initial-peers"`

	// Query the DNS seeds of the network when the address book runs dry.
	DNSSeed bool `mapstructure:"dns-seed"`

	// Upper bound for one round of DNS seed lookups.
	DNSTimeout time.Duration `mapstructure:"dns-timeout"`

	// Peer connection configuration.
	DialTimeout      time.Duration `mapstructure:"dial-timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`

	// How long the connection manager waits before growing the pool again
	// when it is below target.
	RetryInterval time.Duration `mapstructure:"retry-interval"`

	// Addresses whose last session failed within this window are skipped
	// while other candidates exist. 0 disables the cooldown.
	FailedPeerCooldown time.Duration `mapstructure:"failed-peer-cooldown"`

	// Maximum number of addresses kept in the address book.
	MaxAddresses int `mapstructure:"max-addresses"`

	// User agent advertised in version messages.
	UserAgent string `mapstructure:"user-agent"`

	// Highest protocol version advertised in version messages.
	ProtocolVersion uint32 `mapstructure:"protocol-version"`
}

// DefaultP2PConfig returns a default configuration for the peer-to-peer layer
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		MinConnections:     DefaultMinConnections,
		InitialPeers:       "",
		DNSSeed:            true,
		DNSTimeout:         10 * time.Second,
		DialTimeout:        3 * time.Second,
		HandshakeTimeout:   20 * time.Second,
		RetryInterval:      5 * time.Second,
		FailedPeerCooldown: 0,
		MaxAddresses:       1000,
		UserAgent:          DefaultUserAgentName + ":" + DefaultUserAgentVersion,
		ProtocolVersion:    DefaultProtocolVersion,
	}
}

// TestP2PConfig returns a configuration for testing the peer-to-peer layer
func TestP2PConfig() *P2PConfig {
	cfg := DefaultP2PConfig()
	cfg.DNSSeed = false
	cfg.DialTimeout = 10 * time.Millisecond
	cfg.HandshakeTimeout = 100 * time.Millisecond
	cfg.RetryInterval = 10 * time.Millisecond
	return cfg
}

// InitialPeerAddrs splits InitialPeers into host:port pairs. Entries without a
// port get defaultPort.
func (cfg *P2PConfig) InitialPeerAddrs(defaultPort string) ([]string, error) {
	var addrs []string
	for _, s := range splitAndTrimEmpty(cfg.InitialPeers, ",", " ") {
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			host, port = s, defaultPort
		}
		if host == "" {
			return nil, fmt.Errorf("invalid initial peer %q", s)
		}
		addrs = append(addrs, net.JoinHostPort(host, port))
	}
	return addrs, nil
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *P2PConfig) ValidateBasic() error {
	if cfg.MinConnections <= 0 {
		return errors.New("min-connections must be positive")
	}
	if cfg.DNSTimeout < 0 {
		return errors.New("dns-timeout can't be negative")
	}
	if cfg.DialTimeout < 0 {
		return errors.New("dial-timeout can't be negative")
	}
	if cfg.HandshakeTimeout < 0 {
		return errors.New("handshake-timeout can't be negative")
	}
	if cfg.RetryInterval <= 0 {
		return errors.New("retry-interval must be positive")
	}
	if cfg.FailedPeerCooldown < 0 {
		return errors.New("failed-peer-cooldown can't be negative")
	}
	if cfg.MaxAddresses < 0 {
		return errors.New("max-addresses can't be negative")
	}
	if cfg.UserAgent == "" {
		return errors.New("user-agent can't be empty")
	}
	if cfg.ProtocolVersion == 0 {
		return errors.New("protocol-version can't be zero")
	}
	if _, err := cfg.InitialPeerAddrs("0"); err != nil {
		return err
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "biadnet",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus-listen-addr can't be empty when prometheus is enabled")
	}
	if cfg.Namespace == "" {
		return errors.New("namespace can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. Empty strings are dropped.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}

//-----------------------------------------------------------------------------
// Moniker

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}

package config

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	// set up some defaults
	cfg := DefaultConfig()
	assert.NotNil(cfg.P2P)
	assert.NotNil(cfg.Instrumentation)
	assert.Equal(NetworkMainNet, cfg.Network)
	assert.Equal(3, cfg.P2P.MinConnections)
	assert.Equal(uint32(70001), cfg.P2P.ProtocolVersion)
	assert.Equal("biadnet:0.1.0", cfg.P2P.UserAgent)

	// check the root dir stuff...
	cfg.SetRoot("/foo")
	assert.Equal("/foo/data", cfg.DBDir())
	cfg.DBPath = "/opt/data"
	assert.Equal("/opt/data", cfg.DBDir())
	assert.Equal("/foo", cfg.P2P.RootDir)
}

func TestConfigValidateBasic(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.ValidateBasic())

	// tamper with retry-interval
	cfg.P2P.RetryInterval = -10 * time.Second
	assert.Error(t, cfg.ValidateBasic())
}

func TestBaseConfigValidateBasic(t *testing.T) {
	cfg := TestBaseConfig()
	assert.NoError(t, cfg.ValidateBasic())

	// tamper with log format
	cfg.LogFormat = "invalid"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.Network = "litecoin"
	assert.Error(t, cfg.ValidateBasic())
}

func TestChainParams(t *testing.T) {
	testCases := map[string]*chaincfg.Params{
		NetworkMainNet:  &chaincfg.MainNetParams,
		NetworkTestNet3: &chaincfg.TestNet3Params,
		NetworkRegTest:  &chaincfg.RegressionNetParams,
		NetworkSimNet:   &chaincfg.SimNetParams,
	}
	for network, want := range testCases {
		network, want := network, want
		t.Run(network, func(t *testing.T) {
			cfg := DefaultBaseConfig()
			cfg.Network = network
			params, err := cfg.ChainParams()
			require.NoError(t, err)
			require.Equal(t, want.Name, params.Name)
		})
	}
}

func TestP2PConfigValidateBasic(t *testing.T) {
	cfg := TestP2PConfig()
	assert.NoError(t, cfg.ValidateBasic())

	fieldsToTest := []string{
		"MinConnections",
		"DNSTimeout",
		"DialTimeout",
		"HandshakeTimeout",
		"FailedPeerCooldown",
		"MaxAddresses",
	}

	for _, fieldName := range fieldsToTest {
		cfg := TestP2PConfig()
		switch fieldName {
		case "MinConnections":
			cfg.MinConnections = -1
		case "DNSTimeout":
			cfg.DNSTimeout = -time.Second
		case "DialTimeout":
			cfg.DialTimeout = -time.Second
		case "HandshakeTimeout":
			cfg.HandshakeTimeout = -time.Second
		case "FailedPeerCooldown":
			cfg.FailedPeerCooldown = -time.Second
		case "MaxAddresses":
			cfg.MaxAddresses = -1
		}
		assert.Error(t, cfg.ValidateBasic(), fieldName)
	}

	cfg = TestP2PConfig()
	cfg.UserAgent = ""
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestP2PConfig()
	cfg.ProtocolVersion = 0
	assert.Error(t, cfg.ValidateBasic())
}

func TestP2PConfigInitialPeerAddrs(t *testing.T) {
	cfg := TestP2PConfig()

	addrs, err := cfg.InitialPeerAddrs("8333")
	require.NoError(t, err)
	require.Empty(t, addrs)

	cfg.InitialPeers = " 10.0.0.1:18444, 10.0.0.2 ,,::1"
	addrs, err = cfg.InitialPeerAddrs("8333")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1:18444", "10.0.0.2:8333", "[::1]:8333"}, addrs)

	cfg.InitialPeers = ":8333"
	_, err = cfg.InitialPeerAddrs("8333")
	require.Error(t, err)
}

func TestInstrumentationConfigValidateBasic(t *testing.T) {
	cfg := TestInstrumentationConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.Prometheus = true
	cfg.PrometheusListenAddr = ""
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestInstrumentationConfig()
	cfg.Namespace = ""
	assert.Error(t, cfg.ValidateBasic())
}

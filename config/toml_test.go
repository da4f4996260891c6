package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ensureFiles(t *testing.T, rootDir string, files ...string) {
	for _, f := range files {
		p := rootify(f, rootDir)
		_, err := os.Stat(p)
		assert.NoError(t, err, p)
	}
}

func TestEnsureRoot(t *testing.T) {
	// setup temp dir for test
	tmpDir := t.TempDir()

	// create root dir
	require.NoError(t, EnsureRoot(tmpDir))
	require.NoError(t, WriteConfigFile(tmpDir, DefaultConfig()))

	// make sure config is set properly
	data, err := os.ReadFile(filepath.Join(tmpDir, defaultConfigFilePath))
	require.NoError(t, err)

	checkConfig(t, string(data))

	ensureFiles(t, tmpDir, "data")
}

func TestEnsureTestRoot(t *testing.T) {
	testName := "ensureTestRoot"

	// create root dir
	cfg, err := ResetTestRoot(t.TempDir(), testName)
	require.NoError(t, err)
	rootDir := cfg.RootDir

	// make sure config is set properly
	data, err := os.ReadFile(filepath.Join(rootDir, defaultConfigFilePath))
	require.NoError(t, err)

	checkConfig(t, string(data))

	require.Equal(t, TestConfig().DBBackend, cfg.DBBackend)
	ensureFiles(t, rootDir, defaultDataDir)
}

func checkConfig(t *testing.T, configFile string) {
	t.Helper()

	// list of words we expect in the config
	var elems = []string{
		"moniker",
		"network",
		"db-backend",
		"log-level",
		"[p2p]",
		"min-connections",
		"initial-peers",
		"dns-seed",
		"failed-peer-cooldown",
		"protocol-version",
		"[instrumentation]",
		"prometheus-listen-addr",
	}
	for _, e := range elems {
		if !strings.Contains(configFile, e) {
			t.Errorf("config file was expected to contain %s but did not", e)
		}
	}
}

func TestConfigTemplateIsValidTOML(t *testing.T) {
	cfg := DefaultConfig()
	cfg.P2P.InitialPeers = "10.0.0.1:8333,10.0.0.2"
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, cfg.WriteToTemplate(path))

	var doc map[string]interface{}
	_, err := toml.DecodeFile(path, &doc)
	require.NoError(t, err)

	assert.Equal(t, "mainnet", doc["network"])
	assert.Equal(t, "goleveldb", doc["db-backend"])

	p2p, ok := doc["p2p"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, int64(3), p2p["min-connections"])
	assert.Equal(t, "10.0.0.1:8333,10.0.0.2", p2p["initial-peers"])
	assert.Equal(t, true, p2p["dns-seed"])
	assert.Equal(t, "0s", p2p["failed-peer-cooldown"])
	assert.Equal(t, int64(70001), p2p["protocol-version"])
}

func TestConfigTemplateRoundTripsThroughViper(t *testing.T) {
	want := DefaultConfig()
	want.Network = NetworkTestNet3
	want.P2P.MinConnections = 8
	want.P2P.FailedPeerCooldown = 90 * time.Second
	want.Instrumentation.Prometheus = true

	home := t.TempDir()
	require.NoError(t, EnsureRoot(home))
	require.NoError(t, WriteConfigFile(home, want))

	v := viper.New()
	v.SetConfigFile(filepath.Join(home, defaultConfigFilePath))
	require.NoError(t, v.ReadInConfig())

	got := DefaultConfig()
	require.NoError(t, v.Unmarshal(got))

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

package commands

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/biadnet/biadnet/config"
	"github.com/biadnet/biadnet/libs/cli"
	"github.com/biadnet/biadnet/libs/log"
)

// testCLI is the biadnet command tree bound to one config, with its output
// captured.
type testCLI struct {
	conf *cfg.Config
	cmd  *cobra.Command
	out  *bytes.Buffer
}

// newTestCLI resets viper and the BIAD environment, so only what a test
// passes to run reaches the commands.
func newTestCLI(t *testing.T) *testCLI {
	t.Helper()
	viper.Reset()
	for _, env := range []string{
		"BIADHOME", "BIAD_HOME",
		"BIADLOG_LEVEL", "BIAD_LOG_LEVEL",
		"BIADNETWORK", "BIAD_NETWORK",
	} {
		// restored on cleanup, including copies made by cli.InitEnv
		t.Setenv(env, "")
		require.NoError(t, os.Unsetenv(env))
	}

	logger, err := log.NewDefaultLoggerWithOutput(io.Discard, cfg.LogFormatPlain, cfg.DefaultLogLevel)
	require.NoError(t, err)

	conf := cfg.DefaultConfig()
	cmd := RootCommand(conf, logger)
	// a runnable root command goes through PersistentPreRunE
	cmd.RunE = func(*cobra.Command, []string) error { return nil }
	cmd.AddCommand(
		MakeInitFilesCommand(conf, logger),
		MakeShowTipCommand(conf),
		MakeVersionCommand(),
		NewRunNodeCmd(conf, logger),
	)
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	return &testCLI{conf: conf, cmd: cmd, out: out}
}

// run executes the command line args with env set for the rest of the test.
func (c *testCLI) run(t *testing.T, env map[string]string, args ...string) error {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.cmd.SetArgs(args)
	return cli.RunWithTrace(ctx, c.cmd)
}

func writeConfigFile(t *testing.T, root string, vals map[string]string) {
	t.Helper()
	dir := filepath.Join(root, "config")
	require.NoError(t, os.MkdirAll(dir, 0700))
	data := ""
	for k, v := range vals {
		data += fmt.Sprintf("%s = %q\n", k, v)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(data), 0600))
}

func TestRootHome(t *testing.T) {
	testCases := map[string]func(home string) ([]string, map[string]string){
		"flag": func(home string) ([]string, map[string]string) {
			return []string{"--home", home}, nil
		},
		"env": func(home string) ([]string, map[string]string) {
			return nil, map[string]string{"BIAD_HOME": home}
		},
		"env without separator": func(home string) ([]string, map[string]string) {
			return nil, map[string]string{"BIADHOME": home}
		},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			home := filepath.Join(t.TempDir(), "home")
			args, env := tc(home)

			c := newTestCLI(t)
			require.NoError(t, c.run(t, env, args...))

			assert.Equal(t, home, c.conf.RootDir)
			assert.Equal(t, home, c.conf.P2P.RootDir)
			assert.DirExists(t, filepath.Join(home, "config"))
			assert.DirExists(t, filepath.Join(home, "data"))
		})
	}
}

func TestRootSettingsPrecedence(t *testing.T) {
	testCases := []struct {
		name     string
		file     bool
		env      map[string]string
		args     []string
		logLevel string
		network  string
	}{
		{"defaults", false, nil, nil, cfg.DefaultLogLevel, cfg.NetworkMainNet},
		{"config file", true, nil, nil, "debug", cfg.NetworkTestNet3},
		{"env over file", true, map[string]string{"BIAD_LOG_LEVEL": "error"}, nil, "error", cfg.NetworkTestNet3},
		{"env without separator", true, map[string]string{"BIADLOG_LEVEL": "error"}, nil, "error", cfg.NetworkTestNet3},
		{"unknown env", true, map[string]string{"BIAD_LOG": "error"}, nil, "debug", cfg.NetworkTestNet3},
		{
			"flag over env",
			true,
			map[string]string{"BIAD_LOG_LEVEL": "error", "BIAD_NETWORK": cfg.NetworkSimNet},
			[]string{"--log-level", "warn"},
			"warn",
			cfg.NetworkSimNet,
		},
		{"flag over file", true, nil, []string{"--network", cfg.NetworkRegTest}, "debug", cfg.NetworkRegTest},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			home := t.TempDir()
			if tc.file {
				writeConfigFile(t, home, map[string]string{
					"log-level": "debug",
					"network":   cfg.NetworkTestNet3,
				})
			}

			c := newTestCLI(t)
			require.NoError(t, c.run(t, tc.env, append([]string{"--home", home}, tc.args...)...))

			assert.Equal(t, tc.logLevel, c.conf.LogLevel)
			assert.Equal(t, tc.network, c.conf.Network)
		})
	}
}

func TestRootRejectsInvalidSettings(t *testing.T) {
	testCases := []struct {
		name string
		args []string
		msg  string
	}{
		{"network", []string{"--network", "moonnet"}, "moonnet"},
		{"log format", []string{"--log-format", "xml"}, "log format"},
		{"log level", []string{"--log-level", "loud"}, "log level"},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			c := newTestCLI(t)
			err := c.run(t, nil, append([]string{"--home", t.TempDir()}, tc.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

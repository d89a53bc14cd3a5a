package commands

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/braid/config"
	"github.com/tendermint/braid/internal/p2p"
	"github.com/tendermint/braid/libs/log"
	tmos "github.com/tendermint/braid/libs/os"
	"github.com/tendermint/braid/version"
)

// clearConfig clears env vars, the given root dir, and resets viper.
func clearConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	require.NoError(t, os.RemoveAll(dir))
	return resetConfig(t, dir)
}

// resetConfig clears env vars and resets viper, keeping the files under dir.
func resetConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	require.NoError(t, os.Unsetenv("BRAIDHOME"))
	require.NoError(t, os.Unsetenv("BRAID_HOME"))

	viper.Reset()
	t.Cleanup(viper.Reset)
	conf := config.DefaultConfig()
	conf.SetRoot(dir)
	return conf
}

// testRootCmd builds a root command with every braid subcommand attached.
func testRootCmd(conf *config.Config) (*cobra.Command, *bytes.Buffer) {
	logger := log.MustNewLogger(log.LogFormatPlain, log.LogLevelInfo, io.Discard)
	cmd := RootCommand(conf, logger)
	cmd.AddCommand(
		MakeInitFilesCommand(conf, logger),
		MakeShowNodeIDCommand(conf),
		VersionCmd,
	)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	return cmd, out
}

func execute(t *testing.T, conf *config.Config, args ...string) (string, error) {
	t.Helper()
	cmd, out := testRootCmd(conf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootHome(t *testing.T) {
	defaultRoot := t.TempDir()
	newRoot := filepath.Join(defaultRoot, "something-else")
	cases := []struct {
		name string
		args []string
		env  map[string]string
		root string
	}{
		{"default", []string{"init", "--home", defaultRoot}, nil, defaultRoot},
		{"flag", []string{"init", "--home", newRoot}, nil, newRoot},
		{"env", []string{"init"}, map[string]string{"BRAID_HOME": newRoot}, newRoot},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conf := clearConfig(t, tc.root)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := execute(t, conf, tc.args...)
			require.NoError(t, err)

			assert.Equal(t, tc.root, conf.RootDir)
			assert.Equal(t, tc.root, conf.P2P.RootDir)
			assert.Equal(t, tc.root, conf.Mempool.RootDir)
			assert.True(t, tmos.FileExists(filepath.Join(tc.root, "config", "config.toml")))
		})
	}
}

func TestRootConfigFile(t *testing.T) {
	root := t.TempDir()
	conf := clearConfig(t, root)
	require.NoError(t, config.EnsureRoot(root))

	custom := config.DefaultConfig()
	custom.Moniker = "from-file"
	custom.LogLevel = "debug"
	require.NoError(t, config.WriteConfigFile(root, custom))

	_, err := execute(t, conf, "show-node-id", "--home", root)
	// no node key yet
	require.Error(t, err)
	assert.Equal(t, "from-file", conf.Moniker)
	assert.Equal(t, "debug", conf.LogLevel)

	conf = resetConfig(t, root)
	_, err = execute(t, conf, "init", "--home", root, "--log-level", "error")
	require.NoError(t, err)
	assert.Equal(t, "error", conf.LogLevel)
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	root := t.TempDir()
	conf := clearConfig(t, root)
	require.NoError(t, config.EnsureRoot(root))

	custom := config.DefaultConfig()
	custom.Version = "nope"
	require.NoError(t, config.WriteConfigFile(root, custom))

	_, err := execute(t, conf, "init", "--home", root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error in config file")
}

func TestInitAndShowNodeID(t *testing.T) {
	root := t.TempDir()
	conf := clearConfig(t, root)

	_, err := execute(t, conf, "init", "--home", root)
	require.NoError(t, err)

	nodeKey, err := p2p.LoadNodeKey(conf.NodeKeyFile())
	require.NoError(t, err)

	// init keeps an existing key
	conf = resetConfig(t, root)
	_, err = execute(t, conf, "init", "--home", root)
	require.NoError(t, err)
	again, err := p2p.LoadNodeKey(conf.NodeKeyFile())
	require.NoError(t, err)
	assert.Equal(t, nodeKey.ID, again.ID)

	conf = resetConfig(t, root)
	out, err := execute(t, conf, "show-node-id", "--home", root)
	require.NoError(t, err)
	assert.Equal(t, string(nodeKey.ID), strings.TrimSpace(out))
}

func TestVersionCmd(t *testing.T) {
	conf := clearConfig(t, t.TempDir())
	out, err := execute(t, conf, "version")
	require.NoError(t, err)
	assert.Equal(t, version.Version, strings.TrimSpace(out))
}

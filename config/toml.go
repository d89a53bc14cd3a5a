package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	tmos "github.com/tendermint/braid/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

const configHeader = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/braid/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.braid" by default, but could be changed via $BRAID_HOME env variable
# or --home cmd flag.

`

// EnsureRoot creates the root, config, and data directories if they don't
// exist.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := tmos.EnsureDir(dir, defaultDirPerm); err != nil {
			return err
		}
	}
	return nil
}

// WriteConfigFile renders config as TOML and writes it to the default config
// file location below rootDir.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToFile(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToFile writes the config to the exact file specified by the path.
func (cfg *Config) WriteToFile(path string) error {
	var buffer bytes.Buffer
	buffer.WriteString(configHeader)
	if err := toml.NewEncoder(&buffer).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, buffer.Bytes(), 0644)
}

// WriteDefaultConfigFileIfNone writes the default config file below rootDir
// unless one is already present.
func WriteDefaultConfigFileIfNone(rootDir string) error {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if !tmos.FileExists(configFilePath) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendermint/braid/types"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// DefaultLogLevel defines a default log level as INFO.
	DefaultLogLevel = "info"
)

// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultBraidDir  = ".braid"
	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultConfigFileName = "config.toml"
	defaultNodeKeyName    = "node_key.json"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultNodeKeyPath    = filepath.Join(defaultConfigDir, defaultNodeKeyName)
	defaultSnapshotPath   = filepath.Join(defaultDataDir, "snapshots")
)

// Config defines the top level configuration for a braid node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	P2P             *P2PConfig             `mapstructure:"p2p" toml:"p2p"`
	Mempool         *MempoolConfig         `mapstructure:"mempool" toml:"mempool"`
	Execution       *ExecutionConfig       `mapstructure:"execution" toml:"execution"`
	Payload         *PayloadConfig         `mapstructure:"payload" toml:"payload"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation" toml:"instrumentation"`
}

// DefaultConfig returns a default configuration for a braid node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		P2P:             DefaultP2PConfig(),
		Mempool:         DefaultMempoolConfig(),
		Execution:       DefaultExecutionConfig(),
		Payload:         DefaultPayloadConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		P2P:             TestP2PConfig(),
		Mempool:         TestMempoolConfig(),
		Execution:       DefaultExecutionConfig(),
		Payload:         DefaultPayloadConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.P2P.RootDir = root
	cfg.Mempool.RootDir = root
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
	if err := cfg.Mempool.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [mempool] section: %w", err)
	}
	if err := cfg.Execution.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [execution] section: %w", err)
	}
	if err := cfg.Payload.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [payload] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a braid node
type BaseConfig struct { //nolint: maligned
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home" toml:"-"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker" toml:"moniker"`

	// The network version the node participates in. It determines the set
	// of chains the node runs.
	Version string `mapstructure:"version" toml:"version"`

	// Restrict the node to a subset of the version's chains. Empty means all.
	Chains []uint32 `mapstructure:"chains" toml:"chains"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db-backend" toml:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir" toml:"db-dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level" toml:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format" toml:"log-format"`

	// A JSON file containing the private key used as the node's peer identity
	NodeKey string `mapstructure:"node-key-file" toml:"node-key-file"`

	// Directory for per-chain header snapshots. Empty disables snapshots.
	SnapshotDir string `mapstructure:"snapshot-dir" toml:"snapshot-dir"`
}

// DefaultBaseConfig returns a default base configuration for a braid node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		NodeKey:     defaultNodeKeyPath,
		Moniker:     defaultMoniker,
		Version:     string(types.Development),
		LogLevel:    DefaultLogLevel,
		LogFormat:   LogFormatPlain,
		DBBackend:   "goleveldb",
		DBPath:      defaultDataDir,
		SnapshotDir: defaultSnapshotPath,
	}
}

// TestBaseConfig returns a base configuration for testing a braid node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.Moniker = "braid_test"
	cfg.DBBackend = "memdb"
	cfg.SnapshotDir = ""
	return cfg
}

// NodeKeyFile returns the full path to the node_key.json file
func (cfg BaseConfig) NodeKeyFile() string {
	return rootify(cfg.NodeKey, cfg.RootDir)
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// SnapshotDirPath returns the full path to the snapshot directory, or "" when
// snapshots are disabled.
func (cfg BaseConfig) SnapshotDirPath() string {
	if cfg.SnapshotDir == "" {
		return ""
	}
	return rootify(cfg.SnapshotDir, cfg.RootDir)
}

// NetworkVersion returns the configured version.
func (cfg BaseConfig) NetworkVersion() types.Version {
	return types.Version(cfg.Version)
}

// ChainIDs returns the chains this node runs, in ascending order.
func (cfg BaseConfig) ChainIDs() []types.ChainID {
	if len(cfg.Chains) == 0 {
		return cfg.NetworkVersion().Chains()
	}
	ids := make([]types.ChainID, len(cfg.Chains))
	for i, c := range cfg.Chains {
		ids[i] = types.ChainID(c)
	}
	return ids
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log format (must be 'plain' or 'json')")
	}
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unsupported db-backend %q (must be 'goleveldb' or 'memdb')", cfg.DBBackend)
	}
	if err := cfg.NetworkVersion().ValidateBasic(); err != nil {
		return err
	}
	seen := make(map[uint32]struct{}, len(cfg.Chains))
	for _, c := range cfg.Chains {
		if !cfg.NetworkVersion().HasChain(types.ChainID(c)) {
			return fmt.Errorf("chain %d is not part of version %s", c, cfg.Version)
		}
		if _, ok := seen[c]; ok {
			return fmt.Errorf("chain %d listed twice", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the configuration options for peer networking: the HTTP
// endpoint peers reach this node on, the peers to bootstrap from, and the
// limits applied to peer sessions.
type P2PConfig struct { //nolint: maligned
	RootDir string `mapstructure:"home" toml:"-"`

	// Address to listen for incoming peer HTTP connections
	ListenAddress string `mapstructure:"laddr" toml:"laddr"`

	// Address to advertise to peers for them to dial. If empty, ListenAddress
	// is used.
	ExternalAddress string `mapstructure:"external-address" toml:"external-address"`

	// Comma separated list of peer base URLs to bootstrap the peer database
	// with, e.g. "http://10.0.0.1:1789,http://10.0.0.2:1789"
	BootstrapPeers string `mapstructure:"bootstrap-peers" toml:"bootstrap-peers"`

	// Maximum number of inbound HTTP connections. 0 means unlimited.
	MaxOpenConnections int `mapstructure:"max-open-connections" toml:"max-open-connections"`

	// Maximum number of concurrent sessions per protocol node.
	MaxSessions int `mapstructure:"max-sessions" toml:"max-sessions"`

	// Maximum duration of a single peer session. The session is cancelled
	// when it elapses.
	SessionTimeout time.Duration `mapstructure:"session-timeout" toml:"session-timeout"`

	// Initial and maximum backoff applied to a peer after a failed session.
	BackoffBase time.Duration `mapstructure:"backoff-base" toml:"backoff-base"`
	BackoffMax  time.Duration `mapstructure:"backoff-max" toml:"backoff-max"`

	// How long a protocol node waits before looking for peers again when none
	// are available.
	IdleWait time.Duration `mapstructure:"idle-wait" toml:"idle-wait"`

	// HTTP client settings used when talking to peers.
	DialTimeout         time.Duration `mapstructure:"dial-timeout" toml:"dial-timeout"`
	RequestTimeout      time.Duration `mapstructure:"request-timeout" toml:"request-timeout"`
	MaxIdleConnsPerHost int           `mapstructure:"max-idle-conns-per-host" toml:"max-idle-conns-per-host"`

	// Maximum number of peers kept in the peer database per network.
	MaxPeers int `mapstructure:"max-peers" toml:"max-peers"`

	// Origins allowed to make cross-domain requests to the HTTP endpoint.
	// "*" allows any origin; empty disables CORS.
	CORSAllowedOrigins []string `mapstructure:"cors-allowed-origins" toml:"cors-allowed-origins"`
}

// DefaultP2PConfig returns a default configuration for the peer-to-peer layer
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddress:       "0.0.0.0:1789",
		MaxOpenConnections:  500,
		MaxSessions:         4,
		SessionTimeout:      240 * time.Second,
		BackoffBase:         time.Second,
		BackoffMax:          5 * time.Minute,
		IdleWait:            5 * time.Second,
		DialTimeout:         5 * time.Second,
		RequestTimeout:      30 * time.Second,
		MaxIdleConnsPerHost: 16,
		MaxPeers:            256,
	}
}

// TestP2PConfig returns a configuration for testing the peer-to-peer layer
func TestP2PConfig() *P2PConfig {
	cfg := DefaultP2PConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.MaxSessions = 2
	cfg.SessionTimeout = 5 * time.Second
	cfg.BackoffBase = 10 * time.Millisecond
	cfg.BackoffMax = 100 * time.Millisecond
	cfg.IdleWait = 10 * time.Millisecond
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

// IsCorsEnabled reports whether cross-domain requests are allowed.
func (cfg *P2PConfig) IsCorsEnabled() bool {
	return len(cfg.CORSAllowedOrigins) != 0
}

// BootstrapPeerURLs splits BootstrapPeers into its non-empty entries.
func (cfg *P2PConfig) BootstrapPeerURLs() []string {
	var urls []string
	for _, s := range strings.Split(cfg.BootstrapPeers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			urls = append(urls, s)
		}
	}
	return urls
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *P2PConfig) ValidateBasic() error {
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max-open-connections can't be negative")
	}
	if cfg.MaxSessions <= 0 {
		return errors.New("max-sessions must be positive")
	}
	if cfg.SessionTimeout <= 0 {
		return errors.New("session-timeout must be positive")
	}
	if cfg.BackoffBase <= 0 || cfg.BackoffMax < cfg.BackoffBase {
		return errors.New("backoff-base must be positive and not exceed backoff-max")
	}
	if cfg.IdleWait <= 0 {
		return errors.New("idle-wait must be positive")
	}
	if cfg.DialTimeout < 0 || cfg.RequestTimeout < 0 {
		return errors.New("dial-timeout and request-timeout can't be negative")
	}
	if cfg.MaxIdleConnsPerHost < 0 {
		return errors.New("max-idle-conns-per-host can't be negative")
	}
	if cfg.MaxPeers <= 0 {
		return errors.New("max-peers must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// MempoolConfig

// MempoolConfig defines the configuration options for a chain's mempool and
// its synchronization with peers.
type MempoolConfig struct {
	RootDir string `mapstructure:"home" toml:"-"`

	// Maximum number of transactions in the mempool
	Size int `mapstructure:"size" toml:"size"`

	// Limit the total size of all txs in the mempool.
	MaxTxsBytes int64 `mapstructure:"max-txs-bytes" toml:"max-txs-bytes"`

	// Maximum size of a single transaction payload.
	MaxTxBytes int `mapstructure:"max-tx-bytes" toml:"max-tx-bytes"`

	// Size of the cache of recently removed transactions, used to reject
	// re-insertion of transactions that were already included in a block.
	CacheSize int `mapstructure:"cache-size" toml:"cache-size"`

	// Maximum gas a block may consume. Transactions requesting more are
	// rejected.
	BlockGasLimit uint64 `mapstructure:"block-gas-limit" toml:"block-gas-limit"`

	// Interval between steady-state rounds of a sync session.
	SyncInterval time.Duration `mapstructure:"sync-interval" toml:"sync-interval"`

	// Number of hashes exchanged per sync request.
	SyncChunkSize int `mapstructure:"sync-chunk-size" toml:"sync-chunk-size"`
}

// DefaultMempoolConfig returns a default configuration for the mempool
func DefaultMempoolConfig() *MempoolConfig {
	return &MempoolConfig{
		Size:          5000,
		MaxTxsBytes:   1024 * 1024 * 1024, // 1GB
		MaxTxBytes:    1024 * 1024,        // 1MB
		CacheSize:     10000,
		BlockGasLimit: 150000,
		SyncInterval:  10 * time.Second,
		SyncChunkSize: 1000,
	}
}

// TestMempoolConfig returns a configuration for testing the mempool
func TestMempoolConfig() *MempoolConfig {
	cfg := DefaultMempoolConfig()
	cfg.CacheSize = 1000
	cfg.SyncInterval = 20 * time.Millisecond
	cfg.SyncChunkSize = 16
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *MempoolConfig) ValidateBasic() error {
	if cfg.Size <= 0 {
		return errors.New("size must be positive")
	}
	if cfg.MaxTxsBytes <= 0 {
		return errors.New("max-txs-bytes must be positive")
	}
	if cfg.MaxTxBytes <= 0 {
		return errors.New("max-tx-bytes must be positive")
	}
	if cfg.CacheSize < 0 {
		return errors.New("cache-size can't be negative")
	}
	if cfg.BlockGasLimit == 0 {
		return errors.New("block-gas-limit must be positive")
	}
	if cfg.SyncInterval <= 0 {
		return errors.New("sync-interval must be positive")
	}
	if cfg.SyncChunkSize <= 0 {
		return errors.New("sync-chunk-size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ExecutionConfig

// ExecutionConfig configures the per-chain execution service binding.
type ExecutionConfig struct {
	// Capacity of the request channel between callers and the execution
	// worker.
	QueueSize int `mapstructure:"queue-size" toml:"queue-size"`
}

func DefaultExecutionConfig() *ExecutionConfig {
	return &ExecutionConfig{QueueSize: 64}
}

func (cfg *ExecutionConfig) ValidateBasic() error {
	if cfg.QueueSize <= 0 {
		return errors.New("queue-size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// PayloadConfig

// PayloadConfig configures the content-addressed payload store.
type PayloadConfig struct {
	// Number of payloads kept in the in-memory lookup cache. 0 disables it.
	CacheSize int `mapstructure:"cache-size" toml:"cache-size"`
}

func DefaultPayloadConfig() *PayloadConfig {
	return &PayloadConfig{CacheSize: 2048}
}

func (cfg *PayloadConfig) ValidateBasic() error {
	if cfg.CacheSize < 0 {
		return errors.New("cache-size can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus" toml:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr" toml:"prometheus-listen-addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace" toml:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "braid",
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
		return errors.New("prometheus-listen-addr is required when prometheus is enabled")
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

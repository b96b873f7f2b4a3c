package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/stela-net/stela/libs/log"
)

const (
	// DefaultDirPerm is the default permissions used when creating
	// directories.
	DefaultDirPerm = 0o700

	defaultConfigDir = "config"
	defaultDataDir   = "data"

	defaultConfigFileName = "config.toml"
	defaultNodeKeyName    = "node_key.json"
	defaultReplayDirName  = "replay"
)

// Config defines the top level configuration for a node.
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	P2P             *P2PConfig             `mapstructure:"p2p"`
	Sync            *SyncConfig            `mapstructure:"sync"`
	Apply           *ApplyConfig           `mapstructure:"apply"`
	Replay          *ReplayConfig          `mapstructure:"replay"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a node.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		P2P:             DefaultP2PConfig(),
		Sync:            DefaultSyncConfig(),
		Apply:           DefaultApplyConfig(),
		Replay:          DefaultReplayConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs.
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.Replay.RootDir = root
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
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [sync] section: %w", err)
	}
	if err := cfg.Apply.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [apply] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a node.
type BaseConfig struct {
	// The root directory for all data.
	RootDir string `mapstructure:"home"`

	// The ID of the chain to follow (e.g. "stela-mainnet")
	ChainID string `mapstructure:"chain-id"`

	// The UTC genesis time of the chain, RFC 3339. All nodes of a
	// network must agree on it; it seeds the deterministic genesis block.
	GenesisTime time.Time `mapstructure:"genesis-time"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`

	// Path to the JSON file containing the private key to use for p2p
	// identity
	NodeKey string `mapstructure:"node-key-file"`
}

// DefaultBaseConfig returns a default base configuration for a node.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		ChainID:     "stela-localnet",
		GenesisTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Moniker:     "anonymous",
		DBBackend:   "goleveldb",
		DBPath:      defaultDataDir,
		LogLevel:    log.LogLevelInfo,
		LogFormat:   log.LogFormatPlain,
		NodeKey:     filepath.Join(defaultConfigDir, defaultNodeKeyName),
	}
}

// NodeKeyFile returns the full path to the node key file.
func (cfg BaseConfig) NodeKeyFile() string {
	return rootify(cfg.NodeKey, cfg.RootDir)
}

// DBDir returns the full path to the database directory.
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ConfigFile returns the full path to the config file.
func (cfg BaseConfig) ConfigFile() string {
	return rootify(filepath.Join(defaultConfigDir, defaultConfigFileName), cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	if cfg.ChainID == "" {
		return errors.New("chain-id must be set")
	}
	if cfg.GenesisTime.IsZero() {
		return errors.New("genesis-time must be set")
	}
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unknown db-backend %q", cfg.DBBackend)
	}
	switch cfg.LogFormat {
	case log.LogFormatPlain, log.LogFormatText, log.LogFormatJSON:
	default:
		return fmt.Errorf("unknown log-format %q", cfg.LogFormat)
	}
	return nil
}

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the configuration options for the peer-to-peer layer.
type P2PConfig struct {
	// Address to listen for incoming connections
	ListenAddr string `mapstructure:"laddr"`

	// Externally reachable port advertised during the handshake. Zero
	// means the listen port.
	ExternalPort uint16 `mapstructure:"external-port"`

	// Comma separated list of peer addresses to dial on startup
	PersistentPeers string `mapstructure:"persistent-peers"`

	// Leading zero bits required of a peer's proof-of-work identity stamp
	PowDifficulty int `mapstructure:"pow-difficulty"`

	// Accept incoming connections until the high water mark is reached,
	// resume accepting once the count drops below the low water mark.
	LowWaterMark  int `mapstructure:"low-water-mark"`
	HighWaterMark int `mapstructure:"high-water-mark"`

	// How long a banned peer stays banned
	BanDuration time.Duration `mapstructure:"ban-duration"`

	// Deadline covering the whole connection handshake
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`
	DialTimeout      time.Duration `mapstructure:"dial-timeout"`

	// Disconnect a peer that has sent nothing for this long
	InactivityTimeout time.Duration `mapstructure:"inactivity-timeout"`

	// Give up a blocked send after this long
	SendTimeout time.Duration `mapstructure:"send-timeout"`

	// Outstanding request cap per peer
	RequestCap int `mapstructure:"request-cap"`
}

// DefaultP2PConfig returns a default configuration for the peer-to-peer
// layer.
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddr:        "tcp://0.0.0.0:19732",
		PowDifficulty:     24,
		LowWaterMark:      30,
		HighWaterMark:     50,
		BanDuration:       1 * time.Hour,
		HandshakeTimeout:  8 * time.Second,
		DialTimeout:       3 * time.Second,
		InactivityTimeout: 8 * time.Minute,
		SendTimeout:       10 * time.Second,
		RequestCap:        64,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *P2PConfig) ValidateBasic() error {
	if cfg.PowDifficulty < 0 || cfg.PowDifficulty > 256 {
		return fmt.Errorf("pow-difficulty %d outside [0, 256]", cfg.PowDifficulty)
	}
	if cfg.LowWaterMark < 0 || cfg.HighWaterMark < cfg.LowWaterMark {
		return fmt.Errorf("water marks [%d, %d] are not an interval",
			cfg.LowWaterMark, cfg.HighWaterMark)
	}
	if cfg.RequestCap <= 0 {
		return errors.New("request-cap must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig defines the configuration for the chain sync manager.
type SyncConfig struct {
	// Cap on blocks tracked as missing at once
	MaxTrackedBlocks int `mapstructure:"max-tracked-blocks"`

	// How far back an ancestor search walks an advertised branch
	Lookback int `mapstructure:"lookback"`

	// Per-request latency budget before a fetch is reassigned
	FetchTimeout time.Duration `mapstructure:"fetch-timeout"`

	// Scheduling tick
	RetryInterval time.Duration `mapstructure:"retry-interval"`
}

// DefaultSyncConfig returns a default configuration for the sync manager.
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		MaxTrackedBlocks: 2048,
		Lookback:         200,
		FetchTimeout:     10 * time.Second,
		RetryInterval:    500 * time.Millisecond,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *SyncConfig) ValidateBasic() error {
	if cfg.MaxTrackedBlocks <= 0 {
		return errors.New("max-tracked-blocks must be positive")
	}
	if cfg.Lookback <= 0 {
		return errors.New("lookback must be positive")
	}
	if cfg.FetchTimeout <= 0 {
		return errors.New("fetch-timeout must be positive")
	}
	if cfg.RetryInterval <= 0 {
		return errors.New("retry-interval must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ApplyConfig

// ApplyConfig defines the configuration for the validation dispatcher and
// its engine connection.
type ApplyConfig struct {
	// Engine address. Empty means the built-in pass-through engine,
	// useful for relay-only nodes and tests.
	EngineAddr string `mapstructure:"engine-addr"`

	// Engine transport: tcp | unix
	EngineTransport string `mapstructure:"engine-transport"`

	// Bounded restart-and-retry policy per engine call
	EngineMaxRetries int `mapstructure:"engine-max-retries"`

	// Engine calls between memory reclaim requests
	ReclaimEvery int `mapstructure:"reclaim-every"`

	// How far the prunable checkpoint trails the head
	CheckpointLag int64 `mapstructure:"checkpoint-lag"`

	// Worker pool size for prevalidation
	Prevalidators int `mapstructure:"prevalidators"`

	// Budget for one engine call
	ApplyTimeout time.Duration `mapstructure:"apply-timeout"`

	// Minimum number of recent blocks kept when pruning history.
	// Zero retains everything.
	RetainBlocks int64 `mapstructure:"retain-blocks"`
}

// DefaultApplyConfig returns a default configuration for the validation
// dispatcher.
func DefaultApplyConfig() *ApplyConfig {
	return &ApplyConfig{
		EngineTransport:  "unix",
		EngineMaxRetries: 3,
		ReclaimEvery:     2000,
		CheckpointLag:    100,
		Prevalidators:    4,
		ApplyTimeout:     30 * time.Second,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ApplyConfig) ValidateBasic() error {
	switch cfg.EngineTransport {
	case "tcp", "unix":
	default:
		return fmt.Errorf("unknown engine-transport %q", cfg.EngineTransport)
	}
	if cfg.EngineMaxRetries < 0 {
		return errors.New("engine-max-retries cannot be negative")
	}
	if cfg.CheckpointLag < 0 {
		return errors.New("checkpoint-lag cannot be negative")
	}
	if cfg.Prevalidators <= 0 {
		return errors.New("prevalidators must be positive")
	}
	if cfg.RetainBlocks < 0 {
		return errors.New("retain-blocks cannot be negative")
	}
	if cfg.RetainBlocks > 0 && cfg.RetainBlocks < cfg.CheckpointLag {
		return errors.New("retain-blocks cannot be smaller than checkpoint-lag")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ReplayConfig

// ReplayConfig defines the configuration for the deterministic replay
// log.
type ReplayConfig struct {
	RootDir string `mapstructure:"home"`

	// Record every inbound peer message to a session log
	Enabled bool `mapstructure:"enabled"`

	// Directory for session logs
	Dir string `mapstructure:"dir"`
}

// DefaultReplayConfig returns a default configuration for the replay log.
func DefaultReplayConfig() *ReplayConfig {
	return &ReplayConfig{
		Enabled: false,
		Dir:     filepath.Join(defaultDataDir, defaultReplayDirName),
	}
}

// LogDir returns the full path to the replay log directory.
func (cfg *ReplayConfig) LogDir() string {
	return rootify(cfg.Dir, cfg.RootDir)
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
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
		Namespace:            "stela",
	}
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

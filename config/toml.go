package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
)

var configTemplate *template.Template

func init() {
	var err error
	if configTemplate, err = template.New("configFileTemplate").Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

// EnsureRoot creates the root, config and data directories if they are
// missing.
func EnsureRoot(rootDir string) error {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := os.MkdirAll(dir, DefaultDirPerm); err != nil {
			return fmt.Errorf("creating directory %q: %w", dir, err)
		}
	}
	return nil
}

// WriteConfigFile renders config using the template and writes it to
// configFilePath.
func WriteConfigFile(configFilePath string, config *Config) error {
	var buffer bytes.Buffer
	if err := configTemplate.Execute(&buffer, config); err != nil {
		return err
	}
	return os.WriteFile(configFilePath, buffer.Bytes(), 0o600)
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/mychain/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.stela" by default, but could be changed via $STELAHOME env variable
# or --home cmd flag.

#######################################################
###       Main Base Config Options                  ###
#######################################################

# The ID of the chain to follow
chain-id = "{{ .BaseConfig.ChainID }}"

# The UTC genesis time of the chain, RFC 3339. All nodes of a network
# must agree on it; it seeds the deterministic genesis block.
genesis-time = "{{ .BaseConfig.GenesisTime.Format "2006-01-02T15:04:05Z07:00" }}"

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Database backend: goleveldb | memdb
db-backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db-dir = "{{ .BaseConfig.DBPath }}"

# Output level for logging, including package level options
log-level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log-format = "{{ .BaseConfig.LogFormat }}"

# Path to the JSON file containing the private key to use for node
# authentication in the p2p protocol
node-key-file = "{{ js .BaseConfig.NodeKey }}"

#######################################################
###           P2P Configuration Options             ###
#######################################################
[p2p]

# Address to listen for incoming connections
laddr = "{{ .P2P.ListenAddr }}"

# Externally reachable port advertised during the handshake.
# Zero means the listen port.
external-port = {{ .P2P.ExternalPort }}

# Comma separated list of peer addresses to dial on startup
persistent-peers = "{{ .P2P.PersistentPeers }}"

# Leading zero bits required of a peer's proof-of-work identity stamp
pow-difficulty = {{ .P2P.PowDifficulty }}

# Accept incoming connections until the high water mark is reached,
# resume accepting once the count drops below the low water mark.
low-water-mark = {{ .P2P.LowWaterMark }}
high-water-mark = {{ .P2P.HighWaterMark }}

# How long a banned peer stays banned
ban-duration = "{{ .P2P.BanDuration }}"

# Deadline covering the whole connection handshake
handshake-timeout = "{{ .P2P.HandshakeTimeout }}"
dial-timeout = "{{ .P2P.DialTimeout }}"

# Disconnect a peer that has sent nothing for this long
inactivity-timeout = "{{ .P2P.InactivityTimeout }}"

# Give up a blocked send after this long
send-timeout = "{{ .P2P.SendTimeout }}"

# Outstanding request cap per peer
request-cap = {{ .P2P.RequestCap }}

#######################################################
###         Chain Sync Configuration Options        ###
#######################################################
[sync]

# Cap on blocks tracked as missing at once
max-tracked-blocks = {{ .Sync.MaxTrackedBlocks }}

# How far back an ancestor search walks an advertised branch
lookback = {{ .Sync.Lookback }}

# Per-request latency budget before a fetch is reassigned
fetch-timeout = "{{ .Sync.FetchTimeout }}"

# Scheduling tick
retry-interval = "{{ .Sync.RetryInterval }}"

#######################################################
###      Validation Engine Configuration Options    ###
#######################################################
[apply]

# Engine address. Empty means the built-in pass-through engine.
engine-addr = "{{ .Apply.EngineAddr }}"

# Engine transport: tcp | unix
engine-transport = "{{ .Apply.EngineTransport }}"

# Bounded restart-and-retry policy per engine call
engine-max-retries = {{ .Apply.EngineMaxRetries }}

# Engine calls between memory reclaim requests
reclaim-every = {{ .Apply.ReclaimEvery }}

# How far the prunable checkpoint trails the head
checkpoint-lag = {{ .Apply.CheckpointLag }}

# Worker pool size for prevalidation
prevalidators = {{ .Apply.Prevalidators }}

# Budget for one engine call
apply-timeout = "{{ .Apply.ApplyTimeout }}"

# Minimum number of recent blocks kept when pruning history. 0 retains everything.
retain-blocks = {{ .Apply.RetainBlocks }}

#######################################################
###          Replay Configuration Options           ###
#######################################################
[replay]

# Record every inbound peer message to a session log
enabled = {{ .Replay.Enabled }}

# Directory for session logs
dir = "{{ js .Replay.Dir }}"

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# prometheus-listen-addr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus-listen-addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

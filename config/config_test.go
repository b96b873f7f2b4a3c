package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)
	assert.NoError(t, cfg.ValidateBasic())

	// rootification
	cfg.SetRoot("/foo")
	assert.Equal(t, "/foo/config/node_key.json", cfg.NodeKeyFile())
	assert.Equal(t, "/foo/data", cfg.DBDir())
	assert.Equal(t, "/foo/config/config.toml", cfg.ConfigFile())
	assert.Equal(t, "/foo/data/replay", cfg.Replay.LogDir())

	// absolute paths are left alone
	cfg.DBPath = "/opt/data"
	assert.Equal(t, "/opt/data", cfg.DBDir())
}

func TestConfigValidateBasic(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"missing chain id", func(c *Config) { c.ChainID = "" }, true},
		{"zero genesis time", func(c *Config) { c.GenesisTime = time.Time{} }, true},
		{"unknown db backend", func(c *Config) { c.DBBackend = "rocksdb" }, true},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"inverted water marks", func(c *Config) { c.P2P.LowWaterMark = 60 }, true},
		{"excessive pow difficulty", func(c *Config) { c.P2P.PowDifficulty = 300 }, true},
		{"zero request cap", func(c *Config) { c.P2P.RequestCap = 0 }, true},
		{"zero lookback", func(c *Config) { c.Sync.Lookback = 0 }, true},
		{"zero fetch timeout", func(c *Config) { c.Sync.FetchTimeout = 0 }, true},
		{"bad engine transport", func(c *Config) { c.Apply.EngineTransport = "pigeon" }, true},
		{"negative checkpoint lag", func(c *Config) { c.Apply.CheckpointLag = -1 }, true},
		{"retention inside checkpoint lag", func(c *Config) { c.Apply.RetainBlocks = 50 }, true},
		{"retention beyond checkpoint lag", func(c *Config) { c.Apply.RetainBlocks = 500 }, false},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.ValidateBasic()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
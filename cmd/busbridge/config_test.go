package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(c *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	registerFlags(fs, c)
	return fs
}

func TestLoadConfigDefaults(t *testing.T) {
	var c Config
	require.NoError(t, loadConfig(newFlags(&c), nil, &c))
	assert.Equal(t, 3, c.PerIPCap)
	assert.Equal(t, 5*time.Minute, c.RefreshInterval)
	assert.Equal(t, 10*time.Millisecond, c.PushInterval)
	assert.Equal(t, "whitelist.txt", c.WhitelistFile)
}

func TestLoadConfigFileUnderFlags(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
external: ":7000"
per_ip_cap: 5
refresh_interval: 30s
topic: from-file
`), 0o644))

	var c Config
	err := loadConfig(newFlags(&c), []string{"-config", p, "-topic", "from-flag"}, &c)
	require.NoError(t, err)
	assert.Equal(t, ":7000", c.ExternalAddr)
	assert.Equal(t, 5, c.PerIPCap)
	assert.Equal(t, 30*time.Second, c.RefreshInterval)
	assert.Equal(t, "from-flag", c.Topic)
	assert.Equal(t, ":9011", c.InternalAddr)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := [][]string{
		{"-per-ip-cap", "0"},
		{"-refresh-interval", "0s"},
		{"-whitelist-redis-key", "wl"},
		{"-whitelist", ""},
	}
	for _, args := range cases {
		var c Config
		assert.Error(t, loadConfig(newFlags(&c), args, &c), args)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	var c Config
	err := loadConfig(newFlags(&c), []string{"-config", filepath.Join(t.TempDir(), "nope.yaml")}, &c)
	assert.ErrorContains(t, err, "read config")
}

func TestBridgeConfigMapping(t *testing.T) {
	c := Config{ConnRate: 4, ConnRateGlobal: 40, PerIPCap: 2, SendBuffer: 8}
	bc := c.bridgeConfig()
	assert.Equal(t, 4, bc.ConnRatePerIP)
	assert.Equal(t, 40, bc.ConnRateGlobal)
	assert.Equal(t, 2, bc.PerIPCap)
	assert.Equal(t, 8, bc.SendBuffer)
}

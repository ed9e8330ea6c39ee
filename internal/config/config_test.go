package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_DefaultConfigIsSelfConsistent(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 0, cfg.Partition)
	assert.NotZero(t, cfg.SMEM.BufferCount)
	assert.NotZero(t, cfg.Request.WindowWidthUs)

	ports, err := cfg.NamespacedPorts()
	require.NoError(t, err)
	assert.Equal(t, cfg.Ports.TokenTCP, ports.TokenTCP)
}

func Test_LoadConfigOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daqfabric.yaml")
	yamlBody := `
partition: 3
dsm:
  rank: 7
  destinations: [1, 2, 3]
request:
  mode: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Partition)
	assert.EqualValues(t, 7, cfg.DSM.Rank)
	assert.Equal(t, []int32{1, 2, 3}, cfg.DSM.Destinations)
	// Untouched default fields survive the overlay.
	assert.NotZero(t, cfg.SMEM.BufferCount)
	assert.Equal(t, cfg.DSM.MulticastGroup, DefaultConfig().DSM.MulticastGroup)
}

func Test_LoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

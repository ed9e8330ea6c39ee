// Package config loads the per-role YAML configuration shared by every
// daqfabric binary, mirroring the coordinator's LoadConfig/DefaultConfig
// pattern: unmarshal onto a populated default rather than a zero value.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/daqfabric/internal/drm"
	"github.com/yanet-platform/daqfabric/internal/dsm"
	"github.com/yanet-platform/daqfabric/internal/hostmap"
	"github.com/yanet-platform/daqfabric/internal/logging"
	"github.com/yanet-platform/daqfabric/internal/request"
	"github.com/yanet-platform/daqfabric/internal/router"
	"github.com/yanet-platform/daqfabric/internal/smem"
	"github.com/yanet-platform/daqfabric/internal/transport"
)

// Config is the full configuration for one fabric process. Every role reads
// the same struct; a role simply ignores the sections that don't apply to
// it (e.g. a router process never touches SMEM or DRM).
type Config struct {
	// Partition namespaces this process's ports, per transport.Ports.
	Partition int `yaml:"partition"`

	Log logging.Config `yaml:"log"`

	Ports   transport.Ports `yaml:"ports"`
	HostMap hostmap.Config  `yaml:"host_map"`

	SMEM    smem.Config    `yaml:"smem"`
	DSM     dsm.Config     `yaml:"dsm"`
	DRM     drm.Config     `yaml:"drm"`
	Request request.Config `yaml:"request"`
	Router  router.Config  `yaml:"router"`
}

// LoadConfig loads configuration from a YAML file at path, starting from
// DefaultConfig so unspecified sections keep sane values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration for a single-partition,
// single-instance deployment of every fabric component.
func DefaultConfig() *Config {
	return &Config{
		Partition: 0,
		Log:       logging.Config{Level: -1}, // zapcore.DebugLevel
		Ports:     transport.DefaultPorts(),
		HostMap:   hostmap.Config{},
		SMEM:      smem.DefaultConfig(),
		DSM:       dsm.DefaultConfig(),
		DRM:       drm.DefaultConfig(),
		Request:   request.DefaultConfig(),
		Router:    *router.DefaultConfig(),
	}
}

// NamespacedPorts returns Ports offset for this config's Partition.
func (c *Config) NamespacedPorts() (transport.Ports, error) {
	return c.Ports.Namespaced(c.Partition)
}

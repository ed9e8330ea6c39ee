package router

import (
	"time"

	"github.com/yanet-platform/daqfabric/internal/transport"
)

// PolicyConfig selects and parameterizes one of the pluggable policies
// (§4.3). Only the fields relevant to Name are consulted.
type PolicyConfig struct {
	Name string `yaml:"name"` // "NoOp", "RoundRobin", "CapacityTest", "NthEvent"

	// RoundRobin
	MinParticipants int `yaml:"min_participants"`

	// CapacityTest
	Percent float64 `yaml:"percent"`

	// NthEvent
	N      uint64 `yaml:"n"`
	Target int32  `yaml:"target"`
}

// Config is the full configuration for a router process.
type Config struct {
	Partition int                 `yaml:"partition"`
	Ports     transport.Ports     `yaml:"ports"`
	Mode      transport.RouteMode `yaml:"mode"`

	// Receivers is the configured universe of destination ranks a policy
	// may assign to.
	Receivers []int32 `yaml:"receivers"`

	// Senders is the set of ranks expected to send tokens; in
	// RouteBySendCount mode, a rank's tokens only reach the policy once
	// len(Senders) tokens have accumulated for it.
	Senders []int32 `yaml:"senders"`

	Policy PolicyConfig `yaml:"policy"`

	MaxTableUpdateIntervalMs int `yaml:"max_table_update_interval_ms"`
	MaxAckCycleCount         int `yaml:"max_ack_cycle_count"`

	MulticastGroup string `yaml:"multicast_group"`
	Interface      string `yaml:"interface"`
}

// MaxTableUpdateInterval returns the configured ceiling as a Duration.
func (c Config) MaxTableUpdateInterval() time.Duration {
	return time.Duration(c.MaxTableUpdateIntervalMs) * time.Millisecond
}

// DefaultConfig returns sane defaults for a single router instance.
func DefaultConfig() *Config {
	return &Config{
		Partition: 0,
		Ports:     transport.DefaultPorts(),
		Mode:      transport.RouteBySequenceID,
		Policy:    PolicyConfig{Name: "NoOp"},

		MaxTableUpdateIntervalMs: 1000,
		MaxAckCycleCount:         5,

		MulticastGroup: "239.1.1.1",
	}
}

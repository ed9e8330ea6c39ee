// Package drm implements the Data Receiver Manager of spec §4.2: one
// receiver task per enabled source rank, streaming fragment bodies directly
// into SMEM and dispatching system fragments to the builder's lifecycle
// hooks.
package drm

import "time"

// Config describes one DRM instance: the set of source ranks it expects
// fragments from and the receive-timeout/retry policy applied to each.
type Config struct {
	Rank int32 `yaml:"rank"`

	// Sources lists the sender ranks this DRM receives from.
	Sources []int32 `yaml:"sources"`

	// ReceiveTimeoutUs bounds a single receive_fragment_header/data call.
	ReceiveTimeoutUs int `yaml:"receive_timeout_us"`

	// NonReliableMode permits dropping a fragment body rather than
	// blocking when SMEM has no free buffer.
	NonReliableMode bool `yaml:"non_reliable_mode"`

	// NonReliableModeRetryCount bounds the number of receive_timeout
	// sleeps attempted before a fragment is dropped in non-reliable mode.
	NonReliableModeRetryCount int `yaml:"non_reliable_mode_retry_count"`
}

// ReceiveTimeout returns ReceiveTimeoutUs as a time.Duration.
func (c Config) ReceiveTimeout() time.Duration {
	return time.Duration(c.ReceiveTimeoutUs) * time.Microsecond
}

// DefaultConfig returns sane defaults for a single builder instance.
func DefaultConfig() Config {
	return Config{
		ReceiveTimeoutUs:          200000,
		NonReliableMode:           false,
		NonReliableModeRetryCount: 3,
	}
}
